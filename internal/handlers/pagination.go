package handlers

import (
	"net/http"
	"strconv"
)

const maxPageSize = 100

// PaginationParams 分页参数
type PaginationParams struct {
	Page     int // 页码（从1开始）
	PageSize int // 每页数量
	Offset   int // 计算出的偏移量
}

// GetPagination 从请求获取分页参数
func GetPagination(r *http.Request, defaultPageSize int) PaginationParams {
	page := 1
	pageSize := defaultPageSize

	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if parsed, err := strconv.Atoi(ps); err == nil && parsed > 0 {
			pageSize = parsed
		}
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}
}

// PaginatedResponse 分页响应
type PaginatedResponse struct {
	Items      interface{} `json:"items"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalItems int         `json:"total_items"`
	TotalPages int         `json:"total_pages"`
	HasNext    bool        `json:"has_next"`
	HasPrev    bool        `json:"has_prev"`
}

func calculateTotalPages(totalItems, pageSize int) int {
	if totalItems <= 0 || pageSize <= 0 {
		return 0
	}
	return (totalItems + pageSize - 1) / pageSize
}

// Paginate 对内存中的列表分页
func Paginate[T any](items []T, params PaginationParams) PaginatedResponse {
	total := len(items)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}
	page := make([]T, 0, end-start)
	page = append(page, items[start:end]...)

	totalPages := calculateTotalPages(total, params.PageSize)
	return PaginatedResponse{
		Items:      page,
		Page:       params.Page,
		PageSize:   params.PageSize,
		TotalItems: total,
		TotalPages: totalPages,
		HasNext:    params.Page < totalPages,
		HasPrev:    params.Page > 1,
	}
}

// queryLimit 读取 limit 参数，非法值使用默认值
func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > maxPageSize {
				return maxPageSize
			}
			return n
		}
	}
	return def
}

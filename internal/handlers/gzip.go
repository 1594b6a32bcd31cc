package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

var (
	// ErrBodyTooLarge 解压后的请求体超过上限
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrUnsupportedEncoding 不支持的 Content-Encoding
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// GzipMiddleware 按 Accept-Encoding 压缩响应，websocket 升级请求不压缩
func GzipMiddleware(next http.Handler) http.Handler {
	return gorillaHandlers.CompressHandlerLevel(next, gzip.BestSpeed)
}

// DecodeBody 按 Content-Encoding 解码上报数据，limit 为解码后上限
func DecodeBody(body io.Reader, encoding string, limit int64) ([]byte, error) {
	var r io.Reader
	switch enc := strings.ToLower(strings.TrimSpace(encoding)); enc {
	case "", "identity":
		r = body
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gr.Close()
		r = gr
	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("deflate body: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

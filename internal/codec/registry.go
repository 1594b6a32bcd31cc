package codec

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// NoCodecMessage 原始数据回退时的错误说明
const NoCodecMessage = "no codec available"

// Result 解码结果
type Result struct {
	Fields  Fields
	CodecID string
	// Decoded 为 false 表示原始数据回退
	Decoded bool
	// Recognized 表示字段已经是规范遥测，无需启发式提取
	Recognized bool
}

// Registry 编解码器注册表，注册顺序即探测顺序
type Registry struct {
	mu     sync.RWMutex
	codecs []Codec
	byID   map[string]Codec
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Codec),
	}
}

// Default 按静态列表注册内置编解码器
func Default() *Registry {
	r := NewRegistry()
	for _, c := range BuiltinCodecs() {
		if err := r.Register(c); err != nil {
			// 内置列表不应出现重复
			panic(err)
		}
	}
	return r
}

// Register 注册编解码器，重复ID返回错误
func (r *Registry) Register(c Codec) error {
	if c == nil || strings.TrimSpace(c.ID()) == "" {
		return apperrors.Newf(apperrors.ErrBadRequest, "codec id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[c.ID()]; exists {
		return apperrors.Newf(apperrors.ErrDuplicateCodec, "codec %s already registered", c.ID())
	}
	r.byID[c.ID()] = c
	r.codecs = append(r.codecs, c)
	return nil
}

// Lookup 按ID查找
func (r *Registry) Lookup(id string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// LookupModel 按厂商+型号查找（忽略大小写），返回注册顺序中的第一个
func (r *Registry) LookupModel(manufacturer, model string) (Codec, bool) {
	if manufacturer == "" || model == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.codecs {
		if !strings.EqualFold(c.Manufacturer(), manufacturer) {
			continue
		}
		for _, m := range c.Models() {
			if strings.EqualFold(m, model) {
				return c, true
			}
		}
	}
	return nil, false
}

// Codecs 返回注册顺序的快照
func (r *Registry) Codecs() []Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Codec, len(r.codecs))
	copy(out, r.codecs)
	return out
}

// Decode 解码任意载荷：结构化数据直接检查，字节数据走编解码器
func (r *Registry) Decode(payload interface{}, hint Hint) Result {
	switch p := payload.(type) {
	case []byte:
		return r.DecodeBytes(p, hint)
	case map[string]interface{}:
		return r.decodeStructured(p, hint)
	case nil:
		return rawFallback(nil)
	default:
		return Result{
			Fields: Fields{
				models.FieldRawData: fmt.Sprintf("%v", p),
				models.FieldDecoded: false,
				models.FieldError:   NoCodecMessage,
			},
		}
	}
}

func (r *Registry) decodeStructured(p map[string]interface{}, hint Hint) Result {
	if hasKnownField(p) {
		return Result{Fields: canonicalFields(p), Decoded: true, Recognized: true}
	}

	inner, ok := p["data"]
	if !ok {
		return Result{Fields: p, Decoded: true}
	}

	switch data := inner.(type) {
	case map[string]interface{}:
		if hasKnownField(data) {
			return Result{Fields: canonicalFields(data), Decoded: true, Recognized: true}
		}
		return Result{Fields: data, Decoded: true}
	case string:
		// LNS 风格上行：data 为 base64 或 hex 编码的原始帧
		raw, ok := decodeEncodedString(data)
		if !ok {
			return Result{Fields: p, Decoded: true}
		}
		if hint.Port == 0 {
			hint.Port = envelopePort(p)
		}
		return r.DecodeBytes(raw, hint)
	default:
		return Result{Fields: p, Decoded: true}
	}
}

// DecodeBytes 解码原始字节，失败时返回原始数据回退，不会panic
func (r *Registry) DecodeBytes(payload []byte, hint Hint) Result {
	c := r.resolve(payload, hint)
	if c == nil {
		return rawFallback(payload)
	}

	fields, err := safeDecode(c, payload, hint)
	if err != nil {
		logger.Debug("codec decode failed, using raw fallback", "codec", c.ID(), "error", err.Error())
		return rawFallback(payload)
	}
	return Result{Fields: fields, CodecID: c.ID(), Decoded: true, Recognized: true}
}

// resolve 选择编解码器：显式ID > 厂商+型号（需通过嗅探）> 按注册顺序探测
func (r *Registry) resolve(payload []byte, hint Hint) Codec {
	if hint.CodecID != "" {
		if c, ok := r.Lookup(hint.CodecID); ok {
			return c
		}
	}
	if c, ok := r.LookupModel(hint.Manufacturer, hint.Model); ok {
		if safeCanDecode(c, payload, hint) {
			return c
		}
	}
	for _, c := range r.Codecs() {
		if safeCanDecode(c, payload, hint) {
			return c
		}
	}
	return nil
}

// Encode 按ID编码命令
func (r *Registry) Encode(cmd *models.Command, codecID string) (*Encoded, error) {
	c, ok := r.Lookup(codecID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodecNotFound, "codec %s not found", codecID)
	}
	return c.Encode(cmd)
}

func safeCanDecode(c Codec, payload []byte, hint Hint) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	return c.CanDecode(payload, hint)
}

func safeDecode(c Codec, payload []byte, hint Hint) (fields Fields, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			fields = nil
			err = fmt.Errorf("codec %s panic: %v", c.ID(), rec)
		}
	}()
	return c.Decode(payload, hint)
}

func rawFallback(payload []byte) Result {
	return Result{
		Fields: Fields{
			models.FieldRawData: hex.EncodeToString(payload),
			models.FieldDecoded: false,
			models.FieldError:   NoCodecMessage,
		},
	}
}

// canonicalFields 复制结构化字段，规范字段里的数字字符串转成 float64
func canonicalFields(p map[string]interface{}) Fields {
	out := make(Fields, len(p))
	for k, v := range p {
		if s, ok := v.(string); ok && models.IsKnownField(k) {
			if f, ok := models.ParseNumber(s); ok {
				v = f
			}
		}
		out[k] = v
	}
	return out
}

func hasKnownField(p map[string]interface{}) bool {
	for k := range p {
		if models.IsKnownField(k) {
			return true
		}
	}
	return false
}

func decodeEncodedString(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if len(s)%2 == 0 {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}

func envelopePort(p map[string]interface{}) int {
	for _, key := range []string{"fPort", "fport", "port"} {
		if v, ok := models.ToFloat(p[key]); ok {
			return int(v)
		}
	}
	return 0
}

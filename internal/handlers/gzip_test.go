package handlers

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGzipMiddleware_CompressesWhenAccepted(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding=%q, want gzip", got)
	}
	if got := rr.Header().Get("Vary"); got != "Accept-Encoding" {
		t.Fatalf("Vary=%q", got)
	}

	gr, err := gzip.NewReader(rr.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader error: %v", err)
	}
	defer gr.Close()
	body, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read gzip body error: %v", err)
	}
	if string(body) != `{"success":true}` {
		t.Fatalf("body=%q", string(body))
	}
}

func TestGzipMiddleware_PassThrough(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"not accepted", nil},
		{"websocket upgrade", map[string]string{"Accept-Encoding": "gzip", "Connection": "Upgrade", "Upgrade": "websocket"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if got := rr.Header().Get("Content-Encoding"); got != "" {
				t.Fatalf("Content-Encoding=%q, want empty", got)
			}
			if rr.Body.String() != "plain text" {
				t.Fatalf("body=%q", rr.Body.String())
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	payload := []byte(`{"temperature":21.5}`)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write(payload)
	_ = gw.Close()

	var zl bytes.Buffer
	zw := zlib.NewWriter(&zl)
	_, _ = zw.Write(payload)
	_ = zw.Close()

	tests := []struct {
		name     string
		body     []byte
		encoding string
		limit    int64
		want     string
		wantErr  error
	}{
		{"identity", payload, "", 1024, string(payload), nil},
		{"gzip", gz.Bytes(), "gzip", 1024, string(payload), nil},
		{"gzip mixed case", gz.Bytes(), " GZIP ", 1024, string(payload), nil},
		{"deflate", zl.Bytes(), "deflate", 1024, string(payload), nil},
		{"decoded over limit", gz.Bytes(), "gzip", 8, "", ErrBodyTooLarge},
		{"plain over limit", payload, "identity", 8, "", ErrBodyTooLarge},
		{"unsupported", payload, "br", 1024, "", ErrUnsupportedEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBody(bytes.NewReader(tt.body), tt.encoding, tt.limit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBody error: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("body=%q, want %q", got, tt.want)
			}
		})
	}

	if _, err := DecodeBody(strings.NewReader("not gzip"), "gzip", 1024); err == nil {
		t.Fatal("expected error for corrupt gzip body")
	}
}

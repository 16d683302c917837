package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
)

// responsePrefix 标记序列化后的响应，命名空间里的外来文件会被拒绝而不是返回给客户端。
const responsePrefix = "---OFFLINE-GATEWAY-RESPONSE---\n"

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// EncodeResponse 序列化状态码、头部与正文。resp 的正文被读取后替换为内存副本，
// 调用方仍可继续写回客户端。
func EncodeResponse(resp *http.Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	snapshot := &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneEndToEnd(resp.Header),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	dumped, err := httputil.DumpResponse(snapshot, true)
	if err != nil {
		return nil, fmt.Errorf("dump response: %w", err)
	}
	return append([]byte(responsePrefix), dumped...), nil
}

// DecodeResponse 还原 EncodeResponse 写入的响应并绑定到 req。
func DecodeResponse(data []byte, req *http.Request) (*http.Response, error) {
	if len(data) < len(responsePrefix) || string(data[:len(responsePrefix)]) != responsePrefix {
		return nil, fmt.Errorf("invalid cached response prefix")
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data[len(responsePrefix):])), req)
	if err != nil {
		return nil, fmt.Errorf("read cached response: %w", err)
	}
	return resp, nil
}

// IsHopByHopHeader 判断头部是否不应被缓存或转发。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func cloneEndToEnd(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	return dst
}

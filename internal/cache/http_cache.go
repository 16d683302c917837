package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ResponseCache 在 Store 之上保存完整的 HTTP 响应（状态码、头、正文）。
type ResponseCache struct {
	store Store
}

// NewResponseCache 包装 store。
func NewResponseCache(store Store) *ResponseCache {
	return &ResponseCache{store: store}
}

// Store 返回底层存储，供生命周期控制器枚举和删除命名空间。
func (c *ResponseCache) Store() Store {
	return c.store
}

// Lookup 在 namespace 中查找 req 对应的响应，未命中返回 ErrNotFound。
func (c *ResponseCache) Lookup(ctx context.Context, namespace string, req *http.Request) (*http.Response, error) {
	return c.lookup(ctx, KeyFor(namespace, req), req)
}

// LookupAny 依次在多个命名空间查找，返回首个命中及其命名空间。
func (c *ResponseCache) LookupAny(ctx context.Context, req *http.Request, namespaces ...string) (*http.Response, string, error) {
	for _, ns := range namespaces {
		resp, err := c.Lookup(ctx, ns, req)
		if err == nil {
			return resp, ns, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", ErrNotFound
}

// Save 写入响应。resp.Body 会被完整读取并替换为内存副本，调用方可继续使用 resp。
func (c *ResponseCache) Save(ctx context.Context, namespace string, req *http.Request, resp *http.Response) error {
	return c.SaveAt(ctx, KeyFor(namespace, req), resp)
}

// SaveAt 写入到指定 Locator。
func (c *ResponseCache) SaveAt(ctx context.Context, locator Locator, resp *http.Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if _, err := c.store.Put(ctx, locator, bytes.NewReader(data), PutOptions{}); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

func (c *ResponseCache) lookup(ctx context.Context, locator Locator, req *http.Request) (*http.Response, error) {
	result, err := c.store.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(result.Reader)
	result.Reader.Close()
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	return DecodeResponse(data, req)
}

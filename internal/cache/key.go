package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path"
	"strings"
)

// KeyFor 将请求映射为命名空间内的 Locator。
//
// 布局为 <url path>/<METHOD>[_q<hash>].bin，使 /a 与 /a/b 可同时缓存而互不覆盖；
// 查询串只参与 8 位哈希，避免文件名过长。
func KeyFor(namespace string, req *http.Request) Locator {
	p, query := "/", ""
	if req.URL != nil {
		p = req.URL.EscapedPath()
		query = req.URL.RawQuery
	}
	return buildLocator(namespace, req.Method, p, query)
}

// KeyForPath 构造指向同源路径的 GET Locator，供预缓存使用。
func KeyForPath(namespace, rawPath string) Locator {
	p, query, _ := strings.Cut(rawPath, "?")
	return buildLocator(namespace, http.MethodGet, p, query)
}

func buildLocator(namespace, method, p, query string) Locator {
	name := strings.ToUpper(method)
	if name == "" {
		name = http.MethodGet
	}
	if query != "" {
		sum := sha256.Sum256([]byte(query))
		name += "_q" + hex.EncodeToString(sum[:])[:8]
	}
	return Locator{Namespace: namespace, Path: path.Join(path.Clean("/"+p), name+".bin")}
}

package cache

import (
	"fmt"
	"strings"
)

// Kind 区分命名空间用途：static 保存构建产物，dynamic 保存成功的 GET 响应。
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

// Kinds 返回所有命名空间类型。
func Kinds() []Kind {
	return []Kind{KindStatic, KindDynamic}
}

// NamespaceName 生成 <kind>-<version> 形式的命名空间名。
func NamespaceName(kind Kind, version string) string {
	return fmt.Sprintf("%s-%s", kind, version)
}

// ParseNamespace 拆解命名空间名；不符合 <kind>-<version> 的名称返回 ok=false。
func ParseNamespace(name string) (Kind, string, bool) {
	for _, kind := range Kinds() {
		prefix := string(kind) + "-"
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return kind, strings.TrimPrefix(name, prefix), true
		}
	}
	return "", "", false
}

// NamespaceSet 是某个缓存版本对应的一组命名空间。
type NamespaceSet struct {
	Version string
	Static  string
	Dynamic string
}

// NamespacesFor 返回 version 对应的 static/dynamic 命名空间。
func NamespacesFor(version string) NamespaceSet {
	return NamespaceSet{
		Version: version,
		Static:  NamespaceName(KindStatic, version),
		Dynamic: NamespaceName(KindDynamic, version),
	}
}

// Allowed 返回激活该版本后允许保留的命名空间名。
func (s NamespaceSet) Allowed() map[string]struct{} {
	return map[string]struct{}{
		s.Static:  {},
		s.Dynamic: {},
	}
}

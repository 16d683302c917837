package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<basePath>/<Namespace>/<path>    # 序列化后的响应
//
// 每个条目仅由一个文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入缓存条目。实现需通过临时文件 + rename 保证写入原子性，
	// 同一 Locator 的旧值被整体覆盖，失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Namespaces 列出当前存在的命名空间（按名称排序）。
	Namespaces(ctx context.Context) ([]string, error)

	// HasNamespace 判断命名空间是否存在。
	HasNamespace(ctx context.Context, namespace string) (bool, error)

	// DeleteNamespace 删除整个命名空间及其所有条目，不存在时不报错。
	DeleteNamespace(ctx context.Context, namespace string) error

	// Entries 列出命名空间内的全部条目（按路径排序）。
	Entries(ctx context.Context, namespace string) ([]Entry, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（命名空间 + 相对路径），路径均为 URL 路径风格。
type Locator struct {
	Namespace string
	Path      string
}

// Entry 表示一个缓存条目，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidLocator 表示命名空间或路径非法（为空或试图越出根目录）。
	ErrInvalidLocator = errors.New("invalid cache locator")
)

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrecacheManifest 是构建产物生成的预缓存清单，格式为 YAML：
//
//	assets:
//	  - /
//	  - /static/js/main.js
type PrecacheManifest struct {
	Assets []string `yaml:"assets"`
}

// LoadManifest 读取 YAML 预缓存清单。
func LoadManifest(path string) (PrecacheManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PrecacheManifest{}, fmt.Errorf("读取预缓存清单失败: %w", err)
	}
	var manifest PrecacheManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return PrecacheManifest{}, fmt.Errorf("解析预缓存清单失败: %w", err)
	}
	return manifest, nil
}

// mergeManifest 将清单中的资源追加到 PrecacheAssets 并去重，保持首次出现的顺序。
func mergeManifest(app *AppConfig, baseDir string) error {
	path := strings.TrimSpace(app.PrecacheManifest)
	if path == "" {
		app.PrecacheAssets = dedupeAssets(app.PrecacheAssets)
		return nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	manifest, err := LoadManifest(path)
	if err != nil {
		return newFieldError(appField(app.Name, "PrecacheManifest"), err.Error())
	}
	app.PrecacheAssets = dedupeAssets(append(app.PrecacheAssets, manifest.Assets...))
	return nil
}

func dedupeAssets(assets []string) []string {
	if len(assets) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))
	for _, asset := range assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			continue
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	return out
}

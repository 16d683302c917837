package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(fixturePath("missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[App]]
Name = "hiring"
Domain = "hiring.local"
Origin = "https://api.hiring.example.com"
CacheVersion = "v1"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsMissingManifest(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[App]]
Name = "hiring"
Domain = "hiring.local"
Origin = "https://api.hiring.example.com"
CacheVersion = "v1"
PrecacheManifest = "nowhere.yaml"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("缺失的预缓存清单应失败")
	}
}

func TestWatchReportsVersionBump(t *testing.T) {
	content := `
StoragePath = "./data"

[[App]]
Name = "hiring"
Domain = "hiring.local"
Origin = "https://api.hiring.example.com"
CacheVersion = "%s"
`
	path := writeTempConfig(t, fmt.Sprintf(content, "v1"))

	changes := make(chan *Config, 4)
	cfg, err := Watch(path, func(next *Config) {
		select {
		case changes <- next:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}
	if cfg.Apps[0].CacheVersion != "v1" {
		t.Fatalf("初始版本错误: %s", cfg.Apps[0].CacheVersion)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf(content, "v2")), 0o600); err != nil {
		t.Fatalf("改写配置失败: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case next := <-changes:
			if next.Apps[0].CacheVersion == "v2" {
				return
			}
		case <-deadline:
			t.Fatalf("未收到配置变更回调")
		}
	}
}

func TestLoadManifest(t *testing.T) {
	manifest, err := LoadManifest(filepath.Join("testdata", "manifest.yaml"))
	if err != nil {
		t.Fatalf("LoadManifest 返回错误: %v", err)
	}
	if len(manifest.Assets) != 3 {
		t.Fatalf("清单资源数量错误: %v", manifest.Assets)
	}
}

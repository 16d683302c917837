package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := fixturePath("valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5080 {
		t.Fatalf("ListenPort 应当被解析，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 20*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.HealthCheckInterval.DurationValue() != 10*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", cfg.Global.HealthCheckInterval.DurationValue())
	}
	if cfg.Global.DrainInterval.DurationValue() != time.Minute {
		t.Fatalf("DrainInterval 应该自动填充默认值")
	}
	if cfg.Global.SessionIdleTimeout.DurationValue() != 2*time.Hour {
		t.Fatalf("SessionIdleTimeout 默认值错误: %s", cfg.Global.SessionIdleTimeout.DurationValue())
	}
	if cfg.Global.QueueMaxEntries != 1000 {
		t.Fatalf("QueueMaxEntries 默认值错误: %d", cfg.Global.QueueMaxEntries)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}

	hiring, ok := cfg.FindApp("hiring")
	if !ok {
		t.Fatalf("应找到 hiring App")
	}
	if hiring.Origin != "https://api.hiring.example.com" {
		t.Fatalf("Origin 末尾斜杠应被移除，得到 %s", hiring.Origin)
	}
	if hiring.APIPrefix != "/api/" {
		t.Fatalf("APIPrefix 默认值错误: %s", hiring.APIPrefix)
	}
	if len(hiring.StaticPrefixes) != len(DefaultStaticPrefixes) {
		t.Fatalf("StaticPrefixes 应回退默认值，得到 %v", hiring.StaticPrefixes)
	}
	if hiring.HealthPath != "/" {
		t.Fatalf("HealthPath 默认值错误: %s", hiring.HealthPath)
	}

	legal, _ := cfg.FindApp("legal-chat")
	if legal.APIPrefix != "/chat-api/" {
		t.Fatalf("APIPrefix 覆盖未生效: %s", legal.APIPrefix)
	}
}

func TestLoadMergesPrecacheManifest(t *testing.T) {
	cfg, err := Load(fixturePath("valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	hiring, _ := cfg.FindApp("hiring")
	want := []string{"/", "/index.html", "/offline.html", "/static/js/main.js", "/static/css/main.css"}
	if len(hiring.PrecacheAssets) != len(want) {
		t.Fatalf("预缓存资源数量错误: %v", hiring.PrecacheAssets)
	}
	for i := range want {
		if hiring.PrecacheAssets[i] != want[i] {
			t.Fatalf("第 %d 个资源应为 %s，得到 %s", i, want[i], hiring.PrecacheAssets[i])
		}
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	if _, err := Load(fixturePath("missing.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("应返回 FieldError，得到 %T", err)
	}
	if fieldErr.Field != "Global.ListenPort" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestValidateOriginScheme(t *testing.T) {
	testCases := []struct {
		name      string
		origin    string
		shouldErr bool
	}{
		{"https ok", "https://api.example.com", false},
		{"http with port ok", "http://127.0.0.1:8080", false},
		{"missing", "", true},
		{"ftp rejected", "ftp://files.example.com", true},
		{"no scheme", "api.example.com", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Apps[0].Origin = tc.origin
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for origin %q", tc.origin)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for origin %q: %v", tc.origin, err)
			}
		})
	}
}

func TestValidateRejectsDuplicateDomains(t *testing.T) {
	cfg := validConfig()
	second := cfg.Apps[0]
	second.Name = "hiring-copy"
	cfg.Apps = append(cfg.Apps, second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复 Domain 应报错")
	}
}

func TestValidateRejectsVersionWithSeparator(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].CacheVersion = "v1/beta"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("CacheVersion 含有路径分隔符时应报错")
	}
}

func TestValidateRejectsRelativeStaticPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].StaticPrefixes = []string{"static/"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("StaticPrefixes 必须以 / 开头")
	}
}

func TestAppNames(t *testing.T) {
	names := AppNames(validConfig().Apps)
	if len(names) != 1 || names[0] != "hiring:v1" {
		t.Fatalf("unexpected app names: %v", names)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:          5000,
			StoragePath:         "./data",
			UpstreamTimeout:     Duration(time.Second),
			HealthCheckInterval: Duration(time.Second),
			DrainInterval:       Duration(time.Second),
		},
		Apps: []AppConfig{
			{
				Name:           "hiring",
				Domain:         "hiring.local",
				Origin:         "https://api.hiring.example.com",
				CacheVersion:   "v1",
				APIPrefix:      "/api/",
				StaticPrefixes: []string{"/static/"},
				HealthPath:     "/",
			},
		},
	}
}

// Package strategy 决定源站可能不可达时每个代理请求的应答方式，
// 并基于源站、响应缓存与离线队列执行该决策。
package strategy

import (
	"net/http"
	"strings"

	"github.com/hireloop/offline-gateway/internal/config"
)

// Strategy 是请求处理策略的名称。
type Strategy string

const (
	// CacheFirst 静态资源优先读缓存，未命中才回源。
	CacheFirst Strategy = "cache-first"
	// NetworkFirstAPI API 读请求优先回源，失败时返回最近一次成功的副本或离线 JSON。
	NetworkFirstAPI Strategy = "network-first-api"
	// NetworkFirstFallback 页面请求优先回源，失败时返回缓存副本或离线页。
	NetworkFirstFallback Strategy = "network-first-fallback"
	// PassThrough 直接转发写请求，离线时写入队列。
	PassThrough Strategy = "pass-through"
)

// Rules 保存 Classify 使用的路径前缀。
type Rules struct {
	APIPrefix      string
	StaticPrefixes []string
}

// RulesFromConfig 根据（已填充默认值的）App 配置构建 Rules。
func RulesFromConfig(app config.AppConfig) Rules {
	rules := Rules{
		APIPrefix:      app.APIPrefix,
		StaticPrefixes: app.StaticPrefixes,
	}
	if rules.APIPrefix == "" {
		rules.APIPrefix = "/api/"
	}
	if len(rules.StaticPrefixes) == 0 {
		rules.StaticPrefixes = config.DefaultStaticPrefixes
	}
	return rules
}

// Classify 为请求选择策略。只有 GET 会被缓存，HEAD 与其他方法一律透传。
func Classify(rules Rules, method, path string) Strategy {
	if method != http.MethodGet {
		return PassThrough
	}
	if rules.APIPrefix != "" && strings.HasPrefix(path, rules.APIPrefix) {
		return NetworkFirstAPI
	}
	for _, prefix := range rules.StaticPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return CacheFirst
		}
	}
	return NetworkFirstFallback
}

// Descriptor 供诊断接口描述一种策略。
type Descriptor struct {
	Strategy  Strategy `json:"strategy"`
	Reads     string   `json:"reads"`
	Stores    string   `json:"stores"`
	Offline   string   `json:"offline"`
	Matches   string   `json:"matches"`
	Queueable bool     `json:"queueable"`
}

// Describe 返回按 rules 展开的策略表。
func Describe(rules Rules) []Descriptor {
	return []Descriptor{
		{
			Strategy: CacheFirst,
			Reads:    "cache, then network",
			Stores:   "static",
			Offline:  "503 text/plain",
			Matches:  "GET " + strings.Join(rules.StaticPrefixes, ", "),
		},
		{
			Strategy: NetworkFirstAPI,
			Reads:    "network, then cache",
			Stores:   "dynamic",
			Offline:  "503 application/json",
			Matches:  "GET " + rules.APIPrefix,
		},
		{
			Strategy: NetworkFirstFallback,
			Reads:    "network, then cache",
			Stores:   "dynamic",
			Offline:  "offline page",
			Matches:  "other GET",
		},
		{
			Strategy:  PassThrough,
			Reads:     "network",
			Offline:   "queued, 503 application/json",
			Matches:   "non-GET",
			Queueable: true,
		},
	}
}

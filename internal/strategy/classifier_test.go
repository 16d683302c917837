package strategy

import (
	"net/http"
	"testing"

	"github.com/hireloop/offline-gateway/internal/config"
)

func TestClassify(t *testing.T) {
	rules := RulesFromConfig(config.AppConfig{})

	cases := []struct {
		method string
		path   string
		want   Strategy
	}{
		{http.MethodGet, "/api/candidate/validate-token", NetworkFirstAPI},
		{http.MethodGet, "/static/js/main.js", CacheFirst},
		{http.MethodGet, "/assets/logo.svg", CacheFirst},
		{http.MethodGet, "/icons/192.png", CacheFirst},
		{http.MethodGet, "/manifest.json", CacheFirst},
		{http.MethodGet, "/favicon.ico", CacheFirst},
		{http.MethodGet, "/", NetworkFirstFallback},
		{http.MethodGet, "/interview/42", NetworkFirstFallback},
		{http.MethodGet, "/apix", NetworkFirstFallback},
		{http.MethodPost, "/api/candidate/send-message", PassThrough},
		{http.MethodPost, "/static/upload", PassThrough},
		{http.MethodHead, "/static/js/main.js", PassThrough},
		{http.MethodDelete, "/api/session", PassThrough},
	}
	for _, tc := range cases {
		if got := Classify(rules, tc.method, tc.path); got != tc.want {
			t.Errorf("Classify(%s %s) = %s, want %s", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestClassifyCustomPrefixes(t *testing.T) {
	rules := RulesFromConfig(config.AppConfig{APIPrefix: "/chat-api/", StaticPrefixes: []string{"/bundle/"}})
	if got := Classify(rules, http.MethodGet, "/chat-api/messages"); got != NetworkFirstAPI {
		t.Fatalf("expected api strategy, got %s", got)
	}
	if got := Classify(rules, http.MethodGet, "/api/messages"); got != NetworkFirstFallback {
		t.Fatalf("default api prefix must not apply, got %s", got)
	}
	if got := Classify(rules, http.MethodGet, "/static/app.js"); got != NetworkFirstFallback {
		t.Fatalf("default static prefixes must not apply, got %s", got)
	}
	if got := Classify(rules, http.MethodGet, "/bundle/app.js"); got != CacheFirst {
		t.Fatalf("expected cache-first, got %s", got)
	}
}

func TestDescribeCoversEveryStrategy(t *testing.T) {
	seen := map[Strategy]bool{}
	for _, d := range Describe(RulesFromConfig(config.AppConfig{})) {
		seen[d.Strategy] = true
	}
	for _, s := range []Strategy{CacheFirst, NetworkFirstAPI, NetworkFirstFallback, PassThrough} {
		if !seen[s] {
			t.Fatalf("missing descriptor for %s", s)
		}
	}
}

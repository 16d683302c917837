package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/hireloop/offline-gateway/internal/config"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/server"
	"github.com/hireloop/offline-gateway/internal/strategy"
)

const appHost = "hiring.app.local"

// switchTransport fails every round trip while down is set, which looks like
// an unreachable origin to the executor.
type switchTransport struct {
	down atomic.Bool
	base http.RoundTripper
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return s.base.RoundTrip(req)
}

type originRecorder struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (o *originRecorder) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, r.Clone(context.Background()))
	o.bodies = append(o.bodies, string(body))
}

func (o *originRecorder) last() (*http.Request, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requests) == 0 {
		return nil, ""
	}
	return o.requests[len(o.requests)-1], o.bodies[len(o.bodies)-1]
}

type proxyFixture struct {
	app       *fiber.App
	route     *server.AppRoute
	transport *switchTransport
	origin    *originRecorder
}

func newProxyFixture(t *testing.T, mutate func(*config.AppConfig)) *proxyFixture {
	t.Helper()

	recorder := &originRecorder{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.record(r)
		switch {
		case r.URL.Path == "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<h1>custom offline</h1>"))
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusCreated)
			}
			_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("origin " + r.URL.Path))
		}
	}))
	t.Cleanup(origin.Close)

	app := config.AppConfig{
		Name:           "hiring",
		Domain:         appHost,
		Origin:         origin.URL,
		CacheVersion:   "v1",
		APIPrefix:      "/api/",
		StaticPrefixes: []string{"/assets/"},
	}
	if mutate != nil {
		mutate(&app)
	}
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, StoragePath: t.TempDir()},
		Apps:   []config.AppConfig{app},
	}

	transport := &switchTransport{base: http.DefaultTransport}
	client := server.NewUpstreamClient(cfg)
	client.Transport = transport

	registry, err := server.NewAppRegistry(cfg, server.RuntimeDeps{Client: client})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(registry.Close)
	route, _ := registry.Find("hiring")
	if err := route.Controller.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	logger := logging.Discard()
	fiberApp, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(logger), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &proxyFixture{app: fiberApp, route: route, transport: transport, origin: recorder}
}

func (f *proxyFixture) do(t *testing.T, method, path string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+appHost+path, body)
	req.Host = appHost
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestHandlerProxiesToOrigin(t *testing.T) {
	f := newProxyFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/interview/42?step=2", nil)
	if resp.StatusCode != http.StatusOK || body != "origin /interview/42" {
		t.Fatalf("unexpected response: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(strategy.HeaderSource); got != string(strategy.SourceNetwork) {
		t.Fatalf("expected network source, got %q", got)
	}
	if got := resp.Header.Get(strategy.HeaderStrategy); got != string(strategy.NetworkFirstFallback) {
		t.Fatalf("expected document strategy, got %q", got)
	}
	if resp.Header.Get(server.HeaderRequestID) == "" {
		t.Fatalf("expected request id header")
	}

	upstream, _ := f.origin.last()
	if upstream.URL.RawQuery != "step=2" {
		t.Fatalf("query not forwarded: %q", upstream.URL.RawQuery)
	}
	if upstream.Header.Get("X-Forwarded-Host") != appHost {
		t.Fatalf("expected X-Forwarded-Host %s, got %q", appHost, upstream.Header.Get("X-Forwarded-Host"))
	}
	if upstream.Header.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("expected X-Forwarded-Port 5000, got %q", upstream.Header.Get("X-Forwarded-Port"))
	}
}

func TestHandlerServesCachedCopiesWhileOffline(t *testing.T) {
	f := newProxyFixture(t, nil)

	if resp, _ := f.do(t, http.MethodGet, "/assets/app.js", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("warm static: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/questions", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("warm api: %d", resp.StatusCode)
	}

	f.transport.down.Store(true)

	resp, body := f.do(t, http.MethodGet, "/assets/app.js", nil)
	if resp.StatusCode != http.StatusOK || body != "origin /assets/app.js" {
		t.Fatalf("expected cached static asset, got %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(strategy.HeaderSource); got != string(strategy.SourceCache) {
		t.Fatalf("expected cache source, got %q", got)
	}

	resp, body = f.do(t, http.MethodGet, "/api/questions", nil)
	if resp.StatusCode != http.StatusOK || body != `{"path":"/api/questions"}` {
		t.Fatalf("expected cached api response, got %d %q", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/unseen", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, `"offline":true`) {
		t.Fatalf("expected offline json, got %d %q", resp.StatusCode, body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		t.Fatalf("expected json content type, got %q", resp.Header.Get("Content-Type"))
	}

	resp, body = f.do(t, http.MethodGet, "/assets/never.css", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body != "unavailable offline" {
		t.Fatalf("expected plain 503, got %d %q", resp.StatusCode, body)
	}

	if f.route.Monitor.Online() {
		t.Fatalf("transport failures should mark the origin offline")
	}
}

func TestHandlerServesOfflinePage(t *testing.T) {
	f := newProxyFixture(t, func(app *config.AppConfig) {
		app.OfflinePage = "/offline.html"
		app.PrecacheAssets = []string{"/offline.html"}
	})
	f.transport.down.Store(true)

	resp, body := f.do(t, http.MethodGet, "/interview/7", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body != "<h1>custom offline</h1>" {
		t.Fatalf("expected precached offline page, got %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(strategy.HeaderSource); got != string(strategy.SourceFallback) {
		t.Fatalf("expected fallback source, got %q", got)
	}
}

func TestHandlerQueuesMutationsWhileOffline(t *testing.T) {
	f := newProxyFixture(t, nil)
	f.transport.down.Store(true)

	resp, body := f.do(t, http.MethodPost, "/api/answers", bytes.NewBufferString(`{"answer":"42"}`))
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, `"queued":true`) {
		t.Fatalf("expected queued 503, got %d %q", resp.StatusCode, body)
	}
	if n := f.route.Controller.Queue().Len(); n != 1 {
		t.Fatalf("expected one queued request, got %d", n)
	}

	f.transport.down.Store(false)
	result, err := f.route.Controller.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Replayed != 1 || result.Remaining != 0 {
		t.Fatalf("unexpected drain result: %+v", result)
	}
	upstream, replayedBody := f.origin.last()
	if upstream.Method != http.MethodPost || upstream.URL.Path != "/api/answers" || replayedBody != `{"answer":"42"}` {
		t.Fatalf("unexpected replay: %s %s %q", upstream.Method, upstream.URL.Path, replayedBody)
	}
}

func TestHandlerHeadHasNoBody(t *testing.T) {
	f := newProxyFixture(t, nil)

	resp, body := f.do(t, http.MethodHead, "/interview/1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "" {
		t.Fatalf("expected empty body for HEAD, got %q", body)
	}
	if got := resp.Header.Get(strategy.HeaderStrategy); got != string(strategy.PassThrough) {
		t.Fatalf("HEAD is not a GET and should pass through, got %q", got)
	}
}

func TestNormalizeRequestPath(t *testing.T) {
	cases := map[string]string{
		"":                 "/",
		"/":                "/",
		"/a/../b":          "/b",
		"/docs/":           "/docs/",
		"//assets//app.js": "/assets/app.js",
	}
	for in, want := range cases {
		if got := normalizeRequestPath(in); got != want {
			t.Fatalf("normalizeRequestPath(%q) = %q, want %q", in, got, want)
		}
	}
}

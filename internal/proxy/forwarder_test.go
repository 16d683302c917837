package proxy

import (
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/hireloop/offline-gateway/internal/server"
	"github.com/hireloop/offline-gateway/internal/strategy"
)

const requestIDKey = "_gateway_request_id"

func TestForwarderMissingRuntime(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	called := false
	forwarder := NewForwarder(server.ProxyHandlerFunc(func(fiber.Ctx, *server.AppRoute) error {
		called = true
		return nil
	}), logger)

	if err := forwarder.Handle(ctx, &server.AppRoute{}); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if called {
		t.Fatalf("handler must not run without an app runtime")
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 for missing runtime, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "app_runtime_missing") {
		t.Fatalf("expected error body to mention app_runtime_missing, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	forwarder := NewForwarder(nil, nil)
	if err := forwarder.Handle(ctx, testRoute(t)); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "proxy_handler_missing") {
		t.Fatalf("expected proxy_handler_missing, got %s", body)
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(server.ProxyHandlerFunc(func(fiber.Ctx, *server.AppRoute) error {
		panic("boom")
	}), logger)

	if err := forwarder.Handle(ctx, testRoute(t)); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "proxy_handler_panic") {
		t.Fatalf("expected error body to mention proxy_handler_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "panic: boom") {
		t.Fatalf("expected log to mention the panic, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
}

func testRoute(t *testing.T) *server.AppRoute {
	t.Helper()
	origin, _ := url.Parse("http://origin.local")
	return &server.AppRoute{
		OriginURL: origin,
		Executor:  &strategy.Executor{},
	}
}

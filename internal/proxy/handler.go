package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/cache"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/server"
)

// Handler 把 Fiber 请求转换为指向源站的 http.Request，交给 App 的策略执行器处理，
// 再把执行结果（源站响应、缓存副本或离线兜底）写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler 构造代理 handler，logger 为空时丢弃日志。
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger}
}

// Handle 执行策略并流式写回响应；执行器保证总会返回一个响应。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	requestID := server.RequestID(c)

	upstreamURL := resolveUpstreamURL(route.OriginURL, c)
	req, err := buildUpstreamRequest(ctx, c, route, upstreamURL)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "proxy",
			"app":        route.Config().Name,
			"request_id": requestID,
		}).Error("build_request_failed")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	result := route.Executor.Execute(ctx, req)
	resp := result.Response
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return nil
	}

	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		h.logger.WithError(err).WithFields(logging.RequestFields(
			route.Config().Name,
			route.Config().Domain,
			string(result.Strategy),
			string(result.Source),
			false,
		)).WithField("request_id", requestID).Error("proxy_stream_failed")
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func buildUpstreamRequest(ctx context.Context, c fiber.Ctx, route *server.AppRoute, upstream *url.URL) (*http.Request, error) {
	var body io.Reader = http.NoBody
	// Fiber 会复用请求缓冲区，重放队列需要独立副本
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

// normalizeRequestPath 清理路径但保留末尾斜杠，源站通常把它视为不同资源。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if cache.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}

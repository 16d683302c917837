package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/server"
)

// Forwarder 包裹实际的 ProxyHandler：App 运行时缺失时直接返回 503，
// handler panic 时转换为结构化的 500 响应并记录日志。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求都会得到 proxy_handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.AppRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondError(c, route, fiber.StatusInternalServerError, "proxy_handler_missing", nil, requestID)
	}
	if route == nil || route.Executor == nil || route.OriginURL == nil {
		return f.respondError(c, route, fiber.StatusServiceUnavailable, "app_runtime_missing", nil, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.AppRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondError(c, route, fiber.StatusInternalServerError, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondError(c fiber.Ctx, route *server.AppRoute, status int, code string, err error, requestID string) error {
	f.logError(route, code, err, requestID)
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (f *Forwarder) logError(route *server.AppRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
		"app":    "",
		"domain": "",
	}
	if route != nil {
		cfg := route.Config()
		fields["app"] = cfg.Name
		fields["domain"] = cfg.Domain
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy_unavailable")
}

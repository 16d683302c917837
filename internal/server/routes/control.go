// Package routes registers the gateway's own endpoints under /-/: the view
// messaging channel, offline queue administration, diagnostics, metrics and
// interview sessions.
package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/events"
	"github.com/hireloop/offline-gateway/internal/lifecycle"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/queue"
	"github.com/hireloop/offline-gateway/internal/server"
	"github.com/hireloop/offline-gateway/internal/strategy"
)

const (
	viewBuffer        = 32
	heartbeatInterval = 25 * time.Second
)

// RegisterControlRoutes 暴露 /-/sw/* 控制接口，按 Host 解析出的 App 作用域执行。
// ctx 结束时所有打开的事件流随之关闭，避免阻塞优雅退出。
func RegisterControlRoutes(ctx context.Context, app *fiber.App, registry *server.AppRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	sw := app.Group("/-/sw")
	sw.Post("/message", withRoute(func(c fiber.Ctx, route *server.AppRoute) error {
		return handleMessage(c, route, logger)
	}))
	sw.Get("/events", withRoute(func(c fiber.Ctx, route *server.AppRoute) error {
		return handleEvents(ctx, c, route)
	}))
	sw.Get("/status", withRoute(handleStatus))
	sw.Get("/queue", withRoute(handleQueueList))
	sw.Post("/queue/drain", withRoute(handleQueueDrain))
	sw.Delete("/queue/:id", withRoute(handleQueueDiscard))

	app.Get("/-/apps", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"apps": encodeApps(registry.List())})
	})
}

func withRoute(h func(fiber.Ctx, *server.AppRoute) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		route, ok := server.RouteFromContext(c)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
		}
		return h(c, route)
	}
}

func handleMessage(c fiber.Ctx, route *server.AppRoute, logger *logrus.Logger) error {
	var msg events.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
	}

	reply, err := route.Controller.HandleMessage(c.Context(), msg)
	switch {
	case errors.Is(err, lifecycle.ErrUnknownMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown_message_type",
			"type":  msg.Type,
		})
	case err != nil:
		logger.WithError(err).
			WithFields(logging.AppFields("message", route.Config().Name, "")).
			WithField("type", msg.Type).
			WithField("request_id", server.RequestID(c)).
			Error("message_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(reply)
	}
	return c.JSON(reply)
}

// handleEvents streams controller broadcasts to one view as server-sent
// events. The subscription lives as long as the connection, so open views are
// counted by the lifecycle controller when deciding whether an update waits.
func handleEvents(ctx context.Context, c fiber.Ctx, route *server.AppRoute) error {
	sub := route.Bus.Subscribe(events.ChannelClients, viewBuffer)
	version := route.Controller.ActiveNamespaces().Version
	online := route.Monitor.Online()

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		hello := []events.Message{events.VersionReply(version), events.NetworkStatus(online)}
		for _, msg := range hello {
			if err := writeEvent(w, msg); err != nil {
				return
			}
		}
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		_ = streamEvents(ctx, w, sub.C(), ticker.C)
	})
}

// streamEvents copies messages to w until the source closes, ctx ends or a
// write fails (the view went away).
func streamEvents(ctx context.Context, w *bufio.Writer, source <-chan events.Message, heartbeat <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-source:
			if !ok {
				return nil
			}
			if err := writeEvent(w, msg); err != nil {
				return err
			}
		case <-heartbeat:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w *bufio.Writer, msg events.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if msg.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", msg.Type); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

type statusPayload struct {
	lifecycle.Status
	Domain     string                `json:"domain"`
	Origin     string                `json:"origin"`
	Strategies []strategy.Descriptor `json:"strategies"`
}

func handleStatus(c fiber.Ctx, route *server.AppRoute) error {
	cfg := route.Config()
	return c.JSON(statusPayload{
		Status:     route.Controller.Status(),
		Domain:     cfg.Domain,
		Origin:     route.OriginURL.String(),
		Strategies: strategy.Describe(route.Executor.Rules()),
	})
}

type queuedPayload struct {
	ID         uint64            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	BodyBytes  int               `json:"body_bytes"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
}

func handleQueueList(c fiber.Ctx, route *server.AppRoute) error {
	q := route.Controller.Queue()
	if q == nil {
		return c.JSON(fiber.Map{"length": 0, "entries": []queuedPayload{}})
	}
	entries, err := q.List(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "queue_unavailable"})
	}
	payload := make([]queuedPayload, 0, len(entries))
	for _, req := range entries {
		payload = append(payload, queuedPayload{
			ID:         req.ID,
			Method:     req.Method,
			URL:        req.URL,
			Headers:    redactHeaders(req.Headers),
			BodyBytes:  len(req.Body),
			EnqueuedAt: req.EnqueuedAt,
			Attempts:   req.Attempts,
			LastError:  req.LastError,
		})
	}
	return c.JSON(fiber.Map{
		"length":   q.Len(),
		"bytes":    q.Bytes(),
		"draining": q.Draining(),
		"entries":  payload,
	})
}

// sensitiveHeaders 在队列列表中只显示占位符，原值保留在记录里供重放使用。
var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"X-Api-Key":           {},
	"X-Auth-Token":        {},
	"X-Csrf-Token":        {},
	"X-Xsrf-Token":        {},
}

const redacted = "[redacted]"

func redactHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		if _, ok := sensitiveHeaders[http.CanonicalHeaderKey(key)]; ok {
			value = redacted
		}
		out[key] = value
	}
	return out
}

func handleQueueDrain(c fiber.Ctx, route *server.AppRoute) error {
	result, err := route.Controller.Drain(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "drain_failed",
			"result": result,
		})
	}
	if result.Skipped {
		return c.Status(fiber.StatusConflict).JSON(result)
	}
	return c.JSON(result)
}

func handleQueueDiscard(c fiber.Ctx, route *server.AppRoute) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
	}
	if err := route.Controller.Discard(c.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "queue_unavailable"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type appPayload struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Origin      string `json:"origin"`
	Port        int    `json:"port"`
	Version     string `json:"version"`
	Waiting     string `json:"waiting_version,omitempty"`
	Online      bool   `json:"online"`
	QueueLength int    `json:"queue_length"`
	Views       int    `json:"views"`
}

func encodeApps(routes []*server.AppRoute) []appPayload {
	result := make([]appPayload, 0, len(routes))
	for _, route := range routes {
		cfg := route.Config()
		status := route.Controller.Status()
		result = append(result, appPayload{
			Name:        cfg.Name,
			Domain:      cfg.Domain,
			Origin:      route.OriginURL.String(),
			Port:        route.ListenPort,
			Version:     status.Version,
			Waiting:     status.WaitingVersion,
			Online:      status.Online,
			QueueLength: status.QueueLength,
			Views:       status.Views,
		})
	}
	return result
}

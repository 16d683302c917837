package routes

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/hireloop/offline-gateway/internal/server"
	"github.com/hireloop/offline-gateway/internal/session"
)

// RegisterSessionRoutes 暴露面试会话接口，会话按 App 隔离。
func RegisterSessionRoutes(app *fiber.App) {
	if app == nil {
		return
	}

	g := app.Group("/-/sessions")
	g.Post("/", withRoute(createSession))
	g.Get("/:id", withRoute(getSession))
	g.Post("/:id/spoken", withRoute(markSpoken))
	g.Post("/:id/transcript", withRoute(appendTurn))
	g.Delete("/:id", withRoute(endSession))
}

func createSession(c fiber.Ctx, route *server.AppRoute) error {
	var cfg session.Config
	if err := json.Unmarshal(c.Body(), &cfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	s, err := route.Sessions.Create(route.Config().Name, cfg)
	if err != nil {
		return sessionError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(s.Snapshot())
}

func getSession(c fiber.Ctx, route *server.AppRoute) error {
	s, err := route.Sessions.Get(route.Config().Name, c.Params("id"))
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(s.Snapshot())
}

func markSpoken(c fiber.Ctx, route *server.AppRoute) error {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	s, err := route.Sessions.Get(route.Config().Name, c.Params("id"))
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(fiber.Map{"speak": s.MarkSpoken(body.Text)})
}

func appendTurn(c fiber.Ctx, route *server.AppRoute) error {
	var turn session.Turn
	if err := json.Unmarshal(c.Body(), &turn); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	s, err := route.Sessions.Get(route.Config().Name, c.Params("id"))
	if err != nil {
		return sessionError(c, err)
	}
	n, err := s.Append(turn)
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(fiber.Map{"turns": n})
}

func endSession(c fiber.Ctx, route *server.AppRoute) error {
	snap, err := route.Sessions.End(route.Config().Name, c.Params("id"))
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(snap)
}

func sessionError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session_not_found"})
	case errors.Is(err, session.ErrInvalidConfig):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_session", "detail": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session_failed"})
	}
}

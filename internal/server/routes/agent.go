package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/barbell-app/barbell-agent/internal/agent"
	"github.com/barbell-app/barbell-agent/internal/logging"
	"github.com/barbell-app/barbell-agent/internal/version"
)

// AgentHost 是诊断接口依赖的 Host 能力子集。
type AgentHost interface {
	Status(ctx context.Context) (agent.Status, error)
	Reinstall(ctx context.Context) error
}

// RegisterAgentRoutes 暴露 /-/ 诊断接口：worker 状态、手动重装、Prometheus 指标与健康检查。
func RegisterAgentRoutes(app *fiber.App, host AgentHost, metricsHandler http.Handler, logger *logrus.Logger) {
	if app == nil || host == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": version.Full()})
	})

	app.Get("/-/agent", func(c fiber.Ctx) error {
		st, err := host.Status(c.Context())
		if err != nil {
			logger.WithField("action", "agent_status").WithError(err).Warn("agent_status_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(st)
	})

	app.Post("/-/agent/reinstall", func(c fiber.Ctx) error {
		started := time.Now()
		err := host.Reinstall(c.Context())
		fields := logrus.Fields{
			"action":     "agent_reinstall",
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		switch {
		case errors.Is(err, agent.ErrNotRegistered):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "agent_not_registered"})
		case err != nil:
			logger.WithFields(fields).WithError(err).Error("agent_reinstall_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "reinstall_failed", "detail": err.Error()})
		}
		logger.WithFields(fields).Info("agent_reinstalled")
		st, err := host.Status(c.Context())
		if err != nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(st)
	})

	if metricsHandler != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(metricsHandler))
	}
}

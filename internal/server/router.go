package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ClientCookieName 是标识页面实例的 cookie 名称。
const ClientCookieName = "barbell_client"

// ProxyHandler describes the component responsible for handing intercepted
// requests to the agent. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Route) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Route) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Route      *Route
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRequestID = "_barbell_request_id"
	contextKeyClientID  = "_barbell_client_id"
	contextKeyClientNew = "_barbell_client_new"
)

// NewApp builds a Fiber application that hands every non-diagnostics request
// to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Route == nil {
		return nil, errors.New("agent route is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c, opts.Route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并为页面分配/识别 barbell_client cookie。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		clientID := strings.TrimSpace(c.Cookies(ClientCookieName))
		if _, err := uuid.Parse(clientID); err != nil {
			clientID = uuid.NewString()
			c.Locals(contextKeyClientNew, true)
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookieName,
				Value:    clientID,
				Path:     opts.Route.CookiePath(),
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
			opts.Logger.WithFields(logrus.Fields{
				"action":     "client_assigned",
				"client_id":  clientID,
				"request_id": reqID,
			}).Debug("client cookie assigned")
		}
		c.Locals(contextKeyClientID, clientID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the page instance identifier resolved by the router middleware.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// ClientAssigned 表示客户端 ID 是本次请求中刚刚分配的（请求未携带有效 cookie）。
func ClientAssigned(c fiber.Ctx) bool {
	assigned, _ := c.Locals(contextKeyClientNew).(bool)
	return assigned
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

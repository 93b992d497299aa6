package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
)

// ProxyHandler serves requests for a mapped site. Tests inject fakes here.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions wires the Fiber application to the site registry and proxy.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_shellcache_route"
	contextKeyRequestID = "_shellcache_request_id"

	// HeaderSite names the site that served a proxied request.
	HeaderSite = "X-Shellcache-Site"

	diagnosticsPrefix = "/-/"
)

// NewApp builds the Fiber application: request id, Host routing, JSON errors.
// Paths under /-/ skip Host routing so diagnostics work on any host name.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  jsonErrorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}
		route, ok := routeFromContext(c)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware assigns a request id and resolves the SiteRoute
// from Host / Host:port.
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(hostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		c.Set(HeaderSite, route.Config.Name)
		return c.Next()
	}
}

// jsonErrorHandler renders errors returned by handlers as {"error": code}.
func jsonErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
			code = errorCode(status)
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http_error",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).WithError(err).Error("request_failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusBadGateway:
		return "upstream_failed"
	default:
		if status >= fiber.StatusInternalServerError {
			return "internal_error"
		}
		return "request_failed"
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logging.RequestFields("", host, c.Path(), "", "", "")
	fields["action"] = "host_lookup"
	fields["port"] = port
	logger.WithFields(fields).Warn("host_unmapped")

	if host != "" {
		c.Set("X-Shellcache-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func routeFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	route, ok := c.Locals(contextKeyRoute).(*SiteRoute)
	return route, ok && route != nil
}

// RequestID returns the request id assigned by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, diagnosticsPrefix)
}

package proxy

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// SiteHandler 使用站点的 Registration 处理一次请求。
type SiteHandler interface {
	Serve(c fiber.Ctx, route *server.SiteRoute, reg *worker.Registration) error
}

// SiteHandlerFunc adapts a function to the SiteHandler interface.
type SiteHandlerFunc func(fiber.Ctx, *server.SiteRoute, *worker.Registration) error

// Serve makes SiteHandlerFunc satisfy SiteHandler.
func (f SiteHandlerFunc) Serve(c fiber.Ctx, route *server.SiteRoute, reg *worker.Registration) error {
	return f(c, route, reg)
}

// Forwarder 根据 SiteRoute 找到站点的 Registration 并交给 handler，负责 panic 兜底。
type Forwarder struct {
	handler SiteHandler
	logger  *logrus.Logger

	mu            sync.RWMutex
	registrations map[string]*worker.Registration
	sites         map[string]config.SiteConfig
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求返回 500。
func NewForwarder(handler SiteHandler, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Forwarder{
		handler:       handler,
		logger:        logger,
		registrations: make(map[string]*worker.Registration),
	}
}

// Attach 绑定站点的 Registration，重复绑定会覆盖旧值。
func (f *Forwarder) Attach(site string, reg *worker.Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations[site] = reg
}

// Registration 返回站点的 Registration，实现 routes.Controller。
func (f *Forwarder) Registration(site string) (*worker.Registration, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reg, ok := f.registrations[site]
	return reg, ok
}

// Sites 返回已绑定的站点名（排序后）。
func (f *Forwarder) Sites() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.registrations))
	for name := range f.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	var reg *worker.Registration
	if route != nil {
		reg, _ = f.Registration(route.Config.Name)
	}
	if reg == nil || f.handler == nil {
		return f.respondMissingController(c, route, requestID)
	}
	return f.invokeHandler(c, route, reg, requestID)
}

func (f *Forwarder) respondMissingController(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logSiteError(route, "site_controller_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "site_controller_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.SiteRoute, reg *worker.Registration, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Serve(c, route, reg)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logSiteError(route, "site_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "site_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logSiteError(route *server.SiteRoute, code string, err error, requestID string) {
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("site controller unavailable")
}

func routeFields(route *server.SiteRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", "", "", "")
	} else {
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, "", "", "", route.Config.Version)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

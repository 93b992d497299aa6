package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// 响应上附加的诊断头。
const (
	HeaderSource   = "X-Shellcache-Source"
	HeaderStrategy = "X-Shellcache-Strategy"
	HeaderVersion  = "X-Shellcache-Version"
)

// Handler 把 Fiber 请求转换为 worker.Request，交给站点 Registration 拦截并回写结果。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler 构造 Handler。
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Handler{logger: logger}
}

// Serve 实现 SiteHandler。
func (h *Handler) Serve(c fiber.Ctx, route *server.SiteRoute, reg *worker.Registration) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildRequest(c, route)
	if err != nil {
		h.logResult(route, nil, nil, requestID, fiber.StatusBadRequest, started, err)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	result, err := reg.Intercept(c.Context(), req)
	if err != nil {
		h.logResult(route, req, nil, requestID, fiber.StatusBadGateway, started, err)
		setRequestIDHeader(c, requestID)
		code := "upstream_failed"
		if !errors.Is(err, worker.ErrPassthroughFailed) {
			code = "intercept_failed"
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": code})
	}

	writeResult(c, result, requestID)
	h.logResult(route, req, result, requestID, result.Response.Status, started, nil)
	return nil
}

// buildRequest 还原请求目标。绝对形式的请求行指向 Host 头以外的主机时保留原目标，
// 由 worker 判定为跨源并直通；其余请求把路径拼接到站点 origin 上。
func buildRequest(c fiber.Ctx, route *server.SiteRoute) (*worker.Request, error) {
	if route == nil || route.Origin == nil {
		return nil, errors.New("site origin missing")
	}
	uri := c.Request().URI()
	relative, err := url.ParseRequestURI(string(uri.RequestURI()))
	if err != nil {
		return nil, err
	}
	target := &url.URL{
		Scheme:   route.Origin.Scheme,
		Host:     route.Origin.Host,
		Path:     relative.Path,
		RawPath:  relative.RawPath,
		RawQuery: relative.RawQuery,
	}
	if host := string(uri.Host()); host != "" && !strings.EqualFold(host, string(c.Request().Header.Host())) {
		target.Scheme = string(uri.Scheme())
		target.Host = host
	}

	req := &worker.Request{
		Method: c.Method(),
		URL:    target,
		Header: requestHeaders(c),
	}
	if body := c.Request().Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

func requestHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if strings.EqualFold(name, fiber.HeaderHost) || server.IsHopByHopHeader(name) {
			return
		}
		header.Add(name, string(value))
	})
	return header
}

func writeResult(c fiber.Ctx, result *worker.Result, requestID string) {
	resp := result.Response
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(HeaderSource, string(result.Source))
	if result.Strategy != "" {
		c.Set(HeaderStrategy, string(result.Strategy))
	}
	if result.Version != "" {
		c.Set(HeaderVersion, result.Version)
	}
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBody(resp.Body)
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	req *worker.Request,
	result *worker.Result,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	var site, host, path, strategy, source, version string
	if route != nil {
		site, host = route.Config.Name, route.Config.Domain
	}
	if req != nil && req.URL != nil {
		path = req.URL.Path
	}
	if result != nil {
		strategy, source, version = string(result.Strategy), string(result.Source), result.Version
	}
	fields := logging.RequestFields(site, host, path, strategy, source, version)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

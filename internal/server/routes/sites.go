package routes

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/rules"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// Controller 暴露各站点的 Registration，由 proxy.Forwarder 实现。
type Controller interface {
	Registration(site string) (*worker.Registration, bool)
}

// RegisterSiteRoutes 暴露 /-/sites 与 /-/rules 诊断接口，以及站点控制通道。
// 控制通道由 controlToken 保护，未配置令牌时只接受回环地址的请求。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, controller Controller, logger *logrus.Logger, controlToken string) {
	if app == nil || registry == nil || controller == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		routes := registry.List()
		sort.Slice(routes, func(i, j int) bool {
			return routes[i].Config.Name < routes[j].Config.Name
		})
		payload := make([]sitePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeSite(c, route, controller))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		return c.JSON(encodeSite(c, *route, controller))
	})

	app.Post("/-/sites/:name/message", controlGuard(controlToken, logger), func(c fiber.Ctx) error {
		name := c.Params("name")
		reg, ok := controller.Registration(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}

		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}

		reply, err := reg.HandleMessage(c.Context(), msg)
		fields := logrus.Fields{
			"action":     "control_message",
			"site":       name,
			"type":       string(msg.Type),
			"applied":    reply.Applied,
			"request_id": server.RequestID(c),
		}
		switch {
		case errors.Is(err, worker.ErrUnknownMessage):
			logger.WithFields(fields).Warn("control_message_rejected")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
		case err != nil:
			logger.WithFields(fields).WithError(err).Error("control_message_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "control_message_failed"})
		}
		logger.WithFields(fields).Info("control_message_handled")
		return c.JSON(reply)
	})

	app.Get("/-/rules/:name", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		classifier := route.Classifier
		version := route.Config.Version
		if reg, ok := controller.Registration(route.Config.Name); ok {
			if active := reg.Active(); active != nil {
				classifier = active.Config().Classifier
				version = active.Version()
			}
		}
		described := encodeRules(classifier)
		if raw := c.Query("strategy"); raw != "" {
			strategy, ok := rules.ParseStrategy(raw)
			if !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_strategy"})
			}
			described = filterRules(described, strategy)
		}
		payload := fiber.Map{
			"site":    route.Config.Name,
			"version": version,
			"rules":   described,
			"default": rules.StrategyStaleWhileRevalidate,
		}
		// ?url= 返回该 URL 会被分派到的策略
		if raw := c.Query("url"); raw != "" && classifier != nil {
			strategy, err := classifier.ClassifyURL(raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url"})
			}
			payload["match"] = fiber.Map{"url": raw, "strategy": strategy}
		}
		return c.JSON(payload)
	})
}

func controlGuard(token string, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if token != "" {
			presented, _ := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) == 1 {
				return c.Next()
			}
		} else if ip := c.RequestCtx().RemoteIP(); ip != nil && ip.IsLoopback() {
			return c.Next()
		}
		logger.WithFields(logrus.Fields{
			"action":     "control_message",
			"site":       c.Params("name"),
			"remote_ip":  c.RequestCtx().RemoteIP().String(),
			"request_id": server.RequestID(c),
		}).Warn("control_message_forbidden")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "control_forbidden"})
	}
}

type sitePayload struct {
	Name   string         `json:"name"`
	Domain string         `json:"domain"`
	Origin string         `json:"origin"`
	Port   int            `json:"port"`
	Status *worker.Status `json:"status,omitempty"`
}

type rulePayload struct {
	Name     string         `json:"name"`
	Strategy rules.Strategy `json:"strategy"`
	Pattern  string         `json:"pattern"`
}

func encodeSite(c fiber.Ctx, route server.SiteRoute, controller Controller) sitePayload {
	payload := sitePayload{
		Name:   route.Config.Name,
		Domain: route.Config.Domain,
		Port:   route.ListenPort,
	}
	if route.Origin != nil {
		payload.Origin = route.Origin.String()
	}
	if reg, ok := controller.Registration(route.Config.Name); ok {
		status := reg.Status(c.Context())
		payload.Status = &status
	}
	return payload
}

func filterRules(described []rulePayload, strategy rules.Strategy) []rulePayload {
	out := make([]rulePayload, 0, len(described))
	for _, rule := range described {
		if rule.Strategy == strategy {
			out = append(out, rule)
		}
	}
	return out
}

func encodeRules(classifier *rules.Classifier) []rulePayload {
	if classifier == nil {
		return nil
	}
	described := classifier.Describe()
	result := make([]rulePayload, 0, len(described))
	for _, rule := range described {
		pattern := ""
		if rule.Pattern != nil {
			pattern = rule.Pattern.String()
		}
		result = append(result, rulePayload{
			Name:     rule.Name,
			Strategy: rule.Strategy,
			Pattern:  strings.TrimSpace(pattern),
		})
	}
	return result
}

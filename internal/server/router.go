package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContentHandler serves the content API for a resolved Route. It allows
// injecting fake handlers during tests.
type ContentHandler interface {
	// Content handles GET/HEAD/PUT/DELETE on a path below the route.
	Content(c fiber.Ctx, route *Route, path string) error
	// Publish uploads the request body to the route's remote repository.
	Publish(c fiber.Ctx, route *Route, path string) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger   *logrus.Logger
	Registry *Registry
	Content  ContentHandler
	// BodyLimit caps PUT/POST payloads in bytes; zero keeps the Fiber default.
	BodyLimit int
}

const (
	contextKeyRoute     = "_galley_route"
	contextKeyRequestID = "_galley_request_id"

	contentPrefix = "/api/content/"
	publishPrefix = "/api/publish/"
)

// NewApp builds a Fiber application with request-ID middleware, name based
// route resolution and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("location registry is required")
	}
	if opts.Content == nil {
		return nil, errors.New("content handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	content := func(c fiber.Ctx) error {
		route, _ := getRouteFromContext(c)
		return opts.Content.Content(c, route, c.Params("*"))
	}
	app.Get(contentPrefix+":name/*", content)
	app.Head(contentPrefix+":name/*", content)
	app.Put(contentPrefix+":name/*", content)
	app.Delete(contentPrefix+":name/*", content)
	app.Post(publishPrefix+":name/*", func(c fiber.Ctx) error {
		route, _ := getRouteFromContext(c)
		return opts.Content.Publish(c, route, c.Params("*"))
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 URL 中的名称查找 Route。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		name, ok := routeName(string(c.Request().URI().Path()))
		if !ok {
			return c.Next()
		}

		route, found := opts.Registry.Lookup(name)
		if !found {
			return renderNameUnmapped(c, opts.Logger, name)
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

// routeName 从内容/发布 URL 中取出 `:name` 段；诊断等其他路径返回 false。
func routeName(path string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(path, contentPrefix):
		rest = path[len(contentPrefix):]
	case strings.HasPrefix(path, publishPrefix):
		rest = path[len(publishPrefix):]
	default:
		return "", false
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest, rest != ""
}

func renderNameUnmapped(c fiber.Ctx, logger *logrus.Logger, name string) error {
	fields := logrus.Fields{
		"action": "location_lookup",
		"name":   name,
	}
	logger.WithFields(fields).Warn("location unmapped")

	c.Set("X-Galley-Location", name)

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "location_unmapped",
	})
}

func getRouteFromContext(c fiber.Ctx) (*Route, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*Route); ok {
			return route, true
		}
	}
	return nil, false
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

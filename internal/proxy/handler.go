package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/logging"
	"github.com/any-hub/galley/internal/resource"
	"github.com/any-hub/galley/internal/server"
	"github.com/any-hub/galley/internal/transfer"
)

// Handler 把内容 API 翻译为 TransferManager 调用，并输出结构化访问日志。
type Handler struct {
	manager *transfer.Manager
	logger  *logrus.Logger
}

var _ server.ContentHandler = (*Handler)(nil)

// NewHandler constructs a content handler over a transfer manager.
func NewHandler(manager *transfer.Manager, logger *logrus.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger,
	}
}

// Content 根据请求方法分派到检索、存储或删除。
func (h *Handler) Content(c fiber.Ctx, route *server.Route, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, route, r)
		}
	}()

	switch c.Method() {
	case http.MethodGet, http.MethodHead:
		return h.retrieve(c, route, path)
	case http.MethodPut:
		return h.store(c, route, path)
	case http.MethodDelete:
		return h.delete(c, route, path)
	default:
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (h *Handler) retrieve(c fiber.Ctx, route *server.Route, path string) error {
	started := time.Now()
	ctx := requestContext(c)
	target := route.Resource(path)
	cacheHit := h.cached(target)

	var (
		tr  *cache.Transfer
		err error
	)
	switch res := target.(type) {
	case resource.VirtualResource:
		tr, err = h.manager.RetrieveFirst(ctx, res)
	case resource.ConcreteResource:
		tr, err = h.manager.Retrieve(ctx, res)
	}
	if err != nil {
		status, code := statusFor(err)
		h.logResult(c, route, target.Path(), status, cacheHit, started, err)
		return h.writeError(c, status, code)
	}
	if tr == nil {
		h.logResult(c, route, target.Path(), fiber.StatusNotFound, cacheHit, started, nil)
		return h.writeError(c, fiber.StatusNotFound, "not_found")
	}

	c.Set("X-Galley-Location", tr.Location().Name())
	c.Set("X-Galley-Cache-Hit", fmt.Sprintf("%t", cacheHit))

	if tr.IsDirectory() {
		return h.serveListing(c, route, target, cacheHit, started)
	}
	return h.serveFile(c, route, tr, cacheHit, started)
}

func (h *Handler) serveListing(c fiber.Ctx, route *server.Route, target resource.Resource, cacheHit bool, started time.Time) error {
	entries, err := h.manager.List(requestContext(c), target)
	if err != nil {
		status, code := statusFor(err)
		h.logResult(c, route, target.Path(), status, cacheHit, started, err)
		return h.writeError(c, status, code)
	}
	if entries == nil {
		entries = []string{}
	}
	h.logResult(c, route, target.Path(), fiber.StatusOK, cacheHit, started, nil)
	if c.Method() == http.MethodHead {
		return c.SendStatus(fiber.StatusOK)
	}
	return c.JSON(fiber.Map{
		"path":    target.Path(),
		"entries": entries,
	})
}

func (h *Handler) serveFile(c fiber.Ctx, route *server.Route, tr *cache.Transfer, cacheHit bool, started time.Time) error {
	if length := tr.Length(); length >= 0 {
		c.Response().Header.SetContentLength(int(length))
	}
	if modified := tr.LastModified(); !modified.IsZero() {
		c.Set(fiber.HeaderLastModified, modified.UTC().Format(http.TimeFormat))
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		h.logResult(c, route, tr.Path(), fiber.StatusOK, cacheHit, started, nil)
		return nil
	}

	reader, err := tr.OpenInputStream(requestContext(c), true)
	if err != nil {
		status, code := statusFor(err)
		if cache.IsNotFound(err) {
			status, code = fiber.StatusNotFound, "not_found"
		}
		h.logResult(c, route, tr.Path(), status, cacheHit, started, err)
		c.Response().Header.Del(fiber.HeaderContentLength)
		return h.writeError(c, status, code)
	}
	_, err = io.Copy(c.Response().BodyWriter(), reader)
	if closeErr := reader.Close(); err == nil {
		err = closeErr
	}
	h.logResult(c, route, tr.Path(), fiber.StatusOK, cacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) store(c fiber.Ctx, route *server.Route, path string) error {
	started := time.Now()
	target := route.Resource(path)
	tr, err := h.manager.Store(requestContext(c), target, bytes.NewReader(c.Body()))
	if err != nil {
		status, code := statusFor(err)
		h.logResult(c, route, target.Path(), status, false, started, err)
		return h.writeError(c, status, code)
	}
	h.logResult(c, route, tr.Path(), fiber.StatusCreated, false, started, nil)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"location": tr.Location().Name(),
		"path":     tr.Path(),
	})
}

func (h *Handler) delete(c fiber.Ctx, route *server.Route, path string) error {
	started := time.Now()
	ctx := requestContext(c)
	target := route.Resource(path)

	var (
		deleted bool
		err     error
	)
	switch res := target.(type) {
	case resource.VirtualResource:
		deleted, err = h.manager.DeleteAll(ctx, res)
	case resource.ConcreteResource:
		deleted, err = h.manager.Delete(ctx, res)
	}
	if err != nil {
		status, code := statusFor(err)
		h.logResult(c, route, target.Path(), status, false, started, err)
		return h.writeError(c, status, code)
	}
	if !deleted {
		h.logResult(c, route, target.Path(), fiber.StatusNotFound, false, started, nil)
		return h.writeError(c, fiber.StatusNotFound, "not_found")
	}
	h.logResult(c, route, target.Path(), fiber.StatusNoContent, false, started, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

// Publish 把请求体上传到远端；分组选择第一个允许发布的成员。
func (h *Handler) Publish(c fiber.Ctx, route *server.Route, path string) error {
	started := time.Now()
	target, ok := publishTarget(route, path)
	if !ok {
		h.logResult(c, route, path, fiber.StatusConflict, false, started, nil)
		return h.writeError(c, fiber.StatusConflict, "no_eligible_location")
	}

	body := detachedBody(c)
	accepted, err := h.manager.Publish(requestContext(c), target, bytes.NewReader(body), int64(len(body)), c.Get(fiber.HeaderContentType))
	if err != nil {
		status, code := statusFor(err)
		h.logResult(c, route, target.Path(), status, false, started, err)
		return h.writeError(c, status, code)
	}
	if !accepted {
		h.logResult(c, route, target.Path(), fiber.StatusBadGateway, false, started, nil)
		return h.writeError(c, fiber.StatusBadGateway, "publish_rejected")
	}
	h.logResult(c, route, target.Path(), fiber.StatusCreated, false, started, nil)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"location": target.Location().Name(),
		"path":     target.Path(),
	})
}

// detachedBody 复制请求体。发布任务可能在请求结束后仍在读取，
// 而 fasthttp 会在请求结束时回收 c.Body() 的缓冲区。
func detachedBody(c fiber.Ctx) []byte {
	return bytes.Clone(c.Body())
}

func publishTarget(route *server.Route, path string) (resource.ConcreteResource, bool) {
	if !route.Group {
		return resource.NewConcrete(route.Locations[0], path), true
	}
	for _, loc := range route.Locations {
		if loc.AllowsPublishing() {
			return resource.NewConcrete(loc, path), true
		}
	}
	return resource.ConcreteResource{}, false
}

// cached 报告请求开始前是否已有任一成员的缓存副本，仅用于日志与响应头。
func (h *Handler) cached(target resource.Resource) bool {
	switch res := target.(type) {
	case resource.ConcreteResource:
		return h.manager.CacheReference(res).Exists()
	case resource.VirtualResource:
		for _, c := range res.Concretes() {
			if h.manager.CacheReference(c).Exists() {
				return true
			}
		}
	}
	return false
}

// statusFor 把错误类别映射为 HTTP 状态码与错误码。
func statusFor(err error) (int, string) {
	switch {
	case galleyerrors.Is(galleyerrors.Timeout, err):
		return fiber.StatusGatewayTimeout, "timeout"
	case galleyerrors.Is(galleyerrors.Canceled, err):
		return fiber.StatusServiceUnavailable, "canceled"
	case galleyerrors.Is(galleyerrors.Invalid, err):
		return fiber.StatusBadRequest, "invalid_path"
	case galleyerrors.Is(galleyerrors.NotAllowed, err):
		return fiber.StatusForbidden, "not_allowed"
	case galleyerrors.Is(galleyerrors.NoEligibleLocation, err):
		return fiber.StatusConflict, "no_eligible_location"
	case galleyerrors.Is(galleyerrors.Partial, err), galleyerrors.Is(galleyerrors.Transaction, err):
		return fiber.StatusInternalServerError, "storage_inconsistent"
	default:
		return fiber.StatusBadGateway, "transfer_failed"
	}
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, route *server.Route, recovered interface{}) error {
	fields := logging.RequestFields(routeName(route), c.Method(), c.Path(), false)
	fields["action"] = "content"
	fields["error"] = "handler_panic"
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	return h.writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func (h *Handler) logResult(
	c fiber.Ctx,
	route *server.Route,
	path string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(routeName(route), c.Method(), path, cacheHit)
	fields["action"] = "content"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("content_failed")
		return
	}
	h.logger.WithFields(fields).Info("content_complete")
}

func routeName(route *server.Route) string {
	if route == nil {
		return ""
	}
	return route.Name
}

package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterResolvesContentRoute(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/content/public/org/foo/1.0/foo-1.0.jar", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.routeName != "public" || app.recorder.path != "org/foo/1.0/foo-1.0.jar" {
		t.Fatalf("unexpected dispatch: %s %s", app.recorder.routeName, app.recorder.path)
	}
	if app.recorder.method != "content" {
		t.Fatalf("expected content dispatch, got %s", app.recorder.method)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterDispatchesPublish(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/publish/central/org/foo/1.0/foo-1.0.pom", bytes.NewReader([]byte("pom"))))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.method != "publish" || app.recorder.routeName != "central" {
		t.Fatalf("unexpected dispatch: %s %s", app.recorder.method, app.recorder.routeName)
	}
}

func TestRouterReturns404WhenNameUnknown(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/content/ghost/a.jar", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"location_unmapped"`)) {
		t.Fatalf("expected location_unmapped error, got %s", string(body))
	}
	if resp.Header.Get("X-Galley-Location") != "ghost" {
		t.Fatalf("expected unmapped name header")
	}
	if app.recorder.routeName != "" {
		t.Fatalf("handler must not run for unknown names")
	}
}

func TestRouteNameExtraction(t *testing.T) {
	cases := map[string]string{
		"/api/content/central/org/a.jar": "central",
		"/api/content/central":           "central",
		"/api/publish/deploy/x":          "deploy",
	}
	for path, want := range cases {
		if got, ok := routeName(path); !ok || got != want {
			t.Fatalf("routeName(%q) = %q, %v", path, got, ok)
		}
	}
	for _, path := range []string{"/-/locations", "/api/content/", "/other"} {
		if _, ok := routeName(path); ok {
			t.Fatalf("routeName(%q) should not match", path)
		}
	}
}

type testApp struct {
	*fiber.App
	recorder *contentRecorder
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	registry, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &contentRecorder{}
	app, err := NewApp(AppOptions{
		Logger:   logger,
		Registry: registry,
		Content:  recorder,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type contentRecorder struct {
	routeName string
	path      string
	method    string
}

func (p *contentRecorder) Content(c fiber.Ctx, route *Route, path string) error {
	p.routeName, p.path, p.method = route.Name, path, "content"
	return c.SendStatus(fiber.StatusNoContent)
}

func (p *contentRecorder) Publish(c fiber.Ctx, route *Route, path string) error {
	p.routeName, p.path, p.method = route.Name, path, "publish"
	return c.SendStatus(fiber.StatusNoContent)
}

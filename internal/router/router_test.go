package router

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetops/internal/controller"
	"fleetops/internal/directory"
	"fleetops/internal/logger"
	"fleetops/internal/models"
	"fleetops/internal/repository/memory"
	"fleetops/internal/service"
)

type nopNotifier struct{}

func (nopNotifier) Dispatch(models.Event) {}

func newTestRouter(t *testing.T, buf *bytes.Buffer) http.Handler {
	t.Helper()
	log := logger.NewWithWriter(buf, "DEBUG")
	dir := directory.NewStatic(models.Actor{Id: "r1", Role: models.RoleRequester})
	svc := service.NewService(memory.New(), dir, nopNotifier{}, models.Policies{}, log)
	return NewRouter(controller.NewController(svc, log), log)
}

func TestRoutes(t *testing.T) {
	h := newTestRouter(t, &bytes.Buffer{})

	tests := []struct {
		method, target string
		status         int
	}{
		{"GET", "/api/ping", http.StatusOK},
		{"GET", "/api/requests/eligible", http.StatusBadRequest},
		{"GET", "/api/requests/unknown", http.StatusNotFound},
		{"GET", "/api/nothing/here", http.StatusNotFound},
		{"DELETE", "/api/requests/unknown", http.StatusNotFound},
		{"OPTIONS", "/api/requests/new", http.StatusOK},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.target, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != tt.status {
			t.Fatalf("%s %s: expected status %d, got %d", tt.method, tt.target, tt.status, w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("%s %s: expected CORS header to be set", tt.method, tt.target)
		}
	}
}

func TestRequestID(t *testing.T) {
	buf := &bytes.Buffer{}
	h := newTestRouter(t, buf)

	r := httptest.NewRequest("GET", "/api/ping", nil)
	r.Header.Set(requestIDHeader, "trace-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Header().Get(requestIDHeader) != "trace-42" {
		t.Fatalf("Expected request id to be echoed, got %q", w.Header().Get(requestIDHeader))
	}
	if !strings.Contains(buf.String(), `"request_id":"trace-42"`) {
		t.Fatalf("Expected access log to carry request id, got %s", buf.String())
	}

	r = httptest.NewRequest("GET", "/api/ping", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if len(w.Header().Get(requestIDHeader)) == 0 {
		t.Fatal("Expected a generated request id")
	}
}

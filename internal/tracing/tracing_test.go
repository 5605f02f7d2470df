package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitWithoutOTLPEndpointUsesStdoutExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), "edge-test", "")
	if err != nil {
		t.Fatal(err)
	}
	defer shutdown(context.Background())
}

func TestWrapPassesRequestsThrough(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	wrapped := Wrap(inner, "test-op")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d; want 418", w.Code)
	}
}

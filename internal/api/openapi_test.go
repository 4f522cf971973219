package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBuildOpenAPIDoc_Public(t *testing.T) {
	doc := buildOpenAPIDoc(false, false)

	if doc["openapi"] != "3.1.0" {
		t.Errorf("expected openapi 3.1.0, got %v", doc["openapi"])
	}
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/healthz", "/snapshots", "/plan", "/runs", "/runs/{runID}"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
	if _, ok := paths["/metrics"]; ok {
		t.Error("metrics must not be documented when not served")
	}
	if _, ok := doc["components"]; ok {
		t.Error("no security scheme expected without a token")
	}
	get := paths["/snapshots"].(map[string]any)["get"].(map[string]any)
	if _, ok := get["security"]; ok {
		t.Error("unexpected security requirement")
	}
}

func TestBuildOpenAPIDoc_Authenticated(t *testing.T) {
	doc := buildOpenAPIDoc(true, true)

	paths := doc["paths"].(map[string]any)
	if _, ok := paths["/metrics"]; !ok {
		t.Fatal("expected /metrics path")
	}
	get := paths["/plan"].(map[string]any)["get"].(map[string]any)
	if _, ok := get["security"]; !ok {
		t.Error("expected bearer security on /plan")
	}
	health := paths["/healthz"].(map[string]any)["get"].(map[string]any)
	if _, ok := health["security"]; ok {
		t.Error("healthz stays unauthenticated")
	}
	if len(endpoints) != 4 {
		t.Errorf("building the doc must not grow the shared endpoint list, got %d", len(endpoints))
	}
}

func TestHandleOpenAPI(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if doc["openapi"] != "3.1.0" {
		t.Errorf("unexpected doc %v", doc["openapi"])
	}
}

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[healthResponse](t, resp)
	if body != (healthResponse{Status: "ok", Widgets: 3, Routes: 3}) {
		t.Errorf("healthz = %+v", body)
	}
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/sessions/secret-session-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", ct)
	}

	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	for _, want := range []string{
		`homeboard_http_requests_total{code="404",method="GET",route="/v1/sessions/{id}"}`,
		"homeboard_http_request_duration_seconds",
		"homeboard_http_requests_in_flight",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	if strings.Contains(body, "secret-session-id") {
		t.Error("metrics leak a raw session id")
	}
}

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// widgetListing mirrors listWidgetsResponse for decoding.
type widgetListing struct {
	Widgets []struct {
		Path       string           `json:"path"`
		Tags       []string         `json:"tags"`
		RenderMode model.RenderMode `json:"render_mode"`
		Worker     bool             `json:"worker"`
	} `json:"widgets"`
	Total int `json:"total"`
}

func (l widgetListing) paths() []string {
	var out []string
	for _, w := range l.Widgets {
		out = append(out, w.Path)
	}
	return out
}

func TestListWidgets(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"weather", "clock", "crunch"}},
		{"?tag=integrations", []string{"weather", "crunch"}},
		{"?tag=time", []string{"clock"}},
		{"?tag=missing", nil},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/v1/widgets" + tt.query)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		list := decode[widgetListing](t, resp)
		resp.Body.Close()

		if diff := cmp.Diff(tt.want, list.paths()); diff != "" {
			t.Errorf("GET /v1/widgets%s mismatch (-want +got):\n%s", tt.query, diff)
		}
		if list.Total != len(tt.want) {
			t.Errorf("GET /v1/widgets%s total = %d, want %d", tt.query, list.Total, len(tt.want))
		}
	}
}

func TestListTags(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/widgets/tags")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	got := decode[listTagsResponse](t, resp)
	if diff := cmp.Diff([]string{"integrations", "math", "time"}, got.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestGetWidget(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/widgets/crunch")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := decode[struct {
		Path       string           `json:"path"`
		RenderMode model.RenderMode `json:"render_mode"`
		Worker     bool             `json:"worker"`
	}](t, resp)
	if got.Path != "crunch" || got.RenderMode != model.RenderClient || !got.Worker {
		t.Errorf("widget = %+v", got)
	}
}

func TestGetWidgetNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/widgets/wether")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decode[errorResponse](t, resp)
	if !strings.Contains(body.Error, `did you mean "weather"`) {
		t.Errorf("error = %q, want a suggestion", body.Error)
	}
}

func TestListRoutes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/routes")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	type entry struct {
		Path       string           `json:"path"`
		RenderMode model.RenderMode `json:"render_mode"`
	}
	got := decode[struct {
		Client []entry `json:"client"`
		Server []entry `json:"server"`
	}](t, resp)

	wantClient := []entry{{"weather", model.RenderClient}, {"crunch", model.RenderClient}}
	wantServer := []entry{{"clock", model.RenderServer}}
	if diff := cmp.Diff(wantClient, got.Client); diff != "" {
		t.Errorf("client routes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantServer, got.Server); diff != "" {
		t.Errorf("server routes mismatch (-want +got):\n%s", diff)
	}
}

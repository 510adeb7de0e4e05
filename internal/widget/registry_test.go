package widget_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
	"github.com/OysteinAmundsen/home-sub001/internal/widget"
)

func newDescriptor(path string, mode model.RenderMode, tags ...string) *widget.Descriptor {
	return widget.NewDescriptor(widget.Spec{Path: path, Tags: tags, RenderMode: mode}, nil)
}

func paths(seq func(func(*widget.Descriptor) bool)) []string {
	var out []string
	for d := range seq {
		out = append(out, d.Path())
	}
	return out
}

func newTestRegistry(t *testing.T) *widget.Registry {
	t.Helper()
	reg := widget.NewRegistry()
	for _, d := range []*widget.Descriptor{
		newDescriptor("weather", model.RenderClient, "integrations"),
		newDescriptor("fund", model.RenderClient, "integrations", "finance", "canvas2D"),
		newDescriptor("starfield", model.RenderClient, "graphics", "canvas2D"),
		newDescriptor("chat", model.RenderClient, "ai"),
	} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Path(), err)
		}
	}
	return reg
}

func TestRegisterAndResolve(t *testing.T) {
	reg := newTestRegistry(t)

	for d := range reg.All() {
		got, err := reg.ResolveByPath(d.Path())
		if err != nil {
			t.Fatalf("ResolveByPath(%s): %v", d.Path(), err)
		}
		if got != d {
			t.Errorf("ResolveByPath(%s) returned a different descriptor", d.Path())
		}
	}
	if reg.Len() != 4 {
		t.Errorf("Len() = %d, want 4", reg.Len())
	}
}

func TestRegisterDuplicateLeavesCatalogUnchanged(t *testing.T) {
	reg := newTestRegistry(t)
	before := paths(reg.ListByTag("integrations"))

	err := reg.Register(newDescriptor("weather", model.RenderServer, "integrations"))

	var regErr *widget.RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Register duplicate error = %v, want *RegistrationError", err)
	}
	if !errors.Is(err, widget.ErrDuplicatePath) {
		t.Errorf("error should wrap ErrDuplicatePath, got %v", err)
	}
	if diff := cmp.Diff(before, paths(reg.ListByTag("integrations"))); diff != "" {
		t.Errorf("ListByTag changed after failed Register (-before +after):\n%s", diff)
	}
	d, _ := reg.ResolveByPath("weather")
	if d.RenderMode() != model.RenderClient {
		t.Errorf("original descriptor was replaced")
	}
}

func TestRegisterEmptyPath(t *testing.T) {
	reg := widget.NewRegistry()
	var regErr *widget.RegistrationError
	if err := reg.Register(newDescriptor("", model.RenderClient)); !errors.As(err, &regErr) {
		t.Errorf("Register empty path error = %v, want *RegistrationError", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}

func TestResolveUnknownSuggestsClosest(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.ResolveByPath("wether")
	var lookupErr *widget.LookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("error = %v, want *LookupError", err)
	}
	if !errors.Is(err, widget.ErrNotFound) {
		t.Errorf("error should wrap ErrNotFound")
	}
	if lookupErr.Suggestion != "weather" {
		t.Errorf("Suggestion = %q, want %q", lookupErr.Suggestion, "weather")
	}

	_, err = reg.ResolveByPath("transcribe")
	if !errors.As(err, &lookupErr) {
		t.Fatalf("error = %v, want *LookupError", err)
	}
	if lookupErr.Suggestion != "" {
		t.Errorf("Suggestion = %q, want none for a distant path", lookupErr.Suggestion)
	}
}

func TestListByTagOrderAndRestart(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		tag  string
		want []string
	}{
		{"integrations", []string{"weather", "fund"}},
		{"canvas2D", []string{"fund", "starfield"}},
		{"ai", []string{"chat"}},
		{"webGPU", nil},
	}
	for _, tc := range tests {
		seq := reg.ListByTag(tc.tag)
		first := paths(seq)
		second := paths(seq)
		if diff := cmp.Diff(tc.want, first); diff != "" {
			t.Errorf("ListByTag(%s) (-want +got):\n%s", tc.tag, diff)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("ListByTag(%s) not restartable (-first +second):\n%s", tc.tag, diff)
		}
	}
}

func TestListByTagStopsEarly(t *testing.T) {
	reg := newTestRegistry(t)
	count := 0
	for range reg.ListByTag("integrations") {
		count++
		break
	}
	if count != 1 {
		t.Errorf("iterated %d times, want 1", count)
	}
}

func TestTags(t *testing.T) {
	reg := newTestRegistry(t)
	want := []string{"ai", "canvas2D", "finance", "graphics", "integrations"}
	if diff := cmp.Diff(want, reg.Tags()); diff != "" {
		t.Errorf("Tags() (-want +got):\n%s", diff)
	}
}

func TestDeterministicConstruction(t *testing.T) {
	a := newTestRegistry(t)
	b := newTestRegistry(t)

	specs := func(r *widget.Registry) []widget.Spec {
		var out []widget.Spec
		for d := range r.All() {
			out = append(out, d.Spec())
		}
		return out
	}
	if diff := cmp.Diff(specs(a), specs(b)); diff != "" {
		t.Errorf("registries differ (-a +b):\n%s", diff)
	}
}

func TestDescriptorIsImmutable(t *testing.T) {
	tags := []string{"ai"}
	d := widget.NewDescriptor(widget.Spec{Path: "chat", Tags: tags}, nil)

	tags[0] = "mutated"
	d.Tags()[0] = "also-mutated"

	if !slices.Equal(d.Tags(), []string{"ai"}) {
		t.Errorf("Tags() = %v, want [ai]", d.Tags())
	}
	if d.RenderMode() != model.RenderClient {
		t.Errorf("default RenderMode = %q, want client", d.RenderMode())
	}
}

func TestLoadIsMemoized(t *testing.T) {
	calls := 0
	d := widget.NewDescriptor(widget.Spec{Path: "chat"}, func(context.Context) (http.Handler, error) {
		calls++
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}), nil
	})

	for range 3 {
		h, err := d.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusTeapot {
			t.Errorf("status = %d, want 418", rec.Code)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestLoadErrorIsMemoized(t *testing.T) {
	calls := 0
	loadErr := errors.New("boom")
	d := widget.NewDescriptor(widget.Spec{Path: "fund"}, func(context.Context) (http.Handler, error) {
		calls++
		return nil, loadErr
	})

	for range 2 {
		if _, err := d.Load(context.Background()); !errors.Is(err, loadErr) {
			t.Errorf("Load error = %v, want %v", err, loadErr)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestLoadWithoutLoader(t *testing.T) {
	d := newDescriptor("pyramid", model.RenderClient)
	if _, err := d.Load(context.Background()); !errors.Is(err, widget.ErrNoModule) {
		t.Errorf("Load error = %v, want ErrNoModule", err)
	}
}

func TestNotFoundModule(t *testing.T) {
	rec := httptest.NewRecorder()
	widget.NotFound("<bogus>").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "&lt;bogus&gt; not found") {
		t.Errorf("body = %q, want escaped widget name", body)
	}
}

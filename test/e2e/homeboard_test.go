package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	output *lockedBuffer
	url    string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// getBinary builds the homeboard binaries once and returns the path of pkg's
// binary.
func getBinary(t *testing.T, pkg string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "homeboard-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		for _, p := range []string{"homeboard", "homeboard-worker", "testserver"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, p), "./cmd/"+p)
			cmd.Dir = findRepoRoot(t)
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", p, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, pkg)
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

const testCatalog = `
widget "weather" {
  tags        = ["integrations"]
  render_mode = "client"
  description = "Shows the current weather."
}

widget "power" {
  tags   = ["integrations", "energy"]
  worker = true
}

widget "clock" {
  tags   = ["time"]
  assets = "./clock"
}

override "clock" { render_mode = "server" }
`

// writeCatalog writes testCatalog and the clock widget's assets into a
// temporary directory and returns the directory.
func writeCatalog(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "widgets.hcl"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "clock"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "clock", "index.html"), []byte("<h1>clock</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// startServer runs homeboard serve against catalogDir with extra HOMEBOARD_*
// environment variables and waits for /healthz.
func startServer(t *testing.T, catalogDir string, env ...string) *serverProc {
	t.Helper()
	env = append([]string{
		"HOMEBOARD_DB_PATH=" + filepath.Join(t.TempDir(), "test.db"),
		"HOMEBOARD_LOG_LEVEL=info",
		"HOMEBOARD_CATALOG_PATHS=" + catalogDir,
	}, env...)
	return startProc(t, exec.Command(getBinary(t, "homeboard"), "serve"), env...)
}

// startProc starts cmd listening on a free address and waits for /healthz.
func startProc(t *testing.T, cmd *exec.Cmd, env ...string) *serverProc {
	t.Helper()

	addr := freeAddr(t)
	output := &lockedBuffer{}
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(), "HOMEBOARD_LISTEN_ADDR="+addr)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{cmd: cmd, output: output, url: "http://" + addr}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\noutput:\n%s", startupTimeout, output.String())
	return nil
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	sp := startServer(t, writeCatalog(t, testCatalog))

	var body struct {
		Status  string `json:"status"`
		Widgets int    `json:"widgets"`
	}
	if code := getJSON(t, sp.url+"/healthz", &body); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body.Status != "ok" || body.Widgets != 3 {
		t.Errorf("healthz = %+v, want ok with 3 widgets", body)
	}
}

func TestRoutesFromCatalog(t *testing.T) {
	sp := startServer(t, writeCatalog(t, testCatalog))

	type entry struct {
		Path       string `json:"path"`
		RenderMode string `json:"render_mode"`
	}
	var routes struct {
		Client []entry `json:"client"`
		Server []entry `json:"server"`
	}
	getJSON(t, sp.url+"/v1/routes", &routes)

	if len(routes.Client) != 2 || routes.Client[0].Path != "weather" || routes.Client[1].Path != "power" {
		t.Errorf("client routes = %+v, want weather then power", routes.Client)
	}
	if len(routes.Server) != 1 || routes.Server[0].Path != "clock" {
		t.Errorf("server routes = %+v, want clock", routes.Server)
	}

	// The override makes clock a server route, served from its assets.
	resp, err := http.Get(sp.url + "/w/clock/")
	if err != nil {
		t.Fatalf("GET /w/clock/: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "clock") {
		t.Errorf("GET /w/clock/ = %d %q", resp.StatusCode, buf.String())
	}
}

func TestDefaultRenderModeFromEnv(t *testing.T) {
	sp := startServer(t, writeCatalog(t, testCatalog), "HOMEBOARD_DEFAULT_RENDER_MODE=server")

	var routes struct {
		Client []json.RawMessage `json:"client"`
		Server []json.RawMessage `json:"server"`
	}
	getJSON(t, sp.url+"/v1/routes", &routes)
	if len(routes.Client) != 0 || len(routes.Server) != 3 {
		t.Errorf("got %d client and %d server routes, want 0 and 3", len(routes.Client), len(routes.Server))
	}
}

func TestUnknownOverrideIsFatal(t *testing.T) {
	dir := writeCatalog(t, testCatalog+"\noverride \"nope\" { render_mode = \"server\" }\n")

	cmd := exec.Command(getBinary(t, "homeboard"), "serve")
	cmd.Env = append(os.Environ(),
		"HOMEBOARD_LISTEN_ADDR="+freeAddr(t),
		"HOMEBOARD_DB_PATH="+filepath.Join(t.TempDir(), "test.db"),
		"HOMEBOARD_CATALOG_PATHS="+dir,
	)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("server started with an unknown override\noutput:\n%s", out)
	}
	if !strings.Contains(string(out), `"nope"`) {
		t.Errorf("output does not name the bad path:\n%s", out)
	}
}

func TestMetrics(t *testing.T) {
	sp := startServer(t, writeCatalog(t, testCatalog))

	resp, err := http.Post(sp.url+"/v1/sessions/m1/requests", "application/json", strings.NewReader(`{"widget":"power","payload":{}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	for _, name := range []string{
		"homeboard_http_requests_total",
		"homeboard_dispatch_requests_total",
		"homeboard_dispatch_worker_launch_seconds",
	} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, writeCatalog(t, testCatalog))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	// Poll for log output with a deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.output.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.output.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if msg, ok := entry["msg"].(string); ok && msg == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms", "request_id"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found\noutput:\n%s", sp.output.String())
	}
}

func TestWidgetsCommand(t *testing.T) {
	dir := writeCatalog(t, testCatalog)

	cmd := exec.Command(getBinary(t, "homeboard"), "widgets", "--tag", "integrations", "--catalog", dir)
	cmd.Env = append(os.Environ(), "HOMEBOARD_LOG_LEVEL=error")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("homeboard widgets: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header and 2 widgets:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], "weather") || !strings.HasPrefix(lines[2], "power") {
		t.Errorf("widgets out of catalog order:\n%s", out)
	}
}

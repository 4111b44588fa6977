package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tripot/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const testConfig = `{
  "server": {"addr": "127.0.0.1:0", "shutdown_timeout": "2s"},
  "logging": {"level": "error", "console": true},
  "scheduler": {"enabled": %s, "timezone": "Asia/Seoul", "tick": "1s"}
}`

func configWith(enabled string) string {
	return fmt.Sprintf(testConfig, enabled)
}

func TestStartServeStop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := New(writeConfig(t, configWith("true")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.sched.Running() {
		t.Fatal("scheduler should be running")
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var body struct {
		Status    string `json:"status"`
		Scheduler struct {
			Running bool `json:"running"`
		} `json:"scheduler"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || !body.Scheduler.Running {
		t.Fatalf("health = %d %+v", resp.StatusCode, body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.sched.Running() {
		t.Fatal("scheduler still running after Stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if _, err := http.Get("http://" + a.Addr().String() + "/health"); err == nil {
		t.Fatal("listener still accepting after Stop")
	}
}

func TestApplyConfigTogglesScheduler(t *testing.T) {
	a, err := New(writeConfig(t, configWith("false")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()
	ctx := context.Background()

	prev := a.cfgm.Get()
	next, err := config.Decode("x.json", []byte(configWith("true")))
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(ctx, prev, next)
	if !a.sched.Running() {
		t.Fatal("scheduler should start when enabled via reload")
	}

	a.applyConfig(ctx, next, prev)
	if a.sched.Running() {
		t.Fatal("scheduler should stop when disabled via reload")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(writeConfig(t, `{"server": {"addr": ":0"}, "bogus": 1}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Server.WSPongWait = "45s"
	cfg.Session.MaxTurnsPerMinute = 12
	sc, err := mapServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.WebSocket.PongWait != 45*time.Second || sc.Session.MaxTurnsPerMinute != 12 {
		t.Fatalf("server config = %+v", sc)
	}

	cfg.Scheduler.Tick = "soon"
	if _, err := mapScheduler(cfg); err == nil {
		t.Fatal("bad tick accepted")
	}

	st, err := mapStorage(cfg)
	if err != nil || st.Driver != "" {
		t.Fatalf("nil storage section = %+v, %v", st, err)
	}

	cc, err := mapCollab(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if cc.Timeout != 30*time.Second || len(cc.PromptPaths) == 0 {
		t.Fatalf("collab defaults = %+v", cc)
	}
}

func TestStatsBeforeStart(t *testing.T) {
	a, err := New(writeConfig(t, configWith("false")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()
	st, ok := a.stats().(stats)
	if !ok {
		t.Fatalf("stats() = %T", a.stats())
	}
	if st.Sessions != 0 || st.Scheduler.Running || st.Goroutines != nil {
		t.Fatalf("stats = %+v", st)
	}
	if a.pprof.Enabled() {
		t.Fatal("debug listener enabled by default")
	}
}

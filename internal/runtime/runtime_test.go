package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pipeworks-ai/pipeworks/internal/config"
)

const echoUnit = `
Pipeline = {
	id = "echo",
	valves = {
		prefix = { type = "string", default = "" },
	},
}
function Pipeline.pipe(req) return req.valves.prefix .. req.user_message end
`

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	return &config.Config{
		Server:    config.ServerConfig{Port: port, APIKey: "test-key"},
		Pipelines: config.PipelineConfig{Dir: filepath.Join(t.TempDir(), "pipelines")},
		Valves:    config.ValveConfig{Dir: filepath.Join(t.TempDir(), "valves")},
		Dispatch:  config.DispatchConfig{Workers: 2, Timeout: time.Minute},
	}
}

func TestNewMigratesLegacyValves(t *testing.T) {
	cfg := testConfig(t, 0)

	legacyDir := filepath.Join(cfg.Pipelines.Dir, "echo")
	if err := os.MkdirAll(legacyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(legacyDir, "valves.json"), []byte(`{"prefix": "old"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(cfg, nil); err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	migrated := filepath.Join(cfg.Valves.Dir, "echo", "valves.json")
	raw, err := os.ReadFile(migrated)
	if err != nil {
		t.Fatalf("Expected migrated valves record: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatal(err)
	}
	if record["prefix"] != "old" {
		t.Errorf("Expected migrated content, got %v", record)
	}
	if _, err := os.Stat(legacyDir); !os.IsNotExist(err) {
		t.Error("Expected empty legacy directory removed")
	}
}

func TestNewOpensInvocationLog(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Storage.Path = filepath.Join(t.TempDir(), "invocations.db")

	rt, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if rt.recorder == nil {
		t.Error("Expected invocation log to be attached")
	}
	rt.recorder.Close()
}

func TestRunServesAndStopsOnCancel(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port)

	if err := os.MkdirAll(cfg.Pipelines.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Pipelines.Dir, "echo.lua"), []byte(echoUnit), 0o644); err != nil {
		t.Fatal(err)
	}

	rt, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(base + "/")
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Server never came up: %v", err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, base+"/models", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var models map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	data := models["data"].([]any)
	if len(data) != 1 {
		t.Errorf("Expected discovered pipeline in listing, got %v", models)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestWatchReloadsOnPackageSiblingChange(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port)

	pkg := filepath.Join(cfg.Pipelines.Dir, "greeter")
	if err := os.MkdirAll(pkg, 0o755); err != nil {
		t.Fatal(err)
	}
	helper := `
		local M = {}
		function M.word() return %q end
		return M
	`
	entry := `
		local helper = require("helper")
		Pipeline = { id = "greeter" }
		function Pipeline.pipe(req) return helper.word() end
	`
	if err := os.WriteFile(filepath.Join(pkg, "helper.lua"), []byte(fmt.Sprintf(helper, "before")), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "init.lua"), []byte(entry), 0o644); err != nil {
		t.Fatal(err)
	}

	rt, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	for i := 0; i < 50; i++ {
		resp, err := http.Get(base + "/")
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := completionContent(t, base); got != "before" {
		t.Fatalf("Expected initial helper output, got %q", got)
	}

	if err := os.WriteFile(filepath.Join(pkg, "helper.lua"), []byte(fmt.Sprintf(helper, "after")), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	got := ""
	for time.Now().Before(deadline) {
		got = completionContent(t, base)
		if got == "after" {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if got != "after" {
		t.Errorf("Expected reload after sibling edit, still got %q", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func completionContent(t *testing.T, base string) string {
	t.Helper()
	payload := strings.NewReader(`{"model": "greeter", "messages": [{"role": "user", "content": "hi"}]}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/chat/completions", payload)
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Choices) == 0 {
		return ""
	}
	return body.Choices[0].Message.Content
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

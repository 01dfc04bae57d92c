package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/yourusername/hybrid-power-sched/internal/policy"
	"github.com/yourusername/hybrid-power-sched/internal/scheduler"
	"github.com/yourusername/hybrid-power-sched/pkg/cpusim"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

type fixture struct {
	sim    *cpusim.Simulator
	policy *policy.Manager
	sched  *scheduler.Scheduler
	server *httptest.Server
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T, initialize bool) *fixture {
	t.Helper()
	sim := cpusim.NewI31215U()
	logger := quietLogger()

	pm, err := policy.New(sim, sim, sim, policy.Config{
		Logger: logger,
		Clock:  testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	sched, err := scheduler.New(sim, pm, scheduler.Config{Scheduler: models.DefaultSchedulerConfig(), Logger: logger})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	if initialize {
		if err := pm.Init(context.Background()); err != nil {
			t.Fatalf("policy Init: %v", err)
		}
		if err := sched.Init(context.Background()); err != nil {
			t.Fatalf("scheduler Init: %v", err)
		}
	}

	server := httptest.NewServer(NewServer(sched, pm, logger).Handler())
	t.Cleanup(server.Close)
	return &fixture{sim: sim, policy: pm, sched: sched, server: server}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode, env
}

func decodeData(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	if env.Status != "success" {
		t.Fatalf("status = %q, want success", env.Status)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" || body["version"] != Version {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, true)

	status, env := f.do(t, http.MethodPost, "/api/v1/tasks", `{"task_id":7,"priority":3,"cpu_intensity":0.9,"memory_intensity":0.2,"io_intensity":0.1}`)
	if status != http.StatusCreated {
		t.Fatalf("schedule status = %d", status)
	}
	var placed struct {
		TaskID uint32 `json:"task_id"`
		CoreID uint32 `json:"core_id"`
	}
	decodeData(t, env, &placed)
	if placed.TaskID != 7 {
		t.Fatalf("placed = %+v", placed)
	}

	status, env = f.do(t, http.MethodGet, "/api/v1/tasks/7", "")
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var profile models.TaskProfile
	decodeData(t, env, &profile)
	if profile.LastCore != placed.CoreID || profile.CPUIntensity != 0.9 {
		t.Fatalf("profile = %+v, placed on %d", profile, placed.CoreID)
	}

	status, env = f.do(t, http.MethodGet, "/api/v1/cores/loads?detail=true", "")
	if status != http.StatusOK {
		t.Fatalf("loads status = %d", status)
	}
	var loads []models.CoreLoad
	decodeData(t, env, &loads)
	found := false
	for _, load := range loads {
		if load.CoreID == placed.CoreID && load.TaskCount == 1 && load.ActiveTasks[0].TaskID == 7 {
			found = true
		}
	}
	if !found {
		t.Fatalf("task 7 not on core %d in %+v", placed.CoreID, loads)
	}

	status, env = f.do(t, http.MethodPut, "/api/v1/tasks/7", `{"task_id":7,"cpu_intensity":0.1,"io_intensity":0.8}`)
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}
	decodeData(t, env, &profile)
	if profile.IOIntensity != 0.8 {
		t.Fatalf("updated profile = %+v", profile)
	}

	if status, _ := f.do(t, http.MethodDelete, "/api/v1/tasks/7", ""); status != http.StatusOK {
		t.Fatalf("complete status = %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/api/v1/tasks/7", ""); status != http.StatusNotFound {
		t.Fatalf("get after complete = %d, want 404", status)
	}

	status, env = f.do(t, http.MethodGet, "/api/v1/scheduler/stats", "")
	var stats scheduler.Stats
	decodeData(t, env, &stats)
	if status != http.StatusOK || stats.Scheduled != 1 || stats.Completed != 1 || stats.Active != 0 {
		t.Fatalf("stats = %d %+v", status, stats)
	}
}

func TestTaskErrors(t *testing.T) {
	f := newFixture(t, true)
	if status, _ := f.do(t, http.MethodPost, "/api/v1/tasks", `{"task_id":1,"cpu_intensity":0.5}`); status != http.StatusCreated {
		t.Fatalf("schedule status = %d", status)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"duplicate", http.MethodPost, "/api/v1/tasks", `{"task_id":1}`, http.StatusConflict},
		{"intensity out of range", http.MethodPost, "/api/v1/tasks", `{"task_id":2,"cpu_intensity":1.5}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/tasks", `{"task_id":`, http.StatusBadRequest},
		{"id mismatch", http.MethodPut, "/api/v1/tasks/1", `{"task_id":9}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/tasks/abc", "", http.StatusBadRequest},
		{"missing id", http.MethodGet, "/api/v1/tasks/", "", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/v1/tasks", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _ := f.do(t, tt.method, tt.path, tt.body); status != tt.want {
				t.Fatalf("status = %d, want %d", status, tt.want)
			}
		})
	}
}

func TestPolicyEndpoints(t *testing.T) {
	f := newFixture(t, true)

	status, env := f.do(t, http.MethodGet, "/api/v1/policy", "")
	var current policyStatus
	decodeData(t, env, &current)
	if status != http.StatusOK || current.Mode != models.ModeBalanced || current.Settings != models.DefaultPolicySettings() {
		t.Fatalf("policy = %d %+v", status, current)
	}

	status, env = f.do(t, http.MethodPut, "/api/v1/policy/mode", `{"mode":"PowerSaver"}`)
	decodeData(t, env, &current)
	if status != http.StatusOK || current.Mode != models.ModePowerSaver || current.Settings.TurboEnabled {
		t.Fatalf("set mode = %d %+v", status, current)
	}
	if f.policy.Mode() != models.ModePowerSaver || f.sim.TurboEnabled() || f.sim.PerfBias() != 15 {
		t.Fatalf("PowerSaver not applied: turbo=%v bias=%d", f.sim.TurboEnabled(), f.sim.PerfBias())
	}

	status, env = f.do(t, http.MethodPut, "/api/v1/policy/settings", `{"cpu_max_freq":3000,"cpu_min_freq":1000,"turbo_enabled":true,"perf_bias":4,"temp_target_c":70}`)
	decodeData(t, env, &current)
	if status != http.StatusOK || current.Mode != models.ModeCustom || current.Settings.CPUMaxFreq != 3000 || current.Settings.PerfBias != 4 {
		t.Fatalf("update settings = %d %+v", status, current)
	}

	for _, body := range []string{`{"mode":"turbo"}`, `{}`} {
		if status, _ := f.do(t, http.MethodPut, "/api/v1/policy/mode", body); status != http.StatusBadRequest {
			t.Errorf("mode %s: status = %d, want 400", body, status)
		}
	}
	if status, _ := f.do(t, http.MethodPut, "/api/v1/policy/settings", `{"cpu_max_freq":800,"cpu_min_freq":1200}`); status != http.StatusBadRequest {
		t.Errorf("inverted range: status = %d, want 400", status)
	}
	if f.policy.Mode() != models.ModeCustom {
		t.Errorf("rejected requests changed mode to %s", f.policy.Mode())
	}
}

func TestReportAndComponents(t *testing.T) {
	f := newFixture(t, true)

	if status, _ := f.do(t, http.MethodGet, "/api/v1/policy/report", ""); status != http.StatusNotFound {
		t.Fatalf("report before tick = %d, want 404", status)
	}

	f.sim.SetTemperature(58)
	if _, err := f.policy.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	status, env := f.do(t, http.MethodGet, "/api/v1/policy/report", "")
	var report models.TickReport
	decodeData(t, env, &report)
	if status != http.StatusOK || report.CycleID == "" || report.Throttled || len(report.Frequencies) != 6 {
		t.Fatalf("report = %d %+v", status, report)
	}

	status, env = f.do(t, http.MethodGet, "/api/v1/policy/components", "")
	var components models.ComponentState
	decodeData(t, env, &components)
	if status != http.StatusOK || components.TemperatureC != 58 {
		t.Fatalf("components = %d %+v", status, components)
	}
}

func TestNotInitialized(t *testing.T) {
	f := newFixture(t, false)
	for _, path := range []string{"/api/v1/cores/loads", "/api/v1/tasks/1", "/api/v1/policy/components"} {
		if status, _ := f.do(t, http.MethodGet, path, ""); status != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, status)
		}
	}
	if status, _ := f.do(t, http.MethodPut, "/api/v1/policy/mode", `{"mode":"Performance"}`); status != http.StatusServiceUnavailable {
		t.Errorf("set mode = %d, want 503", status)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotInitialized, http.StatusServiceUnavailable},
		{fmt.Errorf("core 9: %w", models.ErrCoreNotFound), http.StatusNotFound},
		{models.ErrDuplicateTask, http.StatusConflict},
		{fmt.Errorf("%w: bias", models.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("set turbo: %w: %w", models.ErrDeviceError, models.ErrTimeout), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

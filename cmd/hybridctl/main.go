package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/hybrid-power-sched/internal/scheduler"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// policyStatus GET /api/v1/policy 的响应
type policyStatus struct {
	Mode      models.PolicyMode     `json:"mode" yaml:"mode"`
	Settings  models.PolicySettings `json:"settings" yaml:"settings"`
	Throttled bool                  `json:"throttled" yaml:"throttled"`
}

// placement POST /api/v1/tasks 的响应
type placement struct {
	TaskID uint32 `json:"task_id" yaml:"task_id"`
	CoreID uint32 `json:"core_id" yaml:"core_id"`
}

type command struct {
	usage string
	run   func(c *apiClient, args []string) (interface{}, error)
}

var commands = map[string]command{
	"loads":      {"loads [--detail]", loadsCmd},
	"schedule":   {"schedule --id N [--priority N --cpu F --memory F --io F --deadline MS]", scheduleCmd},
	"update":     {"update --id N [--priority N --cpu F --memory F --io F --deadline MS]", updateCmd},
	"get":        {"get TASK_ID", getCmd},
	"complete":   {"complete TASK_ID", completeCmd},
	"stats":      {"stats", statsCmd},
	"policy":     {"policy", policyCmd},
	"mode":       {"mode Performance|Balanced|PowerSaver|Custom", modeCmd},
	"settings":   {"settings [--max MHZ --min MHZ --turbo --bias N --temp C]", settingsCmd},
	"components": {"components", componentsCmd},
	"report":     {"report", reportCmd},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: hybridctl [flags] COMMAND [args]")
	fmt.Fprintln(w, "\nCommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w, "\nFlags:")
	fmt.Fprint(w, fs.FlagUsages())
}

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("hybridctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	server := fs.StringP("server", "s", envOr("HYBRIDCTL_SERVER", "http://127.0.0.1:8090"), "hybridd API address")
	output := fs.StringP("output", "o", "json", "output format: json|yaml")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { usage(os.Stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		usage(stdout, fs)
		return fmt.Errorf("a command is required")
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	if *output != "json" && *output != "yaml" {
		return fmt.Errorf("unknown output format %q", *output)
	}

	result, err := cmd.run(newAPIClient(*server, *timeout), fs.Args()[1:])
	if err != nil {
		return err
	}
	return render(stdout, *output, result)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// render 按 json 或 yaml 输出结果
func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func taskIDArg(args []string) (uint32, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("exactly one TASK_ID is required")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", args[0])
	}
	return uint32(id), nil
}

func loadsCmd(c *apiClient, args []string) (interface{}, error) {
	fs := pflag.NewFlagSet("loads", pflag.ContinueOnError)
	detail := fs.Bool("detail", false, "include active tasks per core")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *detail {
		var loads []models.CoreLoad
		err := c.do(http.MethodGet, "/api/v1/cores/loads?detail=true", nil, &loads)
		return loads, err
	}
	var loads []models.CoreUtilization
	err := c.do(http.MethodGet, "/api/v1/cores/loads", nil, &loads)
	return loads, err
}

// profileFlags schedule 和 update 共用的任务画像参数
func profileFlags(name string, args []string) (models.TaskProfile, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	id := fs.Uint32("id", 0, "task id")
	priority := fs.Uint8("priority", 0, "task priority")
	cpu := fs.Float64("cpu", 0, "cpu intensity 0-1")
	memory := fs.Float64("memory", 0, "memory intensity 0-1")
	ioIntensity := fs.Float64("io", 0, "io intensity 0-1")
	runTime := fs.Uint64("run-time", 0, "accumulated run time in ms")
	deadline := fs.Uint64("deadline", 0, "deadline in ms")
	if err := fs.Parse(args); err != nil {
		return models.TaskProfile{}, err
	}
	if !fs.Changed("id") {
		return models.TaskProfile{}, fmt.Errorf("--id is required")
	}

	profile := models.TaskProfile{
		TaskID:          *id,
		Priority:        *priority,
		CPUIntensity:    *cpu,
		MemoryIntensity: *memory,
		IOIntensity:     *ioIntensity,
		RunTimeMs:       *runTime,
	}
	if fs.Changed("deadline") {
		profile.DeadlineMs = deadline
	}
	return profile, nil
}

func scheduleCmd(c *apiClient, args []string) (interface{}, error) {
	profile, err := profileFlags("schedule", args)
	if err != nil {
		return nil, err
	}
	var placed placement
	err = c.do(http.MethodPost, "/api/v1/tasks", profile, &placed)
	return placed, err
}

func updateCmd(c *apiClient, args []string) (interface{}, error) {
	profile, err := profileFlags("update", args)
	if err != nil {
		return nil, err
	}
	var updated models.TaskProfile
	err = c.do(http.MethodPut, fmt.Sprintf("/api/v1/tasks/%d", profile.TaskID), profile, &updated)
	return updated, err
}

func getCmd(c *apiClient, args []string) (interface{}, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}
	var profile models.TaskProfile
	err = c.do(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", id), nil, &profile)
	return profile, err
}

func completeCmd(c *apiClient, args []string) (interface{}, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}
	var done map[string]uint32
	err = c.do(http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", id), nil, &done)
	return done, err
}

func statsCmd(c *apiClient, args []string) (interface{}, error) {
	var stats scheduler.Stats
	err := c.do(http.MethodGet, "/api/v1/scheduler/stats", nil, &stats)
	return stats, err
}

func policyCmd(c *apiClient, args []string) (interface{}, error) {
	var status policyStatus
	err := c.do(http.MethodGet, "/api/v1/policy", nil, &status)
	return status, err
}

func modeCmd(c *apiClient, args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exactly one mode is required")
	}
	mode, err := models.ParsePolicyMode(args[0])
	if err != nil {
		return nil, err
	}
	var status policyStatus
	err = c.do(http.MethodPut, "/api/v1/policy/mode", map[string]string{"mode": mode.String()}, &status)
	return status, err
}

// settingsCmd 读取当前设置，只覆盖显式给出的字段后整体提交
func settingsCmd(c *apiClient, args []string) (interface{}, error) {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	maxFreq := fs.Uint32("max", 0, "cpu max frequency MHz")
	minFreq := fs.Uint32("min", 0, "cpu min frequency MHz")
	turbo := fs.Bool("turbo", false, "enable turbo boost")
	bias := fs.Uint8("bias", 0, "perf bias 0 (performance) - 15 (power saving)")
	temp := fs.Int32("temp", 0, "throttle temperature target in Celsius")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var current policyStatus
	if err := c.do(http.MethodGet, "/api/v1/policy", nil, &current); err != nil {
		return nil, err
	}
	settings := current.Settings
	if fs.Changed("max") {
		settings.CPUMaxFreq = *maxFreq
	}
	if fs.Changed("min") {
		settings.CPUMinFreq = *minFreq
	}
	if fs.Changed("turbo") {
		settings.TurboEnabled = *turbo
	}
	if fs.Changed("bias") {
		settings.PerfBias = *bias
	}
	if fs.Changed("temp") {
		settings.TempTargetC = *temp
	}
	settings.Mode = models.ModeCustom

	var status policyStatus
	err := c.do(http.MethodPut, "/api/v1/policy/settings", settings, &status)
	return status, err
}

func componentsCmd(c *apiClient, args []string) (interface{}, error) {
	var states models.ComponentState
	err := c.do(http.MethodGet, "/api/v1/policy/components", nil, &states)
	return states, err
}

func reportCmd(c *apiClient, args []string) (interface{}, error) {
	var report models.TickReport
	if err := c.do(http.MethodGet, "/api/v1/policy/report", nil, &report); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, fmt.Errorf("no policy tick has completed yet")
		}
		return nil, err
	}
	return report, nil
}

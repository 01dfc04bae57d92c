package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"k8s.io/utils/clock"

	"github.com/yourusername/hybrid-power-sched/internal/api"
	"github.com/yourusername/hybrid-power-sched/internal/config"
	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/internal/hal/sysfs"
	"github.com/yourusername/hybrid-power-sched/internal/k8s"
	"github.com/yourusername/hybrid-power-sched/internal/logging"
	"github.com/yourusername/hybrid-power-sched/internal/policy"
	"github.com/yourusername/hybrid-power-sched/internal/scheduler"
	"github.com/yourusername/hybrid-power-sched/internal/timer"
	"github.com/yourusername/hybrid-power-sched/pkg/cpusim"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "config file path (defaults and HYBRIDD_* environment only when empty)")
	pflag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Errorf("hybridd exited: %v", err)
		closer.Close()
		os.Exit(1)
	}
}

// backend 一组硬件接口及其清理函数
type backend struct {
	cores     hal.CoreControl
	telemetry hal.Telemetry
	devices   hal.DevicePower
	stop      func()
}

func newBackend(cfg *config.Config, logger *logrus.Logger) backend {
	var b backend
	switch cfg.Backend.Type {
	case "sysfs":
		hw := sysfs.New(sysfs.Options{
			SysRoot:  cfg.Backend.SysfsRoot,
			ProcRoot: cfg.Backend.ProcRoot,
			Logger:   logger,
		})
		b = backend{cores: hw, telemetry: hw, devices: hw, stop: func() {}}
		logger.Infof("Using sysfs backend (sys=%s proc=%s)", cfg.Backend.SysfsRoot, cfg.Backend.ProcRoot)
	default:
		sim := cpusim.NewI31215U()
		stop := func() {}
		if cfg.Backend.SimulateDrift {
			sim.Start()
			stop = sim.Stop
		}
		b = backend{cores: sim, telemetry: sim, devices: sim, stop: stop}
		logger.Infof("Using simulated i3-1215U backend (drift=%v)", cfg.Backend.SimulateDrift)
	}

	// 每次硬件调用都有超时上限
	timeout := cfg.Policy.HardwareTimeout
	b.cores = hal.NewBoundedCoreControl(b.cores, timeout)
	b.telemetry = hal.NewBoundedTelemetry(b.telemetry, timeout)
	b.devices = hal.NewBoundedDevicePower(b.devices, timeout)
	return b
}

// initialSettings 配置的初始模式对应的设置；Balanced 保留默认的 4.7GHz 上限
func initialSettings(mode models.PolicyMode) *models.PolicySettings {
	if mode == models.ModeBalanced {
		return nil
	}
	if tmpl, ok := models.ModeTemplate(mode); ok {
		return &tmpl
	}
	settings := models.DefaultPolicySettings()
	settings.Mode = mode
	return &settings
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	logger.Infof("Starting hybridd...")
	logger.Infof("Server: %s", cfg.Server.Address())
	logger.Infof("Backend: %s, tick interval %v, hardware timeout %v", cfg.Backend.Type, cfg.Policy.TickInterval, cfg.Policy.HardwareTimeout)

	mode, err := cfg.Policy.Mode()
	if err != nil {
		return err
	}
	devices, err := cfg.Policy.Devices()
	if err != nil {
		return err
	}

	hw := newBackend(cfg, logger)
	defer hw.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 电源策略管理器
	manager, err := policy.New(hw.cores, hw.telemetry, hw.devices, policy.Config{
		Logger:          logger,
		InitialSettings: initialSettings(mode),
		ThrottleDevices: devices,
	})
	if err != nil {
		return fmt.Errorf("failed to create policy manager: %w", err)
	}
	if err := manager.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize policy manager: %w", err)
	}

	// 2. 调度器读取管理器的当前模式
	sched, err := scheduler.New(hw.cores, manager, scheduler.Config{
		Scheduler: cfg.Scheduler,
		Logger:    logger,
		Observer: func(event models.PlacementEvent) {
			if event.FromCore != nil {
				logger.Infof("Task %d migrated from core %d to core %d", event.TaskID, *event.FromCore, event.ToCore)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	// 周期报告中的逐核利用率回写调度器负载
	manager.AddObserver(func(report models.TickReport) {
		sched.ObserveUtilization(report.Utilization)
	})

	// 3. 定时器只唤醒专用 worker
	worker := policy.NewWorker(manager, logger)
	periodic, err := timer.New(clock.RealClock{}, cfg.Policy.TickInterval, logger)
	if err != nil {
		return err
	}
	periodic.RegisterPeriodic(func() {
		worker.Trigger()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		periodic.Run(ctx)
	}()

	// 4. 可选的节点状态发布
	if cfg.Kubernetes.Enabled {
		client, err := k8s.NewClient(cfg.Kubernetes, logger)
		if err != nil {
			logger.Warnf("Failed to create k8s client: %v", err)
			logger.Warnf("Running without node status publication")
		} else {
			publisher, err := k8s.NewPublisher(client, manager, k8s.PublisherConfig{
				NodeName: cfg.Kubernetes.NodeName,
				Interval: cfg.Kubernetes.PublishInterval,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				publisher.Run(ctx)
			}()
		}
	}

	// 5. HTTP 接口
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      api.NewServer(sched, manager, logger).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP Server starting on %s", cfg.Server.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Infof("Received %s, shutting down...", sig)
	case err := <-serverErr:
		cancel()
		wg.Wait()
		return fmt.Errorf("server failed to start: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server forced to shutdown: %v", err)
	}

	cancel()
	wg.Wait()

	stats := sched.Stats()
	logger.Infof("Server exited (ticks=%d skipped=%d scheduled=%d migrations=%d)",
		worker.Completed(), worker.Skipped(), stats.Scheduled, stats.Migrations)
	return nil
}

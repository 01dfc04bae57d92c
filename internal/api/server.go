// Package api 通过 HTTP 向运维工具暴露调度器和策略管理器的操作。
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/hybrid-power-sched/internal/policy"
	"github.com/yourusername/hybrid-power-sched/internal/scheduler"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// Version 服务版本
const Version = "1.0.0"

// Server HTTP 接口
type Server struct {
	scheduler *scheduler.Scheduler
	policy    *policy.Manager
	logger    *logrus.Logger
}

// NewServer 创建 HTTP 接口
func NewServer(sched *scheduler.Scheduler, pm *policy.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	return &Server{scheduler: sched, policy: pm, logger: logger}
}

// Handler 注册所有路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查接口
	mux.HandleFunc("/health", healthHandler)

	// 任务调度
	mux.HandleFunc("/api/v1/tasks", s.tasksHandler)
	mux.HandleFunc("/api/v1/tasks/", s.taskHandler)
	mux.HandleFunc("/api/v1/scheduler/stats", s.statsHandler)

	// 核心负载
	mux.HandleFunc("/api/v1/cores/loads", s.coreLoadsHandler)

	// 电源策略
	mux.HandleFunc("/api/v1/policy", s.policyHandler)
	mux.HandleFunc("/api/v1/policy/mode", s.policyModeHandler)
	mux.HandleFunc("/api/v1/policy/settings", s.policySettingsHandler)
	mux.HandleFunc("/api/v1/policy/components", s.componentsHandler)
	mux.HandleFunc("/api/v1/policy/report", s.reportHandler)

	return mux
}

// healthHandler 健康检查处理函数
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	}
	json.NewEncoder(w).Encode(response)
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"status":    "success",
		"data":      data,
		"timestamp": time.Now().UTC(),
	}
	json.NewEncoder(w).Encode(response)
}

// statusFor 错误分类到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrCoreNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDeviceError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Warnf("Request failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

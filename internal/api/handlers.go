package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// tasksHandler 提交新任务
func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var profile models.TaskProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	coreID, err := s.scheduler.ScheduleTask(profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]uint32{"task_id": profile.TaskID, "core_id": coreID})
}

// taskHandler 单个任务：GET 查询、PUT 更新画像、DELETE 完成
func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	// 从URL路径中提取任务ID
	raw := r.URL.Path[len("/api/v1/tasks/"):]
	if raw == "" {
		http.Error(w, "Task id is required", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid task id %q", raw), http.StatusBadRequest)
		return
	}
	taskID := uint32(id)

	switch r.Method {
	case http.MethodGet:
		profile, ok, err := s.scheduler.Task(taskID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			http.Error(w, fmt.Sprintf("Task %d not found", taskID), http.StatusNotFound)
			return
		}
		writeSuccess(w, http.StatusOK, profile)

	case http.MethodPut:
		var profile models.TaskProfile
		if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := s.scheduler.UpdateTask(taskID, profile); err != nil {
			s.writeError(w, r, err)
			return
		}
		updated, _, err := s.scheduler.Task(taskID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := s.scheduler.CompleteTask(taskID); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]uint32{"task_id": taskID})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// statsHandler 调度统计
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeSuccess(w, http.StatusOK, s.scheduler.Stats())
}

// coreLoadsHandler 核心负载；detail=true 时包含任务列表
func (s *Server) coreLoadsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Query().Get("detail") == "true" {
		loads, err := s.scheduler.CoreLoadDetails()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, loads)
		return
	}

	loads, err := s.scheduler.CoreLoads()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, loads)
}

// policyStatus GET /api/v1/policy 的响应
type policyStatus struct {
	Mode      models.PolicyMode     `json:"mode"`
	Settings  models.PolicySettings `json:"settings"`
	Throttled bool                  `json:"throttled"`
}

func (s *Server) currentPolicy() policyStatus {
	return policyStatus{
		Mode:      s.policy.Mode(),
		Settings:  s.policy.Settings(),
		Throttled: s.policy.Throttled(),
	}
}

// policyHandler 当前模式和设置
func (s *Server) policyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeSuccess(w, http.StatusOK, s.currentPolicy())
}

// policyModeHandler 切换模式
func (s *Server) policyModeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON body: %v", err), http.StatusBadRequest)
		return
	}
	mode, err := models.ParsePolicyMode(request.Mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.policy.SetMode(r.Context(), mode); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, s.currentPolicy())
}

// policySettingsHandler 整体替换设置（进入 Custom 模式）
func (s *Server) policySettingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var settings models.PolicySettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.policy.UpdateSettings(r.Context(), settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, s.currentPolicy())
}

// componentsHandler 最近一次周期的组件状态
func (s *Server) componentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	states, err := s.policy.ComponentStates()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, states)
}

// reportHandler 最近一次周期报告
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, ok := s.policy.LastReport()
	if !ok {
		http.Error(w, "No policy tick has completed yet", http.StatusNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

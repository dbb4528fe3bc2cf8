package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"wisefido-monitor/internal/export"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/poller"
	"wisefido-monitor/internal/reconciler"

	"go.uber.org/zap"
)

// MonitorState 名单与报警（由服务层实现）
type MonitorState interface {
	Roster() []models.PatientSummary
	Patient(id string) (models.PatientSummary, bool)
	Alerts() []models.Alert
	RemoveAlert(key string) bool
	ClearAlerts() int
	Counts() reconciler.Counts
}

// HistorySelector 详情页选中与历史
type HistorySelector interface {
	Select(patientID string) error
	Deselect()
	Current() (poller.Selection, bool)
}

// ConnectionStatus 推送通道状态
type ConnectionStatus interface {
	StateName() string
	SessionID() string
}

// StatusResponse GET /status
type StatusResponse struct {
	Connection        string            `json:"connection"`
	SessionID         string            `json:"session_id,omitempty"`
	Counts            reconciler.Counts `json:"counts"`
	AlertCount        int               `json:"alert_count"`
	SelectedPatientID string            `json:"selected_patient_id,omitempty"`
}

// MonitorHandler 本地查询接口
type MonitorHandler struct {
	state   MonitorState
	history HistorySelector
	conn    ConnectionStatus
	logger  *zap.Logger
}

func NewMonitorHandler(state MonitorState, history HistorySelector, conn ConnectionStatus, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{state: state, history: history, conn: conn, logger: logger}
}

// ListPatients GET /api/v1/patients（按严重度排序）
func (h *MonitorHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.state.Roster()))
}

// GetPatient GET /api/v1/patients/{id}
func (h *MonitorHandler) GetPatient(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := h.state.Patient(id)
	if !ok {
		writeFail(w, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, Ok(p))
}

// ListAlerts GET /api/v1/alerts（最新的在前）
func (h *MonitorHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.state.Alerts()))
}

// RemoveAlert DELETE /api/v1/alerts/{key}；不存在时同样返回成功
func (h *MonitorHandler) RemoveAlert(w http.ResponseWriter, r *http.Request, key string) {
	removed := h.state.RemoveAlert(key)
	h.logger.Debug("Dismissed alert", zap.String("alert_key", key), zap.Bool("removed", removed))
	writeJSON(w, http.StatusOK, Ok(map[string]any{"key": key, "removed": removed}))
}

// ClearAlerts DELETE /api/v1/alerts
func (h *MonitorHandler) ClearAlerts(w http.ResponseWriter, r *http.Request) {
	n := h.state.ClearAlerts()
	h.logger.Info("Cleared alerts", zap.Int("count", n))
	writeJSON(w, http.StatusOK, Ok(map[string]int{"cleared": n}))
}

type selectRequest struct {
	PatientID string `json:"patient_id"`
}

// Select POST /api/v1/selection {patient_id}
func (h *MonitorHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		writeFail(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	if _, ok := h.state.Patient(req.PatientID); !ok {
		writeFail(w, http.StatusNotFound, "patient not found")
		return
	}
	if err := h.history.Select(req.PatientID); err != nil {
		h.logger.Error("Failed to select patient", zap.String("patient_id", req.PatientID), zap.Error(err))
		writeFail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sel, _ := h.history.Current()
	writeJSON(w, http.StatusOK, Ok(sel))
}

// Deselect DELETE /api/v1/selection
func (h *MonitorHandler) Deselect(w http.ResponseWriter, r *http.Request) {
	h.history.Deselect()
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"selected": false}))
}

// GetHistory GET /api/v1/history；未选中时返回空占位
func (h *MonitorHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sel, ok := h.history.Current()
	if !ok {
		writeJSON(w, http.StatusOK, Ok(poller.Selection{Points: []models.HistoryPoint{}}))
		return
	}
	if sel.Points == nil {
		sel.Points = []models.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, Ok(sel))
}

// ExportHistory GET /api/v1/history/export（xlsx）
func (h *MonitorHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	sel, ok := h.history.Current()
	if !ok {
		writeFail(w, http.StatusNotFound, "no patient selected")
		return
	}

	data, err := export.HistoryWorkbook(sel.PatientID, sel.Points)
	if err != nil {
		h.logger.Error("Failed to generate history export",
			zap.String("patient_id", sel.PatientID),
			zap.Error(err),
		)
		writeFail(w, http.StatusInternalServerError, "failed to generate export")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="history_%s.xlsx"`, safeFilename(sel.PatientID)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Status GET /api/v1/status
func (h *MonitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	counts := h.state.Counts()
	resp := StatusResponse{
		Connection: h.conn.StateName(),
		SessionID:  h.conn.SessionID(),
		Counts:     counts,
		AlertCount: len(h.state.Alerts()),
	}
	if sel, ok := h.history.Current(); ok {
		resp.SelectedPatientID = sel.PatientID
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

func safeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

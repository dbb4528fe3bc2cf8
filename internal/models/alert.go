package models

import "time"

// Alert 实时报警（仅在会话内存在，不持久化）
type Alert struct {
	// AlertID 后端分配的 ID，可能为空
	AlertID string `json:"alert_id,omitempty"`
	// Key 列表内唯一键：AlertID，或插入时分配的位置键
	Key        string    `json:"key"`
	PatientID  string    `json:"patient_id"`
	Name       string    `json:"name,omitempty"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message,omitempty"`
	Violations []string  `json:"violations,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Clone 深拷贝 Violations
func (a Alert) Clone() Alert {
	if a.Violations != nil {
		a.Violations = append([]string(nil), a.Violations...)
	}
	return a
}

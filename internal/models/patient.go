package models

import (
	"strings"
	"time"
)

// Status 患者状态
type Status string

const (
	StatusCritical Status = "Critical"
	StatusWarning  Status = "Warning"
	StatusStable   Status = "Stable"
	StatusUnknown  Status = "Unknown"
)

// 未识别状态的排序值
const unknownRank = 999

// ParseStatus 解析后端状态字符串（大小写不敏感）。
// 未识别的值原样保留用于展示，排序时与 Unknown 同级；空值为 Unknown。
func ParseStatus(s string) Status {
	raw := strings.TrimSpace(s)
	switch strings.ToLower(raw) {
	case "critical":
		return StatusCritical
	case "warning":
		return StatusWarning
	case "stable":
		return StatusStable
	case "", "unknown":
		return StatusUnknown
	default:
		return Status(raw)
	}
}

// Known 是否为已识别的状态
func (s Status) Known() bool {
	return SeverityRank(s) != unknownRank
}

// SeverityRank 严重度排序值：Critical=0 < Warning=1 < Stable=2 < 其它=999
func SeverityRank(s Status) int {
	switch s {
	case StatusCritical:
		return 0
	case StatusWarning:
		return 1
	case StatusStable:
		return 2
	default:
		return unknownRank
	}
}

// VitalsSnapshot 某一时刻的生命体征读数（构造后不可修改）
type VitalsSnapshot struct {
	HeartRate   float64   `json:"heart_rate"`
	BPSystolic  float64   `json:"bp_systolic"`
	BPDiastolic float64   `json:"bp_diastolic"`
	SpO2        float64   `json:"spo2"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

// PatientSummary 名单中的患者摘要
type PatientSummary struct {
	PatientID    string          `json:"patient_id"`
	Name         string          `json:"name"`
	Status       Status          `json:"status"`
	LatestVitals *VitalsSnapshot `json:"latest_vitals,omitempty"`
}

// Clone 深拷贝（LatestVitals 单独复制）
func (p PatientSummary) Clone() PatientSummary {
	if p.LatestVitals != nil {
		v := *p.LatestVitals
		p.LatestVitals = &v
	}
	return p
}

// HistoryPoint 历史曲线上的一个点
type HistoryPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	HeartRate   float64   `json:"heart_rate"`
	BPSystolic  float64   `json:"bp_systolic"`
	BPDiastolic float64   `json:"bp_diastolic"`
	SpO2        float64   `json:"spo2"`
	Temperature float64   `json:"temperature"`
}

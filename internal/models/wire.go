package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexFloat 兼容 JSON 数字与数字字符串（后端 Decimal 可能被编码成字符串）
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = FlexFloat(v)
	return nil
}

// timestampLayouts 支持的时间格式；无时区的按 UTC 处理
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp 宽松解析的时间戳：ISO8601 字符串、或 Unix 秒/毫秒
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	if !strings.HasPrefix(s, `"`) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", s, err)
		}
		t.Time = unixToTime(v)
		return nil
	}

	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(str)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp 解析时间字符串（纯数字按 Unix 时间处理）
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return unixToTime(v), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", s)
}

func unixToTime(v float64) time.Time {
	// 大于 1e12 视为毫秒
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// VitalsWire 后端体征记录的公共字段（roster / history / vitalUpdate 共用）
type VitalsWire struct {
	HeartRate   *FlexFloat `json:"heart_rate"`
	BPSystolic  *FlexFloat `json:"bp_systolic"`
	BPDiastolic *FlexFloat `json:"bp_diastolic"`
	SpO2        *FlexFloat `json:"spo2"`
	Temperature *FlexFloat `json:"temperature"`
	Timestamp   *Timestamp `json:"timestamp"`
}

// HasReading 是否包含任一体征数值
func (w VitalsWire) HasReading() bool {
	return w.HeartRate != nil || w.BPSystolic != nil || w.BPDiastolic != nil ||
		w.SpO2 != nil || w.Temperature != nil
}

func value(f *FlexFloat) float64 {
	if f == nil {
		return 0
	}
	return float64(*f)
}

// Time 记录时间（缺失时为零值）
func (w VitalsWire) Time() time.Time {
	if w.Timestamp == nil {
		return time.Time{}
	}
	return w.Timestamp.Time
}

// Snapshot 转换为 VitalsSnapshot
func (w VitalsWire) Snapshot() VitalsSnapshot {
	return VitalsSnapshot{
		HeartRate:   value(w.HeartRate),
		BPSystolic:  value(w.BPSystolic),
		BPDiastolic: value(w.BPDiastolic),
		SpO2:        value(w.SpO2),
		Temperature: value(w.Temperature),
		Timestamp:   w.Time(),
	}
}

// HistoryPoint 转换为 HistoryPoint
func (w VitalsWire) HistoryPoint() HistoryPoint {
	return HistoryPoint{
		Timestamp:   w.Time(),
		HeartRate:   value(w.HeartRate),
		BPSystolic:  value(w.BPSystolic),
		BPDiastolic: value(w.BPDiastolic),
		SpO2:        value(w.SpO2),
		Temperature: value(w.Temperature),
	}
}

// PatientWire roster 记录；体征可以平铺在记录中，也可以放在 latest_vitals 下
type PatientWire struct {
	PatientID    string `json:"patient_id"`
	PatientIDAlt string `json:"patientId"`
	Name         string `json:"name"`
	PatientName  string `json:"patient_name"`
	Status       string `json:"status"`
	VitalsWire
	LatestVitals *VitalsWire `json:"latest_vitals"`
}

// ID 患者 ID（兼容 patientId）
func (w PatientWire) ID() string {
	if w.PatientID != "" {
		return w.PatientID
	}
	return w.PatientIDAlt
}

// Vitals 平铺字段优先，其次 latest_vitals
func (w PatientWire) Vitals() (VitalsSnapshot, bool) {
	if w.VitalsWire.HasReading() {
		return w.VitalsWire.Snapshot(), true
	}
	if w.LatestVitals != nil && w.LatestVitals.HasReading() {
		return w.LatestVitals.Snapshot(), true
	}
	return VitalsSnapshot{}, false
}

// Summary 转换为 PatientSummary
func (w PatientWire) Summary() PatientSummary {
	name := w.Name
	if name == "" {
		name = w.PatientName
	}
	s := PatientSummary{
		PatientID: w.ID(),
		Name:      name,
		Status:    ParseStatus(w.Status),
	}
	if v, ok := w.Vitals(); ok {
		s.LatestVitals = &v
	}
	return s
}

// AlertWire newAlert 的载荷
type AlertWire struct {
	AlertID      string     `json:"alert_id"`
	AlertIDAlt   string     `json:"alertId"`
	PatientID    string     `json:"patient_id"`
	PatientIDAlt string     `json:"patientId"`
	Name         string     `json:"name"`
	PatientName  string     `json:"patient_name"`
	Severity     string     `json:"severity"`
	Message      string     `json:"message"`
	Violations   []string   `json:"violations"`
	Timestamp    *Timestamp `json:"timestamp"`
}

// Alert 转换为 Alert（Key 由 Reconciler 在插入时分配）
func (w AlertWire) Alert() Alert {
	a := Alert{
		AlertID:    w.AlertID,
		PatientID:  w.PatientID,
		Name:       w.Name,
		Severity:   strings.ToUpper(strings.TrimSpace(w.Severity)),
		Message:    w.Message,
		Violations: w.Violations,
	}
	if a.AlertID == "" {
		a.AlertID = w.AlertIDAlt
	}
	if a.PatientID == "" {
		a.PatientID = w.PatientIDAlt
	}
	if a.Name == "" {
		a.Name = w.PatientName
	}
	if w.Timestamp != nil {
		a.Timestamp = w.Timestamp.Time
	}
	return a
}

// PatientDetailResponse GET /patients/{id} 响应（history 为新到旧）
type PatientDetailResponse struct {
	History []VitalsWire `json:"history"`
	Alerts  []AlertWire  `json:"alerts"`
}

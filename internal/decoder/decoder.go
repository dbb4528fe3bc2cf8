package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-monitor/internal/models"
)

// ErrorKind 解码错误类型
type ErrorKind string

const (
	// UnrecognizedAction action 不在已知列表中
	UnrecognizedAction ErrorKind = "UnrecognizedAction"
	// MalformedPayload 无法解析或缺少必填字段
	MalformedPayload ErrorKind = "MalformedPayload"
)

// DecodeError 单条消息解码失败（非致命，丢弃该消息即可）
type DecodeError struct {
	Kind   ErrorKind
	Action string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s (action=%s): %v", e.Kind, e.Action, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsKind 判断 err 是否为指定类型的 DecodeError
func IsKind(err error, kind ErrorKind) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == kind
}

// envelope 推送消息外层 {action, data}
type envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Decoder 推送消息解码器
type Decoder struct {
	now func() time.Time
}

// New 创建解码器
func New() *Decoder {
	return &Decoder{now: time.Now}
}

// Decode 解析一条原始消息，返回 Event 或 *DecodeError
func (d *Decoder) Decode(raw []byte) (models.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Kind: MalformedPayload, Err: fmt.Errorf("invalid envelope: %w", err)}
	}

	action := strings.TrimSpace(env.Action)
	if action == "" {
		return nil, &DecodeError{Kind: MalformedPayload, Err: errors.New("missing action")}
	}

	switch models.EventKind(action) {
	case models.EventNewAlert:
		return d.decodeNewAlert(action, env.Data)
	case models.EventVitalUpdate:
		return d.decodeVitalUpdate(action, env.Data)
	default:
		return nil, &DecodeError{Kind: UnrecognizedAction, Action: action, Err: errors.New("unknown action")}
	}
}

func payloadBytes(data json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("missing data")
	}
	if trimmed[0] != '{' {
		return nil, errors.New("data is not an object")
	}
	return trimmed, nil
}

func (d *Decoder) decodeNewAlert(action string, data json.RawMessage) (models.Event, error) {
	b, err := payloadBytes(data)
	if err != nil {
		return nil, &DecodeError{Kind: MalformedPayload, Action: action, Err: err}
	}

	var w models.AlertWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, &DecodeError{Kind: MalformedPayload, Action: action, Err: err}
	}

	alert := w.Alert()
	if alert.PatientID == "" {
		return nil, &DecodeError{Kind: MalformedPayload, Action: action, Err: errors.New("missing patient_id")}
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.now().UTC()
	}

	return models.NewAlertEvent{Alert: alert}, nil
}

func (d *Decoder) decodeVitalUpdate(action string, data json.RawMessage) (models.Event, error) {
	b, err := payloadBytes(data)
	if err != nil {
		return nil, &DecodeError{Kind: MalformedPayload, Action: action, Err: err}
	}

	// 体征可平铺，也可在 latest_vitals 下
	var p models.PatientWire
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, &DecodeError{Kind: MalformedPayload, Action: action, Err: err}
	}

	patientID := p.ID()
	if patientID == "" {
		return nil, &DecodeError{Kind: MalformedPayload, Action: action, Err: errors.New("missing patient_id")}
	}
	if strings.TrimSpace(p.Status) == "" {
		return nil, &DecodeError{Kind: MalformedPayload, Action: action, Err: errors.New("missing status")}
	}

	vitals, _ := p.Vitals()
	if vitals.Timestamp.IsZero() {
		// 未带时间戳的按接收时间
		vitals.Timestamp = d.now().UTC()
	}

	return models.VitalUpdateEvent{
		PatientID: patientID,
		Status:    models.ParseStatus(p.Status),
		Vitals:    vitals,
	}, nil
}

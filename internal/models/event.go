package models

// EventKind 推送事件类型（对应消息中的 action）
type EventKind string

const (
	EventNewAlert    EventKind = "newAlert"
	EventVitalUpdate EventKind = "vitalUpdate"
)

// Event 解码后的推送事件
type Event interface {
	Kind() EventKind
}

// NewAlertEvent 新报警
type NewAlertEvent struct {
	Alert Alert
}

func (NewAlertEvent) Kind() EventKind { return EventNewAlert }

// VitalUpdateEvent 体征更新（Vitals 整体替换，不按字段合并）
type VitalUpdateEvent struct {
	PatientID string
	Status    Status
	Vitals    VitalsSnapshot
}

func (VitalUpdateEvent) Kind() EventKind { return EventVitalUpdate }

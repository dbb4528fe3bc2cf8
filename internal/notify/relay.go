package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// DefaultAlertTopic 报警转发主题前缀
const DefaultAlertTopic = "monitor/alerts"

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// AlertMessage 转发的报警消息
type AlertMessage struct {
	AlertID    string    `json:"alert_id,omitempty"`
	Key        string    `json:"key"`
	PatientID  string    `json:"patient_id"`
	Name       string    `json:"name,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Message    string    `json:"message,omitempty"`
	Violations []string  `json:"violations,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RelayedAt  time.Time `json:"relayed_at"`
}

// AlertRelay 把新插入的报警异步转发到 MQTT；队列满时丢弃并记录
type AlertRelay struct {
	publisher Publisher
	topic     string
	qos       byte
	logger    *zap.Logger
	now       func() time.Time
	// OnResult 每次发布后回调（用于指标）
	OnResult func(err error)

	queue    chan models.Alert
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAlertRelay 创建报警转发器
func NewAlertRelay(publisher Publisher, topic string, qos byte, queueSize int, logger *zap.Logger) *AlertRelay {
	topic = strings.TrimRight(strings.TrimSpace(topic), "/")
	if topic == "" {
		topic = DefaultAlertTopic
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &AlertRelay{
		publisher: publisher,
		topic:     topic,
		qos:       qos,
		logger:    logger,
		now:       time.Now,
		queue:     make(chan models.Alert, queueSize),
		done:      make(chan struct{}),
	}
}

// Start 启动发布协程
func (r *AlertRelay) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop 发送完队列中剩余的报警后退出
func (r *AlertRelay) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// Enqueue 非阻塞入队；返回 false 表示已停止或队列已满
func (r *AlertRelay) Enqueue(alert models.Alert) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.queue <- alert.Clone():
		return true
	default:
		r.logger.Warn("Alert relay queue full, dropping alert",
			zap.String("alert_key", alert.Key),
			zap.String("patient_id", alert.PatientID),
		)
		return false
	}
}

// TopicFor 报警发布主题：<prefix>/<patient_id>
func (r *AlertRelay) TopicFor(patientID string) string {
	return r.topic + "/" + patientID
}

func (r *AlertRelay) run() {
	defer r.wg.Done()
	for {
		select {
		case alert := <-r.queue:
			r.publish(alert)
		case <-r.done:
			for {
				select {
				case alert := <-r.queue:
					r.publish(alert)
				default:
					return
				}
			}
		}
	}
}

func (r *AlertRelay) publish(alert models.Alert) {
	err := r.Publish(alert)
	if err != nil {
		r.logger.Error("Failed to relay alert",
			zap.String("alert_key", alert.Key),
			zap.String("patient_id", alert.PatientID),
			zap.Error(err),
		)
	}
	if r.OnResult != nil {
		r.OnResult(err)
	}
}

// Publish 同步发布一条报警
func (r *AlertRelay) Publish(alert models.Alert) error {
	msg := AlertMessage{
		AlertID:    alert.AlertID,
		Key:        alert.Key,
		PatientID:  alert.PatientID,
		Name:       alert.Name,
		Severity:   alert.Severity,
		Message:    alert.Message,
		Violations: alert.Violations,
		Timestamp:  alert.Timestamp,
		RelayedAt:  r.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	topic := r.TopicFor(alert.PatientID)
	if err := r.publisher.Publish(topic, r.qos, false, payload); err != nil {
		return err
	}

	r.logger.Debug("Relayed alert",
		zap.String("topic", topic),
		zap.String("alert_key", alert.Key),
	)
	return nil
}

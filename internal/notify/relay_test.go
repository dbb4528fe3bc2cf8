package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockPublisher 是 Publisher 的 mock 实现
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	args := m.Called(topic, qos, retained, payload)
	return args.Error(0)
}

func TestAlertRelay_PublishFormatsMessage(t *testing.T) {
	pub := &MockPublisher{}
	relay := NewAlertRelay(pub, "ward/alerts/", 1, 4, zap.NewNop())
	relay.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC) }

	var payload []byte
	pub.On("Publish", "ward/alerts/P-1", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(3).([]byte) }).
		Return(nil).Once()

	alert := models.Alert{
		AlertID:    "A-1",
		Key:        "A-1",
		PatientID:  "P-1",
		Name:       "Ann",
		Severity:   "CRITICAL",
		Violations: []string{"HR 140"},
		Timestamp:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, relay.Publish(alert))
	pub.AssertExpectations(t)

	var msg AlertMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "A-1", msg.AlertID)
	assert.Equal(t, "P-1", msg.PatientID)
	assert.Equal(t, []string{"HR 140"}, msg.Violations)
	assert.Equal(t, 5*time.Second, msg.RelayedAt.Sub(msg.Timestamp))
}

func TestAlertRelay_DefaultTopic(t *testing.T) {
	relay := NewAlertRelay(&MockPublisher{}, "  ", 0, 0, zap.NewNop())
	assert.Equal(t, "monitor/alerts/P-9", relay.TopicFor("P-9"))
}

func TestAlertRelay_QueueDrainsOnStop(t *testing.T) {
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, byte(0), false, mock.Anything).Return(nil)

	relay := NewAlertRelay(pub, "t", 0, 8, zap.NewNop())
	var mu sync.Mutex
	results := 0
	relay.OnResult = func(err error) {
		mu.Lock()
		results++
		mu.Unlock()
	}
	relay.Start()

	for i := 0; i < 3; i++ {
		assert.True(t, relay.Enqueue(models.Alert{Key: "#1", PatientID: "P-1"}))
	}
	relay.Stop()

	mu.Lock()
	assert.Equal(t, 3, results)
	mu.Unlock()
	pub.AssertNumberOfCalls(t, "Publish", 3)

	assert.False(t, relay.Enqueue(models.Alert{Key: "#2"}))
	relay.Stop()
}

func TestAlertRelay_FullQueueDrops(t *testing.T) {
	relay := NewAlertRelay(&MockPublisher{}, "t", 0, 1, zap.NewNop())
	// 未启动：第一条占满队列
	assert.True(t, relay.Enqueue(models.Alert{Key: "#1"}))
	assert.False(t, relay.Enqueue(models.Alert{Key: "#2"}))
}

func TestAlertRelay_PublishErrorReported(t *testing.T) {
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("not connected"))

	relay := NewAlertRelay(pub, "t", 0, 1, zap.NewNop())
	got := make(chan error, 1)
	relay.OnResult = func(err error) { got <- err }
	relay.Start()
	defer relay.Stop()

	require.True(t, relay.Enqueue(models.Alert{Key: "#1", PatientID: "P-1"}))
	select {
	case err := <-got:
		assert.EqualError(t, err, "not connected")
	case <-time.After(time.Second):
		t.Fatal("publish result not reported")
	}
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-monitor/internal/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrAuth 无法取得凭证，本次未发起连接
	ErrAuth = errors.New("connection: credential unavailable")
	// ErrAlreadyStarted 已启动且未 Stop
	ErrAlreadyStarted = errors.New("connection: already started")
	// ErrStopped 取凭证期间被 Stop（或 ctx 已结束），本次未发起连接
	ErrStopped = errors.New("connection: stopped during start")
)

// DefaultReconnectDelay 意外断开后的固定重连间隔
const DefaultReconnectDelay = 5 * time.Second

// closeCodeStopped 主动 Stop 时上报的关闭码
const closeCodeStopped = websocket.CloseNormalClosure

// SignalKind 生命周期信号类型
type SignalKind string

const (
	SignalConnecting         SignalKind = "connecting"
	SignalOpen               SignalKind = "open"
	SignalClosed             SignalKind = "closed"
	SignalReconnectScheduled SignalKind = "reconnect_scheduled"
	SignalStopped            SignalKind = "stopped"
)

// Signal 生命周期信号
type Signal struct {
	Kind      SignalKind
	SessionID string
	// Code/Reason 仅 SignalClosed 使用
	Code   int
	Reason string
	// Delay 仅 SignalReconnectScheduled 使用
	Delay time.Duration
	// Err 导致断开或重连的错误（可为空）
	Err error
}

// Listener 生命周期信号监听器
type Listener func(Signal)

// MessageHandler 入站文本帧处理函数，按到达顺序在读循环中调用
type MessageHandler func(data []byte)

// Options Manager 配置
type Options struct {
	URL            string
	ReconnectDelay time.Duration
	Dialer         Dialer
	Scheduler      Scheduler
	Logger         *zap.Logger
}

// Manager 维护唯一一条推送通道：意外断开后按固定间隔重连，直到 Stop
type Manager struct {
	url       string
	delay     time.Duration
	dialer    Dialer
	scheduler Scheduler
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	running   bool
	startSeq  uint64 // 每次成功占用 running 时递增
	epoch     uint64
	creds     auth.CredentialProvider
	ctx       context.Context
	cancel    context.CancelFunc
	conn      Conn
	timer     Timer
	sessionID string
	handler   MessageHandler
	listeners []Listener
}

// NewManager 创建连接管理器
func NewManager(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer(10 * time.Second)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		url:       opts.URL,
		delay:     opts.ReconnectDelay,
		dialer:    opts.Dialer,
		scheduler: opts.Scheduler,
		logger:    opts.Logger,
		state:     StateIdle,
	}
}

// OnMessage 注册消息处理函数（Start 前调用）
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// AddListener 注册生命周期监听器
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID 当前（或最近一次）连接尝试的会话 id
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Start 取得凭证并发起连接。凭证不可用时返回 ErrAuth，不发起连接，由调用方重试。
// 取凭证期间被 Stop 或 ctx 已结束时返回 ErrStopped。
// 拨号失败不作为错误返回，按意外断开处理并安排重连。ctx 结束时后续重连随之失败。
func (m *Manager) Start(ctx context.Context, creds auth.CredentialProvider) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.running = true
	m.startSeq++
	seq := m.startSeq
	m.mu.Unlock()

	token, err := auth.RequireToken(ctx, creds)

	m.mu.Lock()
	// 取凭证期间被 Stop，或已被后续的 Start 接管
	if !m.running || m.startSeq != seq {
		m.mu.Unlock()
		return ErrStopped
	}
	if err != nil {
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStopped, ctxErr)
	}
	m.creds = creds
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	epoch, sessionID, ok := m.beginAttemptLocked()
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.dial(runCtx, epoch, sessionID, token)
	return nil
}

// Stop 关闭通道并取消待执行的重连；可重复调用
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.epoch++

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}

	conn := m.conn
	m.conn = nil
	wasOpen := m.state == StateOpen
	if wasOpen {
		m.setStateLocked(StateClosed)
	}
	if m.state != StateIdle {
		m.setStateLocked(StateIdle)
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("Error closing websocket", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if wasOpen {
		m.emit(Signal{Kind: SignalClosed, SessionID: sessionID, Code: closeCodeStopped, Reason: "client stop"})
	}
	m.emit(Signal{Kind: SignalStopped, SessionID: sessionID})
	m.logger.Info("Connection manager stopped", zap.String("session_id", sessionID))
}

// beginAttemptLocked 进入 Connecting 并分配新的 epoch 与会话 id
func (m *Manager) beginAttemptLocked() (uint64, string, bool) {
	if !m.setStateLocked(StateConnecting) {
		return 0, "", false
	}
	m.epoch++
	m.sessionID = uuid.NewString()
	return m.epoch, m.sessionID, true
}

// dial 拨号并在成功后启动读循环；epoch 过期时丢弃结果
func (m *Manager) dial(ctx context.Context, epoch uint64, sessionID, token string) {
	m.emit(Signal{Kind: SignalConnecting, SessionID: sessionID})
	m.logger.Info("Connecting to push channel", zap.String("session_id", sessionID))

	target, err := withToken(m.url, token)
	var conn Conn
	if err == nil {
		conn, err = m.dialer.Dial(ctx, target)
	}

	m.mu.Lock()
	if epoch != m.epoch || !m.running {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.setStateLocked(StateClosed)
		m.scheduleLocked()
		m.mu.Unlock()

		m.logger.Warn("Push channel connect failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		m.emit(Signal{Kind: SignalClosed, SessionID: sessionID, Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Err: err})
		m.emit(Signal{Kind: SignalReconnectScheduled, SessionID: sessionID, Delay: m.delay, Err: err})
		return
	}
	m.conn = conn
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	m.logger.Info("Push channel open", zap.String("session_id", sessionID))
	m.emit(Signal{Kind: SignalOpen, SessionID: sessionID})

	go m.readLoop(epoch, sessionID, conn)
}

// readLoop 逐帧读取并交给处理函数，处理完一帧再读下一帧
func (m *Manager) readLoop(epoch uint64, sessionID string, conn Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(epoch, sessionID, conn, err)
			return
		}

		m.mu.Lock()
		current := epoch == m.epoch && m.running
		handler := m.handler
		m.mu.Unlock()
		if !current {
			return
		}

		if msgType != websocket.TextMessage {
			m.logger.Debug("Ignoring non-text frame",
				zap.String("session_id", sessionID),
				zap.Int("message_type", msgType),
			)
			continue
		}
		if handler != nil {
			handler(data)
		}
	}
}

// handleClose 处理读循环结束；仅当前 epoch 的意外断开会安排重连
func (m *Manager) handleClose(epoch uint64, sessionID string, conn Conn, readErr error) {
	code, reason := closeInfo(readErr)

	m.mu.Lock()
	if epoch != m.epoch || !m.running {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(StateClosed)
	m.scheduleLocked()
	m.mu.Unlock()

	conn.Close()

	m.logger.Warn("Push channel closed unexpectedly",
		zap.String("session_id", sessionID),
		zap.Int("close_code", code),
		zap.String("close_reason", reason),
		zap.Duration("reconnect_delay", m.delay),
	)
	m.emit(Signal{Kind: SignalClosed, SessionID: sessionID, Code: code, Reason: reason, Err: readErr})
	m.emit(Signal{Kind: SignalReconnectScheduled, SessionID: sessionID, Delay: m.delay, Err: readErr})
}

// scheduleLocked 安排一次重连；已有待执行的重连时不重复安排
func (m *Manager) scheduleLocked() {
	if m.timer != nil {
		return
	}
	m.timer = m.scheduler.AfterFunc(m.delay, m.reconnect)
}

// reconnect 重连：重新取凭证，失败则安排下一次
func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if !m.running {
		m.mu.Unlock()
		return
	}
	epoch, sessionID, ok := m.beginAttemptLocked()
	creds, ctx := m.creds, m.ctx
	m.mu.Unlock()
	if !ok {
		return
	}

	token, err := auth.RequireToken(ctx, creds)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAuth, err)

		m.mu.Lock()
		if epoch != m.epoch || !m.running {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateClosed)
		m.scheduleLocked()
		m.mu.Unlock()

		m.logger.Warn("Reconnect skipped, credential unavailable",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		m.emit(Signal{Kind: SignalReconnectScheduled, SessionID: sessionID, Delay: m.delay, Err: err})
		return
	}

	m.dial(ctx, epoch, sessionID, token)
}

// setStateLocked 按转换表切换状态；非法转换记录错误并保持原状态
func (m *Manager) setStateLocked(to State) bool {
	next, err := transition(m.state, to)
	if err != nil {
		m.logger.Error("Rejected connection state transition", zap.Error(err))
		return false
	}
	m.state = next
	return true
}

func (m *Manager) emit(sig Signal) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(sig)
	}
}

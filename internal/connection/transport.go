package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 一条已建立的全双工通道
type Conn interface {
	// ReadMessage 阻塞读取下一帧
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer 建立通道
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialer 基于 gorilla/websocket 的 Dialer
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer 创建 WebSocket Dialer
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial 建立 WebSocket 连接
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{Conn: conn}, nil
}

// wsConn 关闭时先发送 close 帧
type wsConn struct {
	*websocket.Conn
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.Conn.Close()
}

// closeInfo 从读错误中提取关闭码；非 close 帧的错误视为 1006
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// withToken 把凭证放到 token 查询参数
func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Timer 可取消的定时任务
type Timer interface {
	Stop() bool
}

// Scheduler 延迟执行（测试中替换为手动触发）
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler 基于 time.AfterFunc 的 Scheduler
func RealScheduler() Scheduler { return realScheduler{} }

package shared

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace 是 Close 发送关闭帧的最长等待时间。
const closeGrace = time.Second

// WebSocketConn 将 websocket.Conn 适配为 net.Conn，每次 Write 发送一条二进制消息。
type WebSocketConn struct {
	*websocket.Conn

	reader  io.Reader
	writeMu sync.Mutex
}

// NewWebSocketConn 包装一个已经完成握手的 websocket 连接。
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: ws}
}

// Read 读取二进制消息的内容，消息边界对调用方不可见。
// 对端正常关闭时返回 io.EOF。
func (c *WebSocketConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.Conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				return 0, fmt.Errorf("received non-binary message from websocket")
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write 将 b 作为一条二进制消息发送。
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close 先尝试发送关闭帧，再关闭底层连接。
func (c *WebSocketConn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	return c.Conn.Close()
}

// SetDeadline 实现了 net.Conn 接口。
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

var _ net.Conn = (*WebSocketConn)(nil)

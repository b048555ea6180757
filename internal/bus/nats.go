// Package bus 封装与外部 NATS 消息总线的连接
// 命令从 <prefix>.cmd.* 主题进入，事件发布到 <prefix>.evt.* 主题
package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected 连接尚未建立或已断开
var ErrNotConnected = errors.New("not connected to message bus")

// Handler 是订阅消息的处理函数签名
type Handler func(ctx context.Context, data []byte)

// Client 是 NATS 连接的薄封装
// 断线重连交给 nats.go 自身处理，上层只看到发布失败的错误
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
	subs   []*nats.Subscription
}

// Connect 建立到 NATS 的连接，无限重连
func Connect(url string, logger *slog.Logger) (*Client, error) {
	log := logger.With("component", "bus")

	conn, err := nats.Connect(url,
		nats.Name("sort3-simulator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("消息总线连接断开", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("消息总线已重连", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Info("消息总线已连接", "url", conn.ConnectedUrl())
	return &Client{conn: conn, logger: log}, nil
}

// Subscribe 订阅一个主题
// 每条消息在独立的处理上下文中执行，处理函数自己负责不 panic
func (c *Client) Subscribe(ctx context.Context, subject string, handler Handler) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return err
	}

	c.subs = append(c.subs, sub)
	c.logger.Info("已订阅命令主题", "subject", subject)
	return nil
}

// Publish 向主题发布一条消息
func (c *Client) Publish(subject string, data []byte) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.Publish(subject, data)
}

// Close 排空订阅并关闭连接
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("排空消息总线连接失败", "error", err)
	}
}

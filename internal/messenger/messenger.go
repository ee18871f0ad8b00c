// Package messenger 在后台、页面内容层和采集工作者之间传递消息
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabrec/internal/protocol"
)

var (
	// ErrChannelClosed 对端在应答前关闭
	ErrChannelClosed = errors.New("message channel closed before a response was received")

	// ErrReceiverNotReady 对端尚未监听
	ErrReceiverNotReady = errors.New("receiving end does not exist")

	// ErrNoReply 对端已接收消息但超时未应答，处理可能已经发生，不能重发
	ErrNoReply = errors.New("receiver accepted the message but did not reply in time")
)

// IsTransient 可重试的投递错误
// 超时只在消息尚未被接收时出现，ErrNoReply 不在此列
func IsTransient(err error) bool {
	if errors.Is(err, ErrNoReply) {
		return false
	}
	return errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrReceiverNotReady) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ContextUnreachableError 就绪检查和重新注入后对端仍无响应
type ContextUnreachableError struct {
	Target   protocol.Target
	Attempts int
	Err      error
}

func (e *ContextUnreachableError) Error() string {
	return fmt.Sprintf("%s context unreachable after %d pings: %v", e.Target, e.Attempts, e.Err)
}

func (e *ContextUnreachableError) Unwrap() error { return e.Err }

// Handler 处理一条消息并返回应答
type Handler func(ctx context.Context, msg protocol.Message) protocol.Response

// Transport 把消息投递到目标上下文
type Transport interface {
	Deliver(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Response, error)
}

// Reinjector 重新注入页面内容层
type Reinjector interface {
	Reinject(ctx context.Context, target protocol.Target) error
}

// Config 消息器配置
type Config struct {
	Retries        int           // 瞬时错误的重试次数，0 使用默认值，负数不重试
	Backoff        time.Duration // 第 n 次重试前等待 Backoff*n
	ReadyAttempts  int
	ReadyInterval  time.Duration
	RequestTimeout time.Duration // ctx 没有截止时间时使用
	QueuePause     time.Duration // 队首消息投递失败后暂停的时间
	Reinjector     Reinjector
	Logger         *slog.Logger

	// Sleep 可替换的等待函数，ctx 结束时返回错误
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *Config) defaults() {
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.ReadyAttempts <= 0 {
		c.ReadyAttempts = 5
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 200 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.QueuePause <= 0 {
		c.QueuePause = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outbox 某个目标的待发送队列
type outbox struct {
	items     []protocol.Message
	reachable bool
	flushing  bool
}

// Messenger 请求/应答和单向消息，带重试、就绪检查和有序队列
type Messenger struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers []Handler
	queues   map[protocol.Target]*outbox
}

// New 创建消息器
func New(transport Transport, cfg Config) *Messenger {
	cfg.defaults()
	base, cancel := context.WithCancel(context.Background())
	return &Messenger{
		cfg:       cfg,
		transport: transport,
		logger:    cfg.Logger,
		base:      base,
		cancel:    cancel,
		queues:    make(map[protocol.Target]*outbox),
	}
}

// Close 停止后台发送
func (m *Messenger) Close() {
	m.cancel()
}

// Request 发送请求并等待应答
// 投递失败不会返回错误，而是返回失败应答
func (m *Messenger) Request(ctx context.Context, target protocol.Target, msg protocol.Message) protocol.Response {
	resp, err := m.request(ctx, target, msg)
	if err != nil {
		return protocol.Fail(err)
	}
	return resp
}

// request 带重试的投递，err 只表示投递失败
func (m *Messenger) request(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries+1; attempt++ {
		resp, err := m.deliver(ctx, target, msg, m.cfg.RequestTimeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil || attempt > m.cfg.Retries {
			break
		}

		m.logger.Debug("messenger: retrying", "target", target, "type", msg.Type, "attempt", attempt, "error", err)
		if err := m.cfg.Sleep(ctx, m.cfg.Backoff*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return protocol.Response{}, fmt.Errorf("send %s to %s: %w", msg.Type, target, lastErr)
}

func (m *Messenger) deliver(ctx context.Context, target protocol.Target, msg protocol.Message, timeout time.Duration) (protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.transport.Deliver(ctx, target, msg)
}

// Send 单向发送，失败只记录日志
func (m *Messenger) Send(target protocol.Target, msg protocol.Message) {
	go func() {
		resp := m.Request(m.base, target, msg)
		if !resp.Success {
			m.logger.Debug("messenger: send failed", "target", target, "type", msg.Type, "error", resp.Error)
		}
	}()
}

// OnMessage 注册消息处理函数
func (m *Messenger) OnMessage(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Dispatch 把收到的消息交给处理函数
// 返回第一个成功的应答；处理函数 panic 转换为失败应答
func (m *Messenger) Dispatch(ctx context.Context, msg protocol.Message) protocol.Response {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if len(handlers) == 0 {
		return protocol.Fail(ErrReceiverNotReady)
	}

	var first *protocol.Response
	for _, h := range handlers {
		resp := m.call(ctx, h, msg)
		if resp.Success {
			return resp
		}
		if first == nil {
			first = &resp
		}
	}
	return *first
}

func (m *Messenger) call(ctx context.Context, h Handler, msg protocol.Message) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("messenger: handler panic", "type", msg.Type, "panic", r)
			resp = protocol.Failf("handler for %s failed: %v", msg.Type, r)
		}
	}()
	return h(ctx, msg)
}

// EnsureReady ping 目标直到有应答；仍无响应时尝试重新注入一次
func (m *Messenger) EnsureReady(ctx context.Context, target protocol.Target) error {
	err := m.poll(ctx, target)
	if err == nil {
		return nil
	}
	attempts := m.cfg.ReadyAttempts

	if m.cfg.Reinjector != nil && ctx.Err() == nil {
		m.logger.Info("messenger: context not responding, re-injecting", "target", target)
		if rerr := m.cfg.Reinjector.Reinject(ctx, target); rerr != nil {
			m.logger.Warn("messenger: re-inject failed", "target", target, "error", rerr)
		}
		if err = m.poll(ctx, target); err == nil {
			return nil
		}
		attempts += m.cfg.ReadyAttempts
	}
	return &ContextUnreachableError{Target: target, Attempts: attempts, Err: err}
}

func (m *Messenger) poll(ctx context.Context, target protocol.Target) error {
	ping := protocol.NewMessage(protocol.TypePing, nil)
	var lastErr error
	for i := 0; i < m.cfg.ReadyAttempts; i++ {
		resp, err := m.deliver(ctx, target, ping, m.cfg.ReadyInterval)
		if err == nil && resp.Success {
			return nil
		}
		if err == nil {
			err = resp.Err()
		}
		lastErr = err
		if i < m.cfg.ReadyAttempts-1 {
			if serr := m.cfg.Sleep(ctx, m.cfg.ReadyInterval); serr != nil {
				return serr
			}
		}
	}
	return lastErr
}

// Enqueue 加入目标的有序队列，可达时立即开始发送
func (m *Messenger) Enqueue(target protocol.Target, msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(target)
	q.items = append(q.items, msg)
	m.startFlush(target, q)
}

// SetReachable 更新目标可达性，恢复可达时按顺序发送积压消息
func (m *Messenger) SetReachable(target protocol.Target, reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(target)
	q.reachable = reachable
	m.startFlush(target, q)
}

// Pending 队列中的消息数
func (m *Messenger) Pending(target protocol.Target) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(target).items)
}

func (m *Messenger) queue(target protocol.Target) *outbox {
	q, ok := m.queues[target]
	if !ok {
		q = &outbox{reachable: true}
		m.queues[target] = q
	}
	return q
}

// startFlush 调用方持有 mu
func (m *Messenger) startFlush(target protocol.Target, q *outbox) {
	if q.reachable && !q.flushing && len(q.items) > 0 {
		q.flushing = true
		go m.flush(target, q)
	}
}

// flush 依次发送队首消息，失败时留在队首并暂停
func (m *Messenger) flush(target protocol.Target, q *outbox) {
	for {
		m.mu.Lock()
		if !q.reachable || len(q.items) == 0 || m.base.Err() != nil {
			q.flushing = false
			m.mu.Unlock()
			return
		}
		msg := q.items[0]
		m.mu.Unlock()

		resp, err := m.request(m.base, target, msg)
		if err != nil {
			m.logger.Debug("messenger: queued delivery failed, pausing", "target", target, "type", msg.Type, "error", err)
			if m.cfg.Sleep(m.base, m.cfg.QueuePause) != nil {
				m.mu.Lock()
				q.flushing = false
				m.mu.Unlock()
				return
			}
			continue
		}
		if !resp.Success {
			m.logger.Debug("messenger: queued message rejected", "target", target, "type", msg.Type, "error", resp.Error)
		}

		m.mu.Lock()
		q.items = q.items[1:]
		m.mu.Unlock()
	}
}

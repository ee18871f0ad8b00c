package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"tabrec/internal/protocol"
)

// LocalTransport 进程内投递
// 消息和应答都经过 JSON 序列化，各上下文不共享内存；每个目标串行处理
type LocalTransport struct {
	mu      sync.RWMutex
	inboxes map[protocol.Target]*inbox
}

type inbox struct {
	handler Handler
	jobs    chan job
	done    chan struct{}
	once    sync.Once
}

type job struct {
	ctx   context.Context
	data  []byte
	reply chan []byte
}

// NewLocalTransport 创建进程内传输
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{inboxes: make(map[protocol.Target]*inbox)}
}

// Register 注册目标的处理函数，返回注销函数
// 注销后正在等待应答的请求得到 ErrChannelClosed
func (t *LocalTransport) Register(target protocol.Target, h Handler) func() {
	in := &inbox{handler: h, jobs: make(chan job), done: make(chan struct{})}

	t.mu.Lock()
	if old, ok := t.inboxes[target]; ok {
		old.close()
	}
	t.inboxes[target] = in
	t.mu.Unlock()

	go in.serve()

	return func() {
		t.mu.Lock()
		if t.inboxes[target] == in {
			delete(t.inboxes, target)
		}
		t.mu.Unlock()
		in.close()
	}
}

func (in *inbox) close() {
	in.once.Do(func() { close(in.done) })
}

func (in *inbox) serve() {
	for {
		select {
		case <-in.done:
			return
		case j := <-in.jobs:
			j.reply <- in.handle(j)
		}
	}
}

func (in *inbox) handle(j job) []byte {
	var resp protocol.Response
	var msg protocol.Message
	if err := json.Unmarshal(j.data, &msg); err != nil {
		resp = protocol.Failf("malformed message: %v", err)
	} else {
		resp = safeHandle(j.ctx, in.handler, msg)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(protocol.Failf("malformed response: %v", err))
	}
	return data
}

func safeHandle(ctx context.Context, h Handler, msg protocol.Message) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = protocol.Failf("handler for %s failed: %v", msg.Type, r)
		}
	}()
	return h(ctx, msg)
}

// Deliver 投递消息并等待应答
func (t *LocalTransport) Deliver(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Response, error) {
	t.mu.RLock()
	in, ok := t.inboxes[target]
	t.mu.RUnlock()
	if !ok {
		return protocol.Response{}, fmt.Errorf("%s: %w", target, ErrReceiverNotReady)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	j := job{ctx: ctx, data: data, reply: make(chan []byte, 1)}
	select {
	case in.jobs <- j:
	case <-in.done:
		return protocol.Response{}, fmt.Errorf("%s: %w", target, ErrChannelClosed)
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}

	select {
	case raw := <-j.reply:
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return protocol.Response{}, fmt.Errorf("decode response: %w", err)
		}
		return resp, nil
	case <-in.done:
		return protocol.Response{}, fmt.Errorf("%s: %w", target, ErrChannelClosed)
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%s %s: %w (%v)", target, msg.Type, ErrNoReply, ctx.Err())
	}
}

// Router 按目标选择传输方式
type Router struct {
	mu     sync.RWMutex
	routes map[protocol.Target]Transport
}

// NewRouter 创建路由
func NewRouter() *Router {
	return &Router{routes: make(map[protocol.Target]Transport)}
}

// Route 设置目标的传输方式
func (r *Router) Route(target protocol.Target, t Transport) {
	r.mu.Lock()
	r.routes[target] = t
	r.mu.Unlock()
}

// Deliver 实现 Transport
func (r *Router) Deliver(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Response, error) {
	r.mu.RLock()
	t, ok := r.routes[target]
	r.mu.RUnlock()
	if !ok {
		return protocol.Response{}, fmt.Errorf("%s: %w", target, ErrReceiverNotReady)
	}
	return t.Deliver(ctx, target, msg)
}

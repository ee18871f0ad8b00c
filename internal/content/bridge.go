// Package content 页面内容层：注入脚本、选区状态机和页面事件转发
package content

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"tabrec/internal/capture"
	"tabrec/internal/messenger"
	"tabrec/internal/protocol"
)

//go:embed content.js
var contentJS string

// BindingName 页面调用 Go 的绑定函数名
const BindingName = "__tabrec_send"

// receiveJS 调用页面内的消息入口，脚本不存在时返回 null
const receiveJS = `(msg) => window.__tabrec ? window.__tabrec.receive(msg) : null`

// Forwarder 把页面事件送往其他上下文
type Forwarder func(target protocol.Target, msg protocol.Message)

// Config 内容层配置
type Config struct {
	MinSelection   int // 选区最小边长（逻辑像素）
	SelectorBorder int
	Forward        Forwarder
	HideTimeout    time.Duration
	Logger         *slog.Logger
}

// Bridge 连接一个标签页的注入脚本
// 实现 messenger.Transport 和 messenger.Reinjector
type Bridge struct {
	cfg      Config
	logger   *slog.Logger
	selector *capture.Selector

	mu        sync.Mutex
	page      *rod.Page
	tabID     string
	stop      context.CancelFunc
	removeDoc func() error
	selecting bool
	view      capture.ViewContext
}

// NewBridge 创建内容层桥接
func NewBridge(cfg Config) *Bridge {
	if cfg.SelectorBorder == 0 {
		cfg.SelectorBorder = capture.DefaultSelectorBorder
	}
	if cfg.HideTimeout <= 0 {
		cfg.HideTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Forward == nil {
		cfg.Forward = func(protocol.Target, protocol.Message) {}
	}
	return &Bridge{
		cfg:      cfg,
		logger:   cfg.Logger,
		selector: capture.NewSelector(cfg.MinSelection, cfg.SelectorBorder),
	}
}

// Attach 绑定到标签页并注入脚本
// 导航后脚本通过 EvalOnNewDocument 自动重新注入
func (b *Bridge) Attach(ctx context.Context, page *rod.Page) error {
	b.Detach()

	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		b.logger.Warn("content: addBinding failed (may already exist)", "error", err)
	}

	remove, err := page.EvalOnNewDocument(contentJS)
	if err != nil {
		return fmt.Errorf("content: register script: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	wait := page.Context(listenCtx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != BindingName {
			return
		}
		b.receive(e.Payload)
	})
	go wait()

	b.mu.Lock()
	b.page = page
	b.tabID = string(page.TargetID)
	b.stop = cancel
	b.removeDoc = remove
	b.mu.Unlock()

	if _, err := page.Context(ctx).Eval(contentJS); err != nil {
		// 页面可能正在导航，脚本会在新文档中注入
		b.logger.Warn("content: inject failed", "tab", b.tabID, "error", err)
	}

	b.logger.Info("content: attached", "tab", b.tabID)
	return nil
}

// PageSource 提供当前录制目标页面
type PageSource interface {
	ActivePage(ctx context.Context) (*rod.Page, error)
}

// AttachActive 绑定到当前标签页，已绑定同一页面时直接返回
func (b *Bridge) AttachActive(ctx context.Context, src PageSource) (string, error) {
	page, err := src.ActivePage(ctx)
	if err != nil {
		return "", err
	}
	if id := b.TabID(); id != "" && id == string(page.TargetID) {
		return id, nil
	}
	if err := b.Attach(ctx, page); err != nil {
		return "", err
	}
	return string(page.TargetID), nil
}

// Detach 解除绑定
func (b *Bridge) Detach() {
	b.mu.Lock()
	stop, remove := b.stop, b.removeDoc
	b.page, b.tabID, b.stop, b.removeDoc = nil, "", nil, nil
	b.selecting = false
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if remove != nil {
		if err := remove(); err != nil {
			b.logger.Debug("content: remove script failed", "error", err)
		}
	}
}

// TabID 当前绑定的标签页
func (b *Bridge) TabID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabID
}

// Selecting 是否正在选区
func (b *Bridge) Selecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selecting
}

func (b *Bridge) currentPage() *rod.Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

// Deliver 实现 messenger.Transport，只接受内容层目标
func (b *Bridge) Deliver(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Response, error) {
	if target != protocol.TargetContent {
		return protocol.Response{}, fmt.Errorf("content: cannot deliver to %s", target)
	}
	page := b.currentPage()
	if page == nil {
		return protocol.Response{}, fmt.Errorf("content: no tab attached: %w", messenger.ErrReceiverNotReady)
	}

	b.observe(msg)

	res, err := page.Context(ctx).Eval(receiveJS, msg)
	if err != nil {
		if ctx.Err() != nil {
			// 脚本可能已经执行
			return protocol.Response{}, fmt.Errorf("content %s: %w (%v)", msg.Type, messenger.ErrNoReply, ctx.Err())
		}
		return protocol.Response{}, classify(err)
	}
	if res.Value.Nil() {
		return protocol.Response{}, fmt.Errorf("content: script missing: %w", messenger.ErrReceiverNotReady)
	}

	var resp protocol.Response
	if err := res.Value.Unmarshal(&resp); err != nil {
		return protocol.Response{}, fmt.Errorf("content: decode response: %w", err)
	}
	return resp, nil
}

// observe 同步 Go 侧选区状态
func (b *Bridge) observe(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeShowSelector:
		b.selector.Reset()
		b.mu.Lock()
		b.selecting = true
		b.mu.Unlock()
	case protocol.TypeHideSelector:
		b.selector.Escape()
		b.mu.Lock()
		b.selecting = false
		b.mu.Unlock()
	}
}

// Reinject 实现 messenger.Reinjector
func (b *Bridge) Reinject(ctx context.Context, target protocol.Target) error {
	if target != protocol.TargetContent {
		return fmt.Errorf("content: cannot re-inject %s", target)
	}
	page := b.currentPage()
	if page == nil {
		return fmt.Errorf("content: no tab attached: %w", messenger.ErrReceiverNotReady)
	}
	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		b.logger.Debug("content: addBinding on re-inject", "error", err)
	}
	if _, err := page.Context(ctx).Eval(contentJS); err != nil {
		return fmt.Errorf("content: re-inject: %w", classify(err))
	}
	return nil
}

// classify 把 CDP 错误映射为消息层的瞬时错误
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cannot find context"),
		strings.Contains(msg, "execution context was destroyed"),
		strings.Contains(msg, "context with specified id"):
		return fmt.Errorf("%v: %w", err, messenger.ErrReceiverNotReady)
	case strings.Contains(msg, "target closed"),
		strings.Contains(msg, "session closed"),
		strings.Contains(msg, "no target with given id"),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%v: %w", err, messenger.ErrChannelClosed)
	}
	return err
}

// receive 处理页面通过绑定发来的消息
func (b *Bridge) receive(payload string) {
	var msg protocol.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("content: parse binding payload", "error", err)
		return
	}
	b.Handle(msg)
}

// Handle 处理一条页面事件
func (b *Bridge) Handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePointer:
		var p protocol.Pointer
		if err := msg.Decode(&p); err != nil {
			b.logger.Debug("content: bad pointer event", "error", err)
			return
		}
		b.pointer(p)

	case protocol.TypeVisibility:
		b.cfg.Forward(protocol.TargetCapture, msg)
		b.cfg.Forward(protocol.TargetBackground, msg)

	case protocol.TypeViewportInfo:
		b.cfg.Forward(protocol.TargetBackground, msg)

	case protocol.TypeContentReady:
		var ready struct {
			View capture.ViewContext `json:"view"`
		}
		if msg.Decode(&ready) == nil {
			b.mu.Lock()
			b.view = ready.View
			b.mu.Unlock()
		}
		b.cfg.Forward(protocol.TargetBackground, msg)

	default:
		b.logger.Debug("content: unhandled page message", "type", msg.Type)
	}
}

func (b *Bridge) pointer(p protocol.Pointer) {
	b.mu.Lock()
	selecting := b.selecting
	if p.View != nil {
		b.view = *p.View
	}
	view := b.view
	b.mu.Unlock()

	x, y := int(math.Round(p.X)), int(math.Round(p.Y))

	if !selecting {
		switch p.Kind {
		case protocol.PointerMove, protocol.PointerClick:
			b.cfg.Forward(protocol.TargetCapture, protocol.NewMessage(protocol.TypePointer, p))
		}
		return
	}

	switch p.Kind {
	case protocol.PointerDown:
		b.selector.PointerDown(x, y)
	case protocol.PointerDrag:
		b.selector.PointerMove(x, y)
	case protocol.PointerUp:
		sel := b.selector.PointerUp(x, y, view)
		if sel == nil {
			return
		}
		b.endSelection()
		b.logger.Info("content: area selected", "area", sel.Area)
		b.cfg.Forward(protocol.TargetBackground, protocol.NewMessage(protocol.TypeAreaSelected, protocol.AreaSelected{
			CropArea: sel.Area,
			View:     sel.View,
		}))
	case protocol.PointerKey:
		if p.Key != "Escape" {
			return
		}
		b.selector.Escape()
		b.endSelection()
		b.cfg.Forward(protocol.TargetBackground, protocol.NewMessage(protocol.TypeSelectionCancelled, nil))
	}
}

// endSelection 结束选区并移除页面遮罩
func (b *Bridge) endSelection() {
	b.mu.Lock()
	b.selecting = false
	b.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HideTimeout)
		defer cancel()
		if _, err := b.Deliver(ctx, protocol.TargetContent, protocol.NewMessage(protocol.TypeHideSelector, nil)); err != nil {
			b.logger.Debug("content: hide selector failed", "error", err)
		}
	}()
}

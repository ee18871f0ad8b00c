// Package orchestrator 后台控制器：持有偏好和录制状态，把用户命令分派到页面和采集上下文
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabrec/internal/capture"
	"tabrec/internal/protocol"
)

// Phase 后台看到的录制阶段
type Phase int

const (
	PhaseIdle       Phase = iota
	PhaseSelecting        // 等待用户框选
	PhaseStarting         // 已发出启动请求，采集尚未开始
	PhaseRecording        // 录制中（含暂停）
	PhaseFinalizing       // 等待编码完成
)

func (p Phase) String() string {
	switch p {
	case PhaseSelecting:
		return "selecting"
	case PhaseStarting:
		return "starting"
	case PhaseRecording:
		return "recording"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

var (
	// ErrNotRecording 当前没有进行中的录制
	ErrNotRecording = errors.New("no recording in progress")

	// ErrNotSelecting 当前没有进行中的选区
	ErrNotSelecting = errors.New("no area selection in progress")
)

// BusyError 已有录制进行中
type BusyError struct {
	Phase Phase
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("a recording is already %s", e.Phase)
}

// StartError 启动失败，消息面向用户
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return "capture could not start: " + e.Err.Error()
}

func (e *StartError) Unwrap() error { return e.Err }

// Messenger 后台使用的消息能力
type Messenger interface {
	Request(ctx context.Context, target protocol.Target, msg protocol.Message) protocol.Response
	Send(target protocol.Target, msg protocol.Message)
	Enqueue(target protocol.Target, msg protocol.Message)
	EnsureReady(ctx context.Context, target protocol.Target) error
	SetReachable(target protocol.Target, reachable bool)
}

// Tabs 选择并绑定要录制的标签页
type Tabs interface {
	ActiveTab(ctx context.Context) (string, error)
}

// TabsFunc 函数形式的 Tabs
type TabsFunc func(ctx context.Context) (string, error)

// ActiveTab 实现 Tabs
func (f TabsFunc) ActiveTab(ctx context.Context) (string, error) { return f(ctx) }

// PrefsStore 持久化偏好
type PrefsStore interface {
	SavePreferences(p protocol.Preferences) error
}

// Notifier 用户通知
type Notifier interface {
	Notify(title, message string)
}

// Config 后台控制器配置
type Config struct {
	Messenger    Messenger
	Tabs         Tabs
	Preferences  protocol.Preferences
	Store        PrefsStore
	Notifier     Notifier
	ReadyTimeout time.Duration // 等待其他上下文就绪的总时长，默认 10s
	Logger       *slog.Logger
}

// Orchestrator 后台控制器
type Orchestrator struct {
	cfg    Config
	msgr   Messenger
	logger *slog.Logger

	mu        sync.Mutex
	prefs     protocol.Preferences
	phase     Phase
	tabID     string
	view      capture.ViewContext
	stats     protocol.RecordingStats
	hasStats  bool
	last      *protocol.RecordingFinished
	statsSubs []func(protocol.RecordingStats)
	doneSubs  []func(protocol.RecordingFinished)
}

// New 创建后台控制器
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Messenger == nil {
		return nil, fmt.Errorf("orchestrator: messenger is required")
	}
	if cfg.Tabs == nil {
		return nil, fmt.Errorf("orchestrator: tab source is required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Preferences.Normalize()
	return &Orchestrator{
		cfg:    cfg,
		msgr:   cfg.Messenger,
		logger: cfg.Logger,
		prefs:  cfg.Preferences,
	}, nil
}

// Phase 当前阶段
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Preferences 当前偏好
func (o *Orchestrator) Preferences() protocol.Preferences {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prefs
}

// Stats 最近一次录制状态
func (o *Orchestrator) Stats() (protocol.RecordingStats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats, o.hasStats
}

// LastFinished 最近一次录制结果
func (o *Orchestrator) LastFinished() (protocol.RecordingFinished, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return protocol.RecordingFinished{}, false
	}
	return *o.last, true
}

// SubscribeStats 订阅录制状态推送
func (o *Orchestrator) SubscribeStats(fn func(protocol.RecordingStats)) {
	o.mu.Lock()
	o.statsSubs = append(o.statsSubs, fn)
	o.mu.Unlock()
}

// SubscribeFinished 订阅录制结束
func (o *Orchestrator) SubscribeFinished(fn func(protocol.RecordingFinished)) {
	o.mu.Lock()
	o.doneSubs = append(o.doneSubs, fn)
	o.mu.Unlock()
}

// reserve 单飞检查，成功时进入 next 阶段
func (o *Orchestrator) reserve(next Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseIdle {
		return &BusyError{Phase: o.phase}
	}
	o.phase = next
	o.hasStats = false
	return nil
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// startFailed 回到 idle 并通知用户
func (o *Orchestrator) startFailed(err error) error {
	o.setPhase(PhaseIdle)
	serr := &StartError{Err: err}
	o.logger.Warn("orchestrator: start failed", "error", err)
	o.notify("Recording", serr.Error())
	return serr
}

func (o *Orchestrator) notify(title, message string) {
	if o.cfg.Notifier != nil {
		o.cfg.Notifier.Notify(title, message)
	}
}

// StartRecording 开始录制
// 全屏模式直接启动采集；区域模式显示选区，等待 area-selected
func (o *Orchestrator) StartRecording(ctx context.Context, mode protocol.Mode, prefs *protocol.Preferences) error {
	next := PhaseStarting
	switch mode {
	case protocol.ModeFullScreen:
	case protocol.ModeArea:
		next = PhaseSelecting
	default:
		return fmt.Errorf("unknown recording mode %q", mode)
	}

	if err := o.reserve(next); err != nil {
		return err
	}
	if prefs != nil {
		if err := o.setPreferences(*prefs); err != nil {
			o.logger.Warn("orchestrator: persist preferences failed", "error", err)
		}
	}

	readyCtx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()

	tabID, err := o.cfg.Tabs.ActiveTab(readyCtx)
	if err != nil {
		return o.startFailed(err)
	}
	if err := o.msgr.EnsureReady(readyCtx, protocol.TargetContent); err != nil {
		return o.startFailed(err)
	}
	o.msgr.SetReachable(protocol.TargetContent, true)

	view := o.queryView(readyCtx)
	o.mu.Lock()
	o.tabID = tabID
	o.view = view
	o.mu.Unlock()

	if mode == protocol.ModeFullScreen {
		return o.beginCapture(ctx, nil, view)
	}

	resp := o.msgr.Request(readyCtx, protocol.TargetContent, protocol.NewMessage(protocol.TypeShowSelector, nil))
	if !resp.Success {
		return o.startFailed(resp.Err())
	}
	o.logger.Info("orchestrator: waiting for area selection", "tab", tabID)
	return nil
}

// queryView 读取页面视口，失败时使用 DPR 1
func (o *Orchestrator) queryView(ctx context.Context) capture.ViewContext {
	resp := o.msgr.Request(ctx, protocol.TargetContent, protocol.NewMessage(protocol.TypeViewportInfo, nil))
	var view capture.ViewContext
	if !resp.Success {
		o.logger.Debug("orchestrator: viewport query failed", "error", resp.Error)
		return capture.ViewContext{DevicePixelRatio: 1}
	}
	if err := resp.DecodeData(&view); err != nil {
		o.logger.Debug("orchestrator: bad viewport info", "error", err)
		return capture.ViewContext{DevicePixelRatio: 1}
	}
	return view
}

// AreaSelected 用户完成框选
func (o *Orchestrator) AreaSelected(ctx context.Context, sel protocol.AreaSelected) error {
	o.mu.Lock()
	if o.phase != PhaseSelecting {
		o.mu.Unlock()
		return ErrNotSelecting
	}
	o.phase = PhaseStarting
	o.view = sel.View
	o.mu.Unlock()

	area := sel.CropArea
	return o.beginCapture(ctx, &area, sel.View)
}

// SelectionCancelled 用户按 Escape 取消框选
func (o *Orchestrator) SelectionCancelled() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == PhaseSelecting {
		o.phase = PhaseIdle
		o.logger.Info("orchestrator: area selection cancelled")
	}
}

// beginCapture 请求采集上下文启动会话
func (o *Orchestrator) beginCapture(ctx context.Context, crop *capture.LogicalRegion, view capture.ViewContext) error {
	readyCtx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()

	if err := o.msgr.EnsureReady(readyCtx, protocol.TargetCapture); err != nil {
		return o.startFailed(err)
	}

	o.mu.Lock()
	req := protocol.StartCapture{TabID: o.tabID, Crop: crop, View: view, Preferences: o.prefs}
	o.mu.Unlock()

	resp := o.msgr.Request(readyCtx, protocol.TargetCapture, protocol.NewMessage(protocol.TypeStartCapture, req))
	if !resp.Success {
		return o.startFailed(resp.Err())
	}

	o.mu.Lock()
	// 启动失败的结束通知可能先于应答到达
	if o.phase == PhaseStarting {
		o.phase = PhaseRecording
	}
	o.mu.Unlock()
	o.logger.Info("orchestrator: capture started", "tab", req.TabID, "area", crop != nil, "format", req.Preferences.Format)
	return nil
}

// Command 转发录制命令
func (o *Orchestrator) Command(ctx context.Context, cmd protocol.Command) error {
	o.mu.Lock()
	phase := o.phase
	o.mu.Unlock()

	if phase == PhaseSelecting && cmd == protocol.CommandCancel {
		o.SelectionCancelled()
		o.msgr.Enqueue(protocol.TargetContent, protocol.NewMessage(protocol.TypeHideSelector, nil))
		return nil
	}
	if phase == PhaseIdle || phase == PhaseSelecting {
		return ErrNotRecording
	}

	resp := o.msgr.Request(ctx, protocol.TargetCapture, protocol.NewMessage(protocol.TypeRecordingCommand, protocol.RecordingCommand{Command: cmd}))
	if !resp.Success {
		return resp.Err()
	}
	if cmd == protocol.CommandStop {
		o.mu.Lock()
		if o.phase == PhaseRecording {
			o.phase = PhaseFinalizing
		}
		o.mu.Unlock()
	}
	return nil
}

// UpdatePreferences 保存偏好；录制中只推送叠加层开关
func (o *Orchestrator) UpdatePreferences(p protocol.Preferences) error {
	err := o.setPreferences(p)
	o.pushPreferences()
	return err
}

func (o *Orchestrator) setPreferences(p protocol.Preferences) error {
	p.Normalize()
	o.mu.Lock()
	o.prefs = p
	o.mu.Unlock()
	if o.cfg.Store != nil {
		if err := o.cfg.Store.SavePreferences(p); err != nil {
			return fmt.Errorf("orchestrator: save preferences: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) pushPreferences() {
	o.mu.Lock()
	phase, p := o.phase, o.prefs
	o.mu.Unlock()
	if phase == PhaseRecording || phase == PhaseStarting {
		o.msgr.Send(protocol.TargetCapture, protocol.NewMessage(protocol.TypeUpdatePrefs, p))
	}
}

// Toggle 切换叠加层
func (o *Orchestrator) Toggle(t protocol.Type, enabled bool) error {
	o.mu.Lock()
	p := o.prefs
	o.mu.Unlock()
	if err := p.Toggle(t, enabled); err != nil {
		return err
	}
	return o.UpdatePreferences(p)
}

// HighlightArea 触发一次放大镜动画
func (o *Orchestrator) HighlightArea(ctx context.Context, area capture.PhysicalRegion) error {
	if o.Phase() != PhaseRecording {
		return ErrNotRecording
	}
	return o.msgr.Request(ctx, protocol.TargetCapture, protocol.NewMessage(protocol.TypeZoomHighlightArea, area)).Err()
}

// RecordingStats 缓存并广播录制状态
func (o *Orchestrator) RecordingStats(s protocol.RecordingStats) {
	o.mu.Lock()
	o.stats = s
	o.hasStats = true
	subs := append(([]func(protocol.RecordingStats))(nil), o.statsSubs...)
	o.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// RecordingFinished 会话结束：保存成功、取消或失败
func (o *Orchestrator) RecordingFinished(f protocol.RecordingFinished) {
	o.mu.Lock()
	o.phase = PhaseIdle
	o.last = &f
	o.stats = protocol.RecordingStats{State: f.State}
	subs := append(([]func(protocol.RecordingFinished))(nil), o.doneSubs...)
	o.mu.Unlock()

	switch {
	case f.Error == "" && f.State == "finished":
		o.logger.Info("orchestrator: recording saved", "file", f.Path, "size", f.Size, "duration_ms", f.DurationMs)
		o.notify("Recording saved", f.Filename)
	case f.State == "cancelled":
		o.logger.Info("orchestrator: recording cancelled")
	case f.StartFailed:
		msg := (&StartError{Err: errors.New(f.Error)}).Error()
		o.logger.Warn("orchestrator: " + msg)
		o.notify("Recording", msg)
	default:
		o.logger.Error("orchestrator: recording failed", "error", f.Error)
		o.notify("Recording failed", f.Error)
	}

	for _, fn := range subs {
		fn(f)
	}
}

// ViewportInfo 页面视口变化，录制中转发给采集上下文
func (o *Orchestrator) ViewportInfo(v protocol.ViewportInfo) {
	o.mu.Lock()
	o.view.ViewportWidth = v.ViewportWidth
	o.view.ViewportHeight = v.ViewportHeight
	if v.DPR > 0 {
		o.view.DevicePixelRatio = v.DPR
	}
	phase := o.phase
	o.mu.Unlock()

	if phase == PhaseRecording {
		o.msgr.Send(protocol.TargetCapture, protocol.NewMessage(protocol.TypeViewportInfo, v))
	}
}

// Ready 其他上下文宣告就绪或页面可见性变化
func (o *Orchestrator) Ready(target protocol.Target, ready bool) {
	o.logger.Debug("orchestrator: reachability", "target", target, "ready", ready)
	o.msgr.SetReachable(target, ready)
}

// Package render 定时合成录制画面：裁剪源帧并叠加光标、激光笔和放大镜
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gg"

	"tabrec/internal/capture"
	"tabrec/internal/encoder"
)

// 叠加层样式
const (
	CursorRadius   = 8.0
	LaserRadius    = 10.0
	LaserPeriod    = 800 * time.Millisecond
	MagnifierLine  = 3.0
	DefaultZoom    = 2.0
	DefaultZoomFor = 1500 * time.Millisecond
)

// Source 提供最新一帧源画面
type Source interface {
	Latest() (capture.Frame, bool)
}

// Sink 接收合成后的画面
type Sink interface {
	AddFrame(img image.Image) bool
}

// Overlays 叠加层开关
// 放大镜不在此列：是否触发由调用方决定
type Overlays struct {
	Cursor bool
	Laser  bool
}

// Animation 一次放大镜动画，Area 为裁剪区域内的物理坐标
type Animation struct {
	Area     capture.PhysicalRegion
	Scale    float64
	Start    time.Time
	Duration time.Duration
}

// Expired 动画是否已结束
func (a Animation) Expired(now time.Time) bool {
	return now.Sub(a.Start) > a.Duration
}

// Stats 渲染计数
type Stats struct {
	Rendered  int64
	Forwarded int64
	Skipped   int64
}

// Config 渲染循环配置
type Config struct {
	FPS      int
	Crop     capture.PhysicalRegion
	Source   Source
	Sink     Sink
	Overlays Overlays
	Logger   *slog.Logger
	Now      func() time.Time

	// OnCapReached 编码器拒绝帧且已达上限时调用一次
	OnCapReached func()
}

// Loop 固定间隔的合成循环
// 同一时刻只有一个 tick 在执行
type Loop struct {
	cfg      Config
	interval time.Duration
	dc       *gg.Context
	logger   *slog.Logger
	now      func() time.Time

	forwarding atomic.Bool
	rendered   atomic.Int64
	forwarded  atomic.Int64
	skipped    atomic.Int64
	capOnce    sync.Once

	mu       sync.Mutex
	overlays Overlays
	pointer  image.Point
	hasPtr   bool
	anim     *Animation

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New 创建渲染循环，合成画布与裁剪区域同尺寸
func New(cfg Config) (*Loop, error) {
	if cfg.Crop.Empty() {
		return nil, fmt.Errorf("render: %w", &capture.InvalidCropError{
			Width: cfg.Crop.Width, Height: cfg.Crop.Height, Reason: "empty composition surface"})
	}
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("render: source and sink are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Loop{
		cfg:      cfg,
		interval: encoder.FrameInterval(cfg.FPS),
		dc:       gg.NewContext(cfg.Crop.Width, cfg.Crop.Height),
		logger:   cfg.Logger,
		now:      cfg.Now,
		overlays: cfg.Overlays,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	return l, nil
}

// Interval 两次 tick 之间的间隔
func (l *Loop) Interval() time.Duration { return l.interval }

// Start 启动定时器
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.run(ctx)
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.tick(l.now())
		}
	}
}

// Stop 停止定时器并等待当前 tick 结束，可重复调用
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.startOnce.Do(func() { close(l.done) })
		<-l.done
		l.dc.Close()
	})
}

// SetForwarding 是否把合成画面交给编码器
func (l *Loop) SetForwarding(on bool) { l.forwarding.Store(on) }

// SetOverlays 替换叠加层开关
func (l *Loop) SetOverlays(o Overlays) {
	l.mu.Lock()
	l.overlays = o
	l.mu.Unlock()
}

// SetPointer 更新指针位置（裁剪区域内的物理坐标）
func (l *Loop) SetPointer(x, y int) {
	l.mu.Lock()
	l.pointer = image.Pt(x, y)
	l.hasPtr = true
	l.mu.Unlock()
}

// HidePointer 指针离开页面
func (l *Loop) HidePointer() {
	l.mu.Lock()
	l.hasPtr = false
	l.mu.Unlock()
}

// TriggerZoom 开始一次放大镜动画，替换正在进行的动画
func (l *Loop) TriggerZoom(a Animation) {
	if a.Scale <= 1 {
		a.Scale = DefaultZoom
	}
	if a.Duration <= 0 {
		a.Duration = DefaultZoomFor
	}
	if a.Start.IsZero() {
		a.Start = l.now()
	}
	l.mu.Lock()
	l.anim = &a
	l.mu.Unlock()
}

// ZoomActive 放大镜动画是否仍在进行
func (l *Loop) ZoomActive(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anim != nil && !l.anim.Expired(now)
}

// Stats 渲染计数
func (l *Loop) Stats() Stats {
	return Stats{Rendered: l.rendered.Load(), Forwarded: l.forwarded.Load(), Skipped: l.skipped.Load()}
}

// tick 合成一帧；出错只跳过该帧
func (l *Loop) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.skipped.Add(1)
			l.logger.Warn("render: frame skipped", "panic", r)
		}
	}()

	frame, ok := l.cfg.Source.Latest()
	if !ok || frame.Image == nil {
		return
	}

	if err := l.compose(frame.Image, now); err != nil {
		l.skipped.Add(1)
		l.logger.Warn("render: frame skipped", "error", err)
		return
	}
	l.rendered.Add(1)

	if !l.forwarding.Load() {
		return
	}
	if l.cfg.Sink.AddFrame(l.dc.Image()) {
		l.forwarded.Add(1)
		return
	}
	if limiter, ok := l.cfg.Sink.(encoder.CapLimiter); ok && limiter.CapReached() {
		l.capOnce.Do(func() {
			l.logger.Info("render: encoder frame cap reached")
			if l.cfg.OnCapReached != nil {
				go l.cfg.OnCapReached()
			}
		})
	}
}

// compose 在画布上绘制源帧和叠加层
func (l *Loop) compose(src *image.RGBA, now time.Time) error {
	l.mu.Lock()
	overlays, pointer, hasPtr := l.overlays, l.pointer, l.hasPtr
	var anim *Animation
	if l.anim != nil {
		if l.anim.Expired(now) {
			l.anim = nil
		} else {
			a := *l.anim
			anim = &a
		}
	}
	l.mu.Unlock()

	w, h := float64(l.cfg.Crop.Width), float64(l.cfg.Crop.Height)

	cropped := capture.CropImage(src, l.cfg.Crop)
	if cropped.Bounds().Empty() {
		return fmt.Errorf("crop %+v outside frame %v", l.cfg.Crop, src.Bounds())
	}
	l.dc.DrawImageEx(gg.ImageBufFromImage(cropped), gg.DrawImageOptions{DstWidth: w, DstHeight: h})

	if anim != nil {
		if err := l.drawMagnifier(*anim); err != nil {
			return err
		}
	}
	if hasPtr && overlays.Cursor {
		if err := l.drawCursor(pointer); err != nil {
			return err
		}
	}
	if hasPtr && overlays.Laser {
		if err := l.drawLaser(pointer, now); err != nil {
			return err
		}
	}
	return nil
}

// drawMagnifier 把已绘制画面的中心部分放大到动画区域
func (l *Loop) drawMagnifier(a Animation) error {
	dst, err := capture.ClampToBounds(a.Area, l.cfg.Crop.Width, l.cfg.Crop.Height)
	if err != nil {
		return err
	}

	srcW := max(1, int(float64(dst.Width)/a.Scale))
	srcH := max(1, int(float64(dst.Height)/a.Scale))
	cx, cy := dst.X+dst.Width/2, dst.Y+dst.Height/2
	src := image.Rect(cx-srcW/2, cy-srcH/2, cx-srcW/2+srcW, cy-srcH/2+srcH)

	snapshot := gg.ImageBufFromImage(l.dc.Image())
	l.dc.DrawImageEx(snapshot, gg.DrawImageOptions{
		X:             float64(dst.X),
		Y:             float64(dst.Y),
		DstWidth:      float64(dst.Width),
		DstHeight:     float64(dst.Height),
		SrcRect:       &src,
		Interpolation: gg.InterpBilinear,
	})

	l.dc.DrawRectangle(float64(dst.X), float64(dst.Y), float64(dst.Width), float64(dst.Height))
	l.dc.SetRGBA(1, 1, 1, 0.9)
	l.dc.SetLineWidth(MagnifierLine)
	return l.dc.Stroke()
}

// drawCursor 白色实心圆加深色描边
func (l *Loop) drawCursor(p image.Point) error {
	l.dc.DrawCircle(float64(p.X), float64(p.Y), CursorRadius)
	l.dc.SetRGBA(1, 1, 1, 0.85)
	if err := l.dc.FillPreserve(); err != nil {
		return err
	}
	l.dc.SetRGBA(0, 0, 0, 0.8)
	l.dc.SetLineWidth(2)
	return l.dc.Stroke()
}

// drawLaser 红色脉冲光晕加实心中心点
func (l *Loop) drawLaser(p image.Point, now time.Time) error {
	phase := float64(now.UnixMilli()%LaserPeriod.Milliseconds()) / float64(LaserPeriod.Milliseconds())
	pulse := 0.5 + 0.5*math.Sin(2*math.Pi*phase)

	x, y := float64(p.X), float64(p.Y)
	l.dc.DrawCircle(x, y, LaserRadius+4*pulse)
	l.dc.SetRGBA(1, 0.1, 0.1, 0.25+0.35*pulse)
	if err := l.dc.Fill(); err != nil {
		return err
	}
	l.dc.DrawCircle(x, y, 4)
	l.dc.SetRGBA(1, 0, 0, 1)
	return l.dc.Fill()
}

package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"sync"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"
)

// GIFEncoder 累积帧的动图编码器
// 录制期间只缓存帧，Finalize 时并发量化调色板并一次性编码
type GIFEncoder struct {
	mu         sync.Mutex
	cfg        Config
	now        func() time.Time
	frames     []image.Image
	stamps     []time.Time
	maxFrames  int
	minSpacing time.Duration
	encoding   bool
	capReached bool
	estimated  int64
	cancel     context.CancelFunc
	aborted    bool
}

// NewGIFEncoder 创建动图编码器
func NewGIFEncoder() *GIFEncoder {
	return &GIFEncoder{now: time.Now}
}

// Extension 文件扩展名
func (e *GIFEncoder) Extension() string { return "gif" }

// MaxFramesFor 帧数上限 min(fps*maxDuration, HardFrameCap)
func MaxFramesFor(fps, maxDurationSec int) int {
	n := fps * maxDurationSec
	if n <= 0 || n > HardFrameCap {
		n = HardFrameCap
	}
	return n
}

// Initialize 重置缓冲区
func (e *GIFEncoder) Initialize(cfg Config) error {
	cfg.defaults()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("encoder: invalid size %dx%d", cfg.Width, cfg.Height)
	}

	limit := cfg.MaxFrames
	if limit <= 0 || limit > HardFrameCap {
		limit = MaxFramesFor(cfg.FPS, cfg.MaxDurationSec)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.now == nil {
		e.now = time.Now
	}
	e.cfg = cfg
	e.frames = make([]image.Image, 0, limit)
	e.stamps = make([]time.Time, 0, limit)
	e.maxFrames = limit
	// 渲染定时器会提前几毫秒触发，严格按整间隔判断会每隔一帧丢一帧
	// 因此允许四分之一间隔的抖动
	interval := cfg.Interval()
	e.minSpacing = interval - interval/4
	e.encoding = true
	e.capReached = false
	e.estimated = 0
	e.aborted = false
	e.cancel = nil
	return nil
}

// AddFrame 缓存一帧
// 距上一帧过近的帧被丢弃；达到上限后拒绝并标记 CapReached
func (e *GIFEncoder) AddFrame(img image.Image) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.encoding {
		return false
	}
	if len(e.frames) >= e.maxFrames {
		e.capReached = true
		return false
	}

	now := e.now()
	if n := len(e.stamps); n > 0 && now.Sub(e.stamps[n-1]) < e.minSpacing {
		return false
	}

	e.frames = append(e.frames, img)
	e.stamps = append(e.stamps, now)
	b := img.Bounds()
	// 调色板图每像素 1 字节，LZW 压缩后约四分之一
	e.estimated += int64(b.Dx()*b.Dy()) / 4

	if len(e.frames) >= e.maxFrames {
		e.capReached = true
	}
	return true
}

// CapReached 是否已达到帧数上限
func (e *GIFEncoder) CapReached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capReached
}

// Finalize 并发量化所有帧并编码为 GIF
func (e *GIFEncoder) Finalize(ctx context.Context) (*Blob, error) {
	e.mu.Lock()
	if !e.encoding {
		e.mu.Unlock()
		return nil, ErrNotEncoding
	}
	e.encoding = false
	frames, stamps := e.frames, e.stamps
	cfg := e.cfg
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	if len(frames) == 0 {
		return nil, ErrNoFramesRecorded
	}

	paletted, err := e.renderBatch(ctx, cfg, frames)
	if err != nil {
		return nil, err
	}

	anim := &gif.GIF{
		Image:     paletted,
		Delay:     frameDelays(stamps, cfg.Interval()),
		LoopCount: 0,
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("encoder: encode gif: %w", err)
	}
	if buf.Len() == 0 {
		return nil, ErrNoFramesRecorded
	}

	e.mu.Lock()
	e.frames, e.stamps = nil, nil
	e.mu.Unlock()

	return &Blob{Data: buf.Bytes(), MIMEType: "image/gif", Extension: e.Extension(), FrameCount: len(paletted)}, nil
}

// renderBatch 批量合成：多个 worker 并发量化
func (e *GIFEncoder) renderBatch(ctx context.Context, cfg Config, frames []image.Image) ([]*image.Paletted, error) {
	out := make([]*image.Paletted, len(frames))
	jobs := make(chan int)
	var done atomic.Int64
	var wg sync.WaitGroup

	workers := cfg.Workers
	if workers > len(frames) {
		workers = len(frames)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				out[i] = quantize(scaleFrame(frames[i], cfg.MaxWidth), cfg.Quality)
				n := done.Add(1)
				if cfg.OnProgress != nil {
					cfg.OnProgress(float64(n) / float64(len(frames)))
				}
			}
		}()
	}

feed:
	for i := range frames {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	e.mu.Lock()
	aborted := e.aborted
	e.mu.Unlock()
	if aborted {
		return nil, ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Abort 中止缓存或正在进行的批量合成
func (e *GIFEncoder) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = true
	e.encoding = false
	e.frames, e.stamps = nil, nil
	if e.cancel != nil {
		e.cancel()
	}
}

// Status 当前状态
func (e *GIFEncoder) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{FrameCount: len(e.frames), IsEncoding: e.encoding, EstimatedSize: e.estimated}
}

// scaleFrame 宽度超过 maxWidth 时等比缩小
func scaleFrame(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// quantize 转换为调色板图，高画质时使用 Floyd-Steinberg 抖动
func quantize(img image.Image, quality int) *image.Paletted {
	b := img.Bounds()
	p := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), palette.Plan9)
	if quality >= 75 {
		draw.FloydSteinberg.Draw(p, p.Bounds(), img, b.Min)
	} else {
		draw.Draw(p, p.Bounds(), img, b.Min, draw.Src)
	}
	return p
}

// frameDelays 按实际时间戳计算每帧延迟（1/100 秒）
func frameDelays(stamps []time.Time, interval time.Duration) []int {
	delays := make([]int, len(stamps))
	for i := range stamps {
		d := interval
		if i+1 < len(stamps) {
			d = stamps[i+1].Sub(stamps[i])
		}
		cs := int(d / (10 * time.Millisecond))
		if cs < 2 {
			// 多数浏览器把小于 2 的延迟当作 10 处理
			cs = 2
		}
		delays[i] = cs
	}
	return delays
}

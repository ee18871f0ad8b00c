package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"sync"

	"github.com/icza/mjpeg"
)

// trackBuffer 实时轨道缓冲的帧数，写入跟不上时丢帧
const trackBuffer = 8

// StreamEncoder 流式视频编码器（MJPEG/AVI）
// 帧经实时轨道连续写入容器，Finalize 时刷新并关闭
type StreamEncoder struct {
	mu       sync.Mutex
	cfg      Config
	writer   mjpeg.AviWriter
	path     string
	track    chan image.Image
	done     chan struct{}
	encoding bool
	closed   bool
	aborted  bool

	frames int
	bytes  int64
	err    error
}

// NewStreamEncoder 创建流式编码器
func NewStreamEncoder() *StreamEncoder {
	return &StreamEncoder{}
}

// Extension 文件扩展名
func (e *StreamEncoder) Extension() string { return "avi" }

// Initialize 创建临时容器文件并启动写入协程
func (e *StreamEncoder) Initialize(cfg Config) error {
	cfg.defaults()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("encoder: invalid size %dx%d", cfg.Width, cfg.Height)
	}

	f, err := os.CreateTemp(cfg.TempDir, "tabrec-*.avi")
	if err != nil {
		return fmt.Errorf("encoder: create temp file: %w", err)
	}
	path := f.Name()
	f.Close()

	w, err := mjpeg.New(path, int32(cfg.Width), int32(cfg.Height), int32(cfg.FPS))
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("encoder: open avi writer: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.writer = w
	e.path = path
	e.track = make(chan image.Image, trackBuffer)
	e.done = make(chan struct{})
	e.encoding = true
	e.closed = false
	e.aborted = false
	e.frames = 0
	e.bytes = 0
	e.err = nil

	go e.record(e.track, e.done)
	return nil
}

// record 持续把实时轨道上的帧写入容器
func (e *StreamEncoder) record(track <-chan image.Image, done chan<- struct{}) {
	defer close(done)

	var buf bytes.Buffer
	for img := range track {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.cfg.Quality}); err != nil {
			e.cfg.Logger.Warn("encoder: jpeg encode failed", "error", err)
			continue
		}
		if err := e.writer.AddFrame(buf.Bytes()); err != nil {
			e.mu.Lock()
			first := e.err == nil
			if first {
				e.err = err
			}
			e.mu.Unlock()
			e.cfg.Logger.Error("encoder: write frame failed", "error", err)
			if first && e.cfg.OnError != nil {
				go e.cfg.OnError(err)
			}
			continue
		}
		e.mu.Lock()
		e.frames++
		e.bytes += int64(buf.Len())
		e.mu.Unlock()
	}
}

// AddFrame 把帧推入实时轨道；轨道已满时丢弃
func (e *StreamEncoder) AddFrame(img image.Image) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.encoding {
		return false
	}
	select {
	case e.track <- img:
		return true
	default:
		return false
	}
}

// stopTrack 关闭实时轨道，返回是否由本次调用关闭
func (e *StreamEncoder) stopTrack() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.track == nil {
		return false
	}
	e.encoding = false
	e.closed = true
	close(e.track)
	return true
}

// Finalize 刷新缓冲、关闭容器并读回完整文件
func (e *StreamEncoder) Finalize(ctx context.Context) (*Blob, error) {
	if !e.stopTrack() {
		return nil, ErrNotEncoding
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		e.mu.Lock()
		e.aborted = true
		e.mu.Unlock()
		go func() {
			<-e.done
			e.writer.Close()
			os.Remove(e.path)
		}()
		return nil, ctx.Err()
	}

	e.mu.Lock()
	aborted, frames, writeErr := e.aborted, e.frames, e.err
	e.mu.Unlock()

	closeErr := e.writer.Close()
	defer os.Remove(e.path)

	if aborted {
		return nil, ErrAborted
	}
	if frames == 0 {
		return nil, ErrNoFramesRecorded
	}
	if writeErr != nil {
		return nil, fmt.Errorf("encoder: write frames: %w", writeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("encoder: close avi writer: %w", closeErr)
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("encoder: read output: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoFramesRecorded
	}

	return &Blob{Data: data, MIMEType: "video/x-msvideo", Extension: e.Extension(), FrameCount: frames}, nil
}

// Abort 中止编码并删除临时文件
func (e *StreamEncoder) Abort() {
	e.mu.Lock()
	e.aborted = true
	e.mu.Unlock()

	if !e.stopTrack() {
		return
	}
	<-e.done
	e.writer.Close()
	os.Remove(e.path)
}

// Status 当前状态
func (e *StreamEncoder) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{FrameCount: e.frames, IsEncoding: e.encoding, EstimatedSize: e.bytes}
}

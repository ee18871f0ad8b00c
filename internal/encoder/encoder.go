// Package encoder 把合成后的画面编码为可下载的文件
package encoder

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"time"
)

var (
	// ErrNoFramesRecorded 没有任何帧，不生成文件
	ErrNoFramesRecorded = errors.New("no frames recorded")

	// ErrAborted 编码被中止
	ErrAborted = errors.New("encoding aborted")

	// ErrNotEncoding 编码器未初始化或已结束
	ErrNotEncoding = errors.New("encoder is not running")
)

const (
	// HardFrameCap 累积编码器最多缓存的帧数
	HardFrameCap = 600

	// DefaultMaxDurationSec 累积编码器默认最长录制时长
	DefaultMaxDurationSec = 30
)

// Config 编码配置
type Config struct {
	Width          int
	Height         int
	FPS            int
	Quality        int // JPEG 质量 1-100，GIF 用于决定是否抖动
	MaxDurationSec int
	MaxFrames      int // 0 表示按 FPS*MaxDurationSec 计算
	MaxWidth       int // GIF 输出最大宽度，0 不缩放
	Workers        int // GIF 合成并发数
	TempDir        string

	// OnProgress 批量合成进度回调（0-1），可能在任意 goroutine 中调用
	OnProgress func(progress float64)

	// OnError 录制中写入失败时调用一次，在独立 goroutine 中执行
	OnError func(err error)

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.Quality < 1 || c.Quality > 100 {
		c.Quality = 75
	}
	if c.MaxDurationSec <= 0 {
		c.MaxDurationSec = DefaultMaxDurationSec
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Interval 帧间隔，与渲染循环保持一致
func (c *Config) Interval() time.Duration {
	return FrameInterval(c.FPS)
}

// FrameInterval max(15ms, round(1000/fps) ms)
func FrameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	ms := (1000 + fps/2) / fps
	if ms < 15 {
		ms = 15
	}
	return time.Duration(ms) * time.Millisecond
}

// Status 编码器状态
type Status struct {
	FrameCount    int   `json:"frameCount"`
	IsEncoding    bool  `json:"isEncoding"`
	EstimatedSize int64 `json:"estimatedSize"`
}

// Blob 最终生成的文件内容
type Blob struct {
	Data       []byte
	MIMEType   string
	Extension  string
	FrameCount int
}

// Encoder 统一的编码器接口
type Encoder interface {
	Initialize(cfg Config) error

	// AddFrame 提交一帧，返回是否被接受
	AddFrame(img image.Image) bool

	// Finalize 结束编码并返回文件内容
	Finalize(ctx context.Context) (*Blob, error)

	// Abort 中止编码并释放资源，可重复调用
	Abort()

	Status() Status

	Extension() string
}

// CapLimiter 有帧数上限的编码器
type CapLimiter interface {
	CapReached() bool
}

package protocol

import (
	"fmt"
	"strings"

	"tabrec/internal/capture"
)

// Mode 录制模式
type Mode string

const (
	ModeFullScreen Mode = "full-screen"
	ModeArea       Mode = "area"
)

// Command 录制控制命令
type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
	CommandCancel Command = "cancel"
)

// ParseCommand 解析命令字符串
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandPause, CommandResume, CommandStop, CommandCancel:
		return c, nil
	}
	return "", fmt.Errorf("unknown recording command %q", s)
}

// Format 输出格式
type Format string

const (
	FormatVideo Format = "video" // 流式视频编码
	FormatGIF   Format = "gif"   // 累积帧动图编码
)

// Quality 画质档位
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// JPEGQuality 画质档位对应的 JPEG 质量
func (q Quality) JPEGQuality() int {
	switch q {
	case QualityLow:
		return 50
	case QualityHigh:
		return 90
	default:
		return 75
	}
}

// Preferences 用户录制偏好
type Preferences struct {
	FPS           int     `json:"fps" yaml:"fps"`
	Quality       Quality `json:"quality" yaml:"quality"`
	Audio         bool    `json:"audio" yaml:"audio"`
	Cursor        bool    `json:"cursor" yaml:"cursor"`
	Laser         bool    `json:"laser" yaml:"laser"`
	ZoomHighlight bool    `json:"zoomHighlight" yaml:"zoomHighlight"`
	ClickZoom     bool    `json:"clickZoom" yaml:"clickZoom"`
	Format        Format  `json:"format" yaml:"format"`
}

// DefaultPreferences 默认偏好
func DefaultPreferences() Preferences {
	return Preferences{
		FPS:     30,
		Quality: QualityMedium,
		Cursor:  true,
		Format:  FormatVideo,
	}
}

// Normalize 修正非法取值
func (p *Preferences) Normalize() {
	defaults := DefaultPreferences()
	if p.FPS < 1 || p.FPS > 60 {
		p.FPS = defaults.FPS
	}
	switch p.Quality {
	case QualityLow, QualityMedium, QualityHigh:
	default:
		p.Quality = defaults.Quality
	}
	switch p.Format {
	case FormatVideo, FormatGIF:
	default:
		p.Format = defaults.Format
	}
}

// WithOverlays 只替换叠加层开关，格式和帧率保持不变
func (p Preferences) WithOverlays(next Preferences) Preferences {
	p.Cursor = next.Cursor
	p.Laser = next.Laser
	p.ZoomHighlight = next.ZoomHighlight
	p.ClickZoom = next.ClickZoom
	return p
}

// Toggle 按开关消息类型修改对应的叠加层
func (p *Preferences) Toggle(t Type, enabled bool) error {
	switch t {
	case TypeToggleCursor:
		p.Cursor = enabled
	case TypeToggleLaser:
		p.Laser = enabled
	case TypeToggleZoom:
		p.ZoomHighlight = enabled
	case TypeToggleElementZoom:
		p.ClickZoom = enabled
	default:
		return fmt.Errorf("protocol: %s is not an overlay toggle", t)
	}
	return nil
}

// StartRecording start-recording 载荷
type StartRecording struct {
	Mode        Mode         `json:"mode"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

// AreaSelected area-selected 载荷，CropArea 为逻辑像素
type AreaSelected struct {
	CropArea capture.LogicalRegion `json:"cropArea"`
	View     capture.ViewContext   `json:"view"`
}

// StartCapture 发给采集工作者的启动请求
type StartCapture struct {
	TabID       string                 `json:"tabId"`
	Crop        *capture.LogicalRegion `json:"crop,omitempty"`
	View        capture.ViewContext    `json:"view"`
	Preferences Preferences            `json:"preferences"`
}

// RecordingCommand recording-command 载荷
type RecordingCommand struct {
	Command Command `json:"command"`
}

// RecordingStats 周期性推送的录制状态
type RecordingStats struct {
	Duration    int64   `json:"duration"` // 毫秒
	Size        int64   `json:"size"`
	IsRecording bool    `json:"isRecording"`
	IsPaused    bool    `json:"isPaused"`
	FrameCount  int     `json:"frameCount"`
	State       string  `json:"state,omitempty"`
	Progress    float64 `json:"progress,omitempty"` // GIF 合成进度 0-1
}

// RecordingFinished 录制结束通知
type RecordingFinished struct {
	ID         string `json:"id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Path       string `json:"path,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Size       int64  `json:"size,omitempty"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`

	// StartFailed 会话在开始采集前失败
	StartFailed bool `json:"startFailed,omitempty"`
}

// ViewportInfo viewport-info 载荷
type ViewportInfo struct {
	ViewportWidth  int     `json:"viewportWidth"`
	ViewportHeight int     `json:"viewportHeight"`
	DPR            float64 `json:"dpr"`
}

// Toggle 叠加层开关载荷
type Toggle struct {
	Enabled bool `json:"enabled"`
}

// PointerKind 指针事件类型
type PointerKind string

const (
	PointerMove  PointerKind = "move"
	PointerClick PointerKind = "click"
	PointerDown  PointerKind = "select-down"
	PointerDrag  PointerKind = "select-move"
	PointerUp    PointerKind = "select-up"
	PointerKey   PointerKind = "key"
)

// Pointer 页面指针/按键事件，坐标为视口内的逻辑像素
type Pointer struct {
	Kind PointerKind          `json:"kind"`
	X    float64              `json:"x"`
	Y    float64              `json:"y"`
	Key  string               `json:"key,omitempty"`
	View *capture.ViewContext `json:"view,omitempty"`
}

// Visibility 页面可见性变化
type Visibility struct {
	Visible bool `json:"visible"`
}

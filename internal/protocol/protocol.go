// Package protocol 定义各执行上下文之间传递的消息格式
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Target 消息的目标上下文
type Target string

const (
	TargetBackground Target = "background" // 后台控制器
	TargetContent    Target = "content"    // 页面内容层
	TargetCapture    Target = "capture"    // 采集/编码工作者
)

// Type 消息类型
type Type string

const (
	TypeStartRecording    Type = "start-recording"
	TypeAreaSelected      Type = "area-selected"
	TypeRecordingCommand  Type = "recording-command"
	TypeRecordingStats    Type = "recording-stats"
	TypeUpdatePrefs       Type = "update-prefs"
	TypeViewportInfo      Type = "viewport-info"
	TypeToggleLaser       Type = "toggle-laser"
	TypeToggleCursor      Type = "toggle-cursor"
	TypeToggleZoom        Type = "toggle-zoom-highlight"
	TypeToggleElementZoom Type = "toggle-element-zoom"
	TypeZoomHighlightArea Type = "zoom-highlight-area"
	TypeContentReady      Type = "content-script-ready"
	TypeOffscreenReady    Type = "offscreen-ready"
	TypePing              Type = "ping"

	TypeStartCapture       Type = "start-capture"
	TypePointer            Type = "pointer"
	TypeShowSelector       Type = "show-selector"
	TypeHideSelector       Type = "hide-selector"
	TypeSelectionCancelled Type = "selection-cancelled"
	TypeVisibility         Type = "visibility"
	TypeRecordingFinished  Type = "recording-finished"
)

// Message 跨上下文消息，载荷始终以 JSON 序列化
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage 创建消息
// 载荷都是本包定义的结构体，序列化不会失败
func NewMessage(t Type, payload any) Message {
	msg := Message{Type: t}
	if payload != nil {
		data, _ := json.Marshal(payload)
		msg.Payload = data
	}
	return msg
}

// Decode 解析消息载荷
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("protocol: %s: %w", m.Type, err)
	}
	return nil
}

// Response 请求的应答，失败时 Success 为 false 并携带 Error
type Response struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// OK 成功应答
func OK(data any) Response {
	resp := Response{Success: true, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

// Fail 失败应答
func Fail(err error) Response {
	if err == nil {
		return Response{Success: false, Error: "unknown error"}
	}
	return Response{Success: false, Error: err.Error()}
}

// Failf 格式化的失败应答
func Failf(format string, args ...any) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Err 将失败应答转换为 error
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("request failed")
	}
	return fmt.Errorf("%s", r.Error)
}

// DecodeData 解析应答数据
func (r Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("protocol: empty response data")
	}
	return json.Unmarshal(r.Data, v)
}

// Package session 管理一次录制的完整生命周期
package session

import (
	"errors"
	"fmt"
	"time"

	"tabrec/internal/capture"
	"tabrec/internal/protocol"
)

// State 录制状态
type State int

const (
	StateIdle State = iota
	StateAcquiringStream
	StateDetectingOffset
	StateCapturing
	StatePaused
	StateFinalizing
	StateFinished
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateAcquiringStream: "acquiring-stream",
	StateDetectingOffset: "detecting-offset",
	StateCapturing:       "capturing",
	StatePaused:          "paused",
	StateFinalizing:      "finalizing",
	StateFinished:        "finished",
	StateCancelled:       "cancelled",
	StateFailed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal 终止状态
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateFailed
}

// Busy 占用采集资源的状态，此时不能开始新的录制
func (s State) Busy() bool {
	return !s.Terminal() && s != StateIdle
}

var (
	// ErrFirstFrameTimeout 等待第一帧超时
	ErrFirstFrameTimeout = errors.New("timed out waiting for the first video frame")

	// ErrNoSession 没有正在进行的录制
	ErrNoSession = errors.New("no recording in progress")

	// ErrCancelled 启动过程中被取消
	ErrCancelled = errors.New("recording cancelled")
)

// StreamAcquisitionError 平台拒绝采集
type StreamAcquisitionError struct {
	TabID string
	Err   error
}

func (e *StreamAcquisitionError) Error() string {
	return fmt.Sprintf("could not acquire capture stream for tab %s: %v", e.TabID, e.Err)
}

func (e *StreamAcquisitionError) Unwrap() error { return e.Err }

// TransitionError 当前状态下命令无效
type TransitionError struct {
	Command string
	From    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Command, e.From)
}

// Session 一次录制，只由 Controller 修改
type Session struct {
	ID               string
	State            State
	StartedAt        time.Time
	PausedAt         time.Time
	AccumulatedPause time.Duration
	EndedAt          time.Time

	TabID       string
	Format      protocol.Format
	Crop        capture.PhysicalRegion
	Offset      capture.ContentOffset
	View        capture.ViewContext
	Preferences protocol.Preferences

	FrameCount int
	TotalBytes int64
	Err        error
}

// Duration 有效录制时长：扣除所有暂停，结束后固定不变
func (s *Session) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		now = s.EndedAt
	}
	d := now.Sub(s.StartedAt) - s.AccumulatedPause
	if !s.PausedAt.IsZero() {
		d -= now.Sub(s.PausedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

// pause 记录暂停时刻
func (s *Session) pause(now time.Time) {
	s.PausedAt = now
}

// resume 累计暂停时长
func (s *Session) resume(now time.Time) {
	if s.PausedAt.IsZero() {
		return
	}
	s.AccumulatedPause += now.Sub(s.PausedAt)
	s.PausedAt = time.Time{}
}

// end 固定结束时刻，未恢复的暂停计入累计
func (s *Session) end(now time.Time, state State) {
	s.resume(now)
	if s.EndedAt.IsZero() {
		s.EndedAt = now
	}
	s.State = state
}

package session

import (
	"context"
	"log/slog"

	"tabrec/internal/capture"
	"tabrec/internal/protocol"
)

// Worker 采集上下文的消息入口
type Worker struct {
	ctrl   *Controller
	logger *slog.Logger
}

// NewWorker 创建采集工作者
func NewWorker(ctrl *Controller, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{ctrl: ctrl, logger: logger}
}

// Controller 底层状态机
func (w *Worker) Controller() *Controller { return w.ctrl }

// Handle 处理一条消息，错误都转换为失败应答
func (w *Worker) Handle(ctx context.Context, msg protocol.Message) protocol.Response {
	switch msg.Type {
	case protocol.TypePing:
		return protocol.OK(nil)

	case protocol.TypeStartCapture:
		var req protocol.StartCapture
		if err := msg.Decode(&req); err != nil {
			return protocol.Fail(err)
		}
		// 等待第一帧可能需要数秒，启动在后台完成，期间仍可接收取消命令
		id, err := w.ctrl.StartAsync(req)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(map[string]string{"session": id})

	case protocol.TypeRecordingCommand:
		var cmd protocol.RecordingCommand
		if err := msg.Decode(&cmd); err != nil {
			return protocol.Fail(err)
		}
		if err := w.command(cmd.Command); err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(nil)

	case protocol.TypeRecordingStats:
		stats, ok := w.ctrl.Stats()
		if !ok {
			return protocol.Fail(ErrNoSession)
		}
		return protocol.OK(stats)

	case protocol.TypeUpdatePrefs:
		var p protocol.Preferences
		if err := msg.Decode(&p); err != nil {
			return protocol.Fail(err)
		}
		w.ctrl.UpdatePreferences(p)
		return protocol.OK(nil)

	case protocol.TypeToggleCursor, protocol.TypeToggleLaser, protocol.TypeToggleZoom, protocol.TypeToggleElementZoom:
		var t protocol.Toggle
		if err := msg.Decode(&t); err != nil {
			return protocol.Fail(err)
		}
		if err := w.ctrl.SetOverlay(msg.Type, t.Enabled); err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(nil)

	case protocol.TypeZoomHighlightArea:
		var area capture.PhysicalRegion
		if err := msg.Decode(&area); err != nil {
			return protocol.Fail(err)
		}
		if err := w.ctrl.HighlightArea(area); err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(nil)

	case protocol.TypePointer:
		var p protocol.Pointer
		if err := msg.Decode(&p); err != nil {
			return protocol.Fail(err)
		}
		w.ctrl.SetPointer(p)
		return protocol.OK(nil)

	case protocol.TypeVisibility:
		var v protocol.Visibility
		if err := msg.Decode(&v); err != nil {
			return protocol.Fail(err)
		}
		w.ctrl.SetVisible(v.Visible)
		return protocol.OK(nil)

	case protocol.TypeViewportInfo:
		var v protocol.ViewportInfo
		if err := msg.Decode(&v); err != nil {
			return protocol.Fail(err)
		}
		w.ctrl.SetViewport(v)
		return protocol.OK(nil)
	}

	w.logger.Debug("session: unhandled message", "type", msg.Type)
	return protocol.Failf("unknown message type %q", msg.Type)
}

func (w *Worker) command(cmd protocol.Command) error {
	switch cmd {
	case protocol.CommandPause:
		return w.ctrl.Pause()
	case protocol.CommandResume:
		return w.ctrl.Resume()
	case protocol.CommandStop:
		// 结果通过 OnFinished 送回后台
		_, err := w.ctrl.Stop(context.Background())
		return err
	case protocol.CommandCancel:
		return w.ctrl.Cancel()
	}
	_, err := protocol.ParseCommand(string(cmd))
	return err
}

package orchestrator

import (
	"context"

	"tabrec/internal/capture"
	"tabrec/internal/protocol"
)

// Handle 后台上下文的消息入口
func (o *Orchestrator) Handle(ctx context.Context, msg protocol.Message) protocol.Response {
	switch msg.Type {
	case protocol.TypePing:
		return protocol.OK(nil)

	case protocol.TypeStartRecording:
		var req protocol.StartRecording
		if err := msg.Decode(&req); err != nil {
			return protocol.Fail(err)
		}
		return result(o.StartRecording(ctx, req.Mode, req.Preferences))

	case protocol.TypeAreaSelected:
		var sel protocol.AreaSelected
		if err := msg.Decode(&sel); err != nil {
			return protocol.Fail(err)
		}
		// 选区来自页面事件，启动过程不应阻塞页面上下文的投递
		go func() {
			if err := o.AreaSelected(context.Background(), sel); err != nil {
				o.logger.Warn("orchestrator: area selection not started", "error", err)
			}
		}()
		return protocol.OK(nil)

	case protocol.TypeSelectionCancelled:
		o.SelectionCancelled()
		return protocol.OK(nil)

	case protocol.TypeRecordingCommand:
		var req protocol.RecordingCommand
		if err := msg.Decode(&req); err != nil {
			return protocol.Fail(err)
		}
		cmd, err := protocol.ParseCommand(string(req.Command))
		if err != nil {
			return protocol.Fail(err)
		}
		return result(o.Command(ctx, cmd))

	case protocol.TypeUpdatePrefs:
		var p protocol.Preferences
		if err := msg.Decode(&p); err != nil {
			return protocol.Fail(err)
		}
		return result(o.UpdatePreferences(p))

	case protocol.TypeToggleCursor, protocol.TypeToggleLaser, protocol.TypeToggleZoom, protocol.TypeToggleElementZoom:
		var t protocol.Toggle
		if err := msg.Decode(&t); err != nil {
			return protocol.Fail(err)
		}
		return result(o.Toggle(msg.Type, t.Enabled))

	case protocol.TypeZoomHighlightArea:
		var area capture.PhysicalRegion
		if err := msg.Decode(&area); err != nil {
			return protocol.Fail(err)
		}
		return result(o.HighlightArea(ctx, area))

	case protocol.TypeRecordingStats:
		// 采集上下文推送的状态带载荷，界面查询不带
		if len(msg.Payload) == 0 {
			stats, ok := o.Stats()
			if !ok {
				return protocol.Fail(ErrNotRecording)
			}
			return protocol.OK(stats)
		}
		var s protocol.RecordingStats
		if err := msg.Decode(&s); err != nil {
			return protocol.Fail(err)
		}
		o.RecordingStats(s)
		return protocol.OK(nil)

	case protocol.TypeRecordingFinished:
		var f protocol.RecordingFinished
		if err := msg.Decode(&f); err != nil {
			return protocol.Fail(err)
		}
		o.RecordingFinished(f)
		return protocol.OK(nil)

	case protocol.TypeViewportInfo:
		var v protocol.ViewportInfo
		if err := msg.Decode(&v); err != nil {
			return protocol.Fail(err)
		}
		o.ViewportInfo(v)
		return protocol.OK(nil)

	case protocol.TypeContentReady:
		o.Ready(protocol.TargetContent, true)
		return protocol.OK(nil)

	case protocol.TypeOffscreenReady:
		o.Ready(protocol.TargetCapture, true)
		return protocol.OK(nil)

	case protocol.TypeVisibility:
		var v protocol.Visibility
		if err := msg.Decode(&v); err != nil {
			return protocol.Fail(err)
		}
		o.Ready(protocol.TargetContent, v.Visible)
		return protocol.OK(nil)
	}

	o.logger.Debug("orchestrator: unhandled message", "type", msg.Type)
	return protocol.Failf("unknown message type %q", msg.Type)
}

func result(err error) protocol.Response {
	if err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK(nil)
}

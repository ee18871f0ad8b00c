package tray

import (
	"bytes"
	"encoding/binary"
	"testing"

	"tabrec/internal/protocol"
)

func TestStatusText(t *testing.T) {
	tests := []struct {
		name  string
		stats protocol.RecordingStats
		want  string
	}{
		{"idle", protocol.RecordingStats{}, "TabRec - 空闲"},
		{"recording", protocol.RecordingStats{IsRecording: true, Duration: 65400, FrameCount: 1962, Size: 3 << 20}, "TabRec - 录制中 1m5s, 1962 帧, 3.0 MB"},
		{"paused", protocol.RecordingStats{IsRecording: true, IsPaused: true, Duration: 2000, FrameCount: 60, Size: 2048}, "TabRec - 已暂停 2s, 60 帧, 2.0 KB"},
		{"encoding", protocol.RecordingStats{IsRecording: true, Duration: 1000, FrameCount: 10, Size: 12, Progress: 0.42}, "TabRec - 录制中 1s, 10 帧, 12 B, 合成 42%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusText(tt.stats); got != tt.want {
				t.Errorf("StatusText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIcons(t *testing.T) {
	for name, data := range map[string][]byte{"idle": iconIdle(), "recording": iconRecording()} {
		if !bytes.Equal(data[:6], []byte{0, 0, 1, 0, 1, 0}) {
			t.Errorf("%s: bad ICO header % x", name, data[:6])
		}
		size := binary.LittleEndian.Uint32(data[14:18])
		if int(size)+22 != len(data) {
			t.Errorf("%s: directory size %d, file %d", name, size, len(data))
		}
	}
	if bytes.Equal(iconIdle(), iconRecording()) {
		t.Error("idle and recording icons are identical")
	}
}

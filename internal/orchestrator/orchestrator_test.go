package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"tabrec/internal/capture"
	"tabrec/internal/protocol"
)

type sent struct {
	target protocol.Target
	msg    protocol.Message
}

// fakeMessenger 记录所有发出的消息，按目标和类型返回预设应答
type fakeMessenger struct {
	mu        sync.Mutex
	requests  []sent
	sends     []sent
	queued    []sent
	reachable map[protocol.Target]bool
	notReady  map[protocol.Target]error
	replies   map[protocol.Type]protocol.Response
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		reachable: make(map[protocol.Target]bool),
		notReady:  make(map[protocol.Target]error),
		replies: map[protocol.Type]protocol.Response{
			protocol.TypeViewportInfo: protocol.OK(capture.ViewContext{DevicePixelRatio: 2, ViewportWidth: 800, ViewportHeight: 600}),
		},
	}
}

func (f *fakeMessenger) Request(_ context.Context, target protocol.Target, msg protocol.Message) protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, sent{target, msg})
	if resp, ok := f.replies[msg.Type]; ok {
		return resp
	}
	return protocol.OK(nil)
}

func (f *fakeMessenger) Send(target protocol.Target, msg protocol.Message) {
	f.mu.Lock()
	f.sends = append(f.sends, sent{target, msg})
	f.mu.Unlock()
}

func (f *fakeMessenger) Enqueue(target protocol.Target, msg protocol.Message) {
	f.mu.Lock()
	f.queued = append(f.queued, sent{target, msg})
	f.mu.Unlock()
}

func (f *fakeMessenger) EnsureReady(_ context.Context, target protocol.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notReady[target]
}

func (f *fakeMessenger) SetReachable(target protocol.Target, reachable bool) {
	f.mu.Lock()
	f.reachable[target] = reachable
	f.mu.Unlock()
}

func (f *fakeMessenger) requested(t protocol.Type) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.requests {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeMessenger) sent(t protocol.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sends {
		if s.msg.Type == t {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(title, message string) {
	n.mu.Lock()
	n.messages = append(n.messages, message)
	n.mu.Unlock()
}

func (n *fakeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

type fakeStore struct {
	saved []protocol.Preferences
	err   error
}

func (s *fakeStore) SavePreferences(p protocol.Preferences) error {
	s.saved = append(s.saved, p)
	return s.err
}

type harness struct {
	o     *Orchestrator
	msgr  *fakeMessenger
	note  *fakeNotifier
	store *fakeStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{msgr: newFakeMessenger(), note: &fakeNotifier{}, store: &fakeStore{}}
	o, err := New(Config{
		Messenger:   h.msgr,
		Tabs:        TabsFunc(func(context.Context) (string, error) { return "tab-1", nil }),
		Preferences: protocol.DefaultPreferences(),
		Store:       h.store,
		Notifier:    h.note,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.o = o
	return h
}

func decodeStart(t *testing.T, s sent) protocol.StartCapture {
	t.Helper()
	var req protocol.StartCapture
	if err := s.msg.Decode(&req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestStartRecording_FullScreen(t *testing.T) {
	h := newHarness(t)

	if err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if got := h.o.Phase(); got != PhaseRecording {
		t.Fatalf("phase = %s, want recording", got)
	}

	starts := h.msgr.requested(protocol.TypeStartCapture)
	if len(starts) != 1 || starts[0].target != protocol.TargetCapture {
		t.Fatalf("start-capture requests: %+v", starts)
	}
	req := decodeStart(t, starts[0])
	if req.TabID != "tab-1" || req.Crop != nil {
		t.Errorf("request = %+v, want full screen on tab-1", req)
	}
	if req.View.DevicePixelRatio != 2 {
		t.Errorf("view dpr = %v, want 2", req.View.DevicePixelRatio)
	}
}

func TestStartRecording_SingleFlight(t *testing.T) {
	h := newHarness(t)
	if err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil); err != nil {
		t.Fatal(err)
	}

	err := h.o.StartRecording(context.Background(), protocol.ModeArea, nil)
	var busy *BusyError
	if !errors.As(err, &busy) || busy.Phase != PhaseRecording {
		t.Fatalf("second start: got %v, want BusyError", err)
	}
	if n := len(h.msgr.requested(protocol.TypeStartCapture)); n != 1 {
		t.Errorf("start-capture sent %d times, want 1", n)
	}
	if n := len(h.msgr.requested(protocol.TypeShowSelector)); n != 0 {
		t.Errorf("selector shown during recording")
	}
}

func TestStartRecording_AreaFlow(t *testing.T) {
	h := newHarness(t)

	if err := h.o.StartRecording(context.Background(), protocol.ModeArea, nil); err != nil {
		t.Fatal(err)
	}
	if got := h.o.Phase(); got != PhaseSelecting {
		t.Fatalf("phase = %s, want selecting", got)
	}
	if n := len(h.msgr.requested(protocol.TypeShowSelector)); n != 1 {
		t.Fatalf("show-selector requests: %d", n)
	}

	sel := protocol.AreaSelected{
		CropArea: capture.LogicalRegion{X: 10, Y: 20, Width: 100, Height: 50},
		View:     capture.ViewContext{DevicePixelRatio: 1.5},
	}
	if err := h.o.AreaSelected(context.Background(), sel); err != nil {
		t.Fatal(err)
	}
	if got := h.o.Phase(); got != PhaseRecording {
		t.Fatalf("phase = %s, want recording", got)
	}
	req := decodeStart(t, h.msgr.requested(protocol.TypeStartCapture)[0])
	if req.Crop == nil || *req.Crop != sel.CropArea {
		t.Errorf("crop = %+v, want %+v", req.Crop, sel.CropArea)
	}
	if req.View.DevicePixelRatio != 1.5 {
		t.Errorf("view dpr = %v, want the selection's 1.5", req.View.DevicePixelRatio)
	}

	if err := h.o.AreaSelected(context.Background(), sel); !errors.Is(err, ErrNotSelecting) {
		t.Errorf("late selection: got %v", err)
	}
}

func TestSelectionCancel(t *testing.T) {
	h := newHarness(t)
	if err := h.o.StartRecording(context.Background(), protocol.ModeArea, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Command(context.Background(), protocol.CommandCancel); err != nil {
		t.Fatal(err)
	}
	if got := h.o.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %s, want idle", got)
	}
	if len(h.msgr.queued) != 1 || h.msgr.queued[0].msg.Type != protocol.TypeHideSelector {
		t.Errorf("queued: %+v", h.msgr.queued)
	}

	// Escape 也回到 idle，之后可以重新开始
	if err := h.o.StartRecording(context.Background(), protocol.ModeArea, nil); err != nil {
		t.Fatal(err)
	}
	h.o.Handle(context.Background(), protocol.NewMessage(protocol.TypeSelectionCancelled, nil))
	if got := h.o.Phase(); got != PhaseIdle {
		t.Fatalf("phase after Escape = %s, want idle", got)
	}
}

func TestStartRecording_ContentUnreachable(t *testing.T) {
	h := newHarness(t)
	h.msgr.notReady[protocol.TargetContent] = errors.New("content context unreachable after 10 pings")

	err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil)
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("got %v, want StartError", err)
	}
	if !strings.HasPrefix(err.Error(), "capture could not start: ") {
		t.Errorf("message = %q", err.Error())
	}
	if h.note.last() != err.Error() {
		t.Errorf("notified %q, want %q", h.note.last(), err.Error())
	}
	if got := h.o.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want idle", got)
	}
	if n := len(h.msgr.requested(protocol.TypeStartCapture)); n != 0 {
		t.Errorf("start-capture sent despite unreachable content")
	}
}

func TestStartRecording_CaptureRejects(t *testing.T) {
	h := newHarness(t)
	h.msgr.replies[protocol.TypeStartCapture] = protocol.Failf("cannot start while finalizing")

	err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil)
	if err == nil || !strings.Contains(err.Error(), "cannot start while finalizing") {
		t.Fatalf("got %v", err)
	}
	if got := h.o.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want idle", got)
	}
}

func TestStartRecording_TabError(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.Tabs = TabsFunc(func(context.Context) (string, error) { return "", errors.New("no open tabs") })

	if err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil); err == nil {
		t.Fatal("expected error")
	}
	if got := h.o.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want idle", got)
	}
}

func TestCommand_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.o.Command(ctx, protocol.CommandPause); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("pause while idle: got %v", err)
	}

	if err := h.o.StartRecording(ctx, protocol.ModeFullScreen, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Command(ctx, protocol.CommandPause); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Command(ctx, protocol.CommandStop); err != nil {
		t.Fatal(err)
	}
	if got := h.o.Phase(); got != PhaseFinalizing {
		t.Fatalf("phase = %s, want finalizing", got)
	}

	// 结束前不能开始新的录制
	var busy *BusyError
	if err := h.o.StartRecording(ctx, protocol.ModeFullScreen, nil); !errors.As(err, &busy) {
		t.Fatalf("start while finalizing: got %v", err)
	}

	var finished []protocol.RecordingFinished
	h.o.SubscribeFinished(func(f protocol.RecordingFinished) { finished = append(finished, f) })
	h.o.Handle(ctx, protocol.NewMessage(protocol.TypeRecordingFinished, protocol.RecordingFinished{
		ID: "r1", Filename: "recording_x.avi", State: "finished", Size: 42,
	}))

	if got := h.o.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %s, want idle", got)
	}
	if len(finished) != 1 || finished[0].ID != "r1" {
		t.Errorf("subscribers got %+v", finished)
	}
	if h.note.last() != "recording_x.avi" {
		t.Errorf("notified %q", h.note.last())
	}
	if f, ok := h.o.LastFinished(); !ok || f.ID != "r1" {
		t.Errorf("LastFinished = %+v, %v", f, ok)
	}

	cmds := h.msgr.requested(protocol.TypeRecordingCommand)
	if len(cmds) != 2 {
		t.Fatalf("commands forwarded: %d, want 2", len(cmds))
	}
}

func TestCommand_RejectedByCapture(t *testing.T) {
	h := newHarness(t)
	if err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil); err != nil {
		t.Fatal(err)
	}
	h.msgr.replies[protocol.TypeRecordingCommand] = protocol.Failf("cannot resume while capturing")

	err := h.o.Command(context.Background(), protocol.CommandResume)
	if err == nil || err.Error() != "cannot resume while capturing" {
		t.Fatalf("got %v", err)
	}
}

func TestRecordingFinished_StartFailure(t *testing.T) {
	h := newHarness(t)
	if err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil); err != nil {
		t.Fatal(err)
	}

	h.o.RecordingFinished(protocol.RecordingFinished{State: "idle", Error: "capture is not allowed on this page", StartFailed: true})

	want := "capture could not start: capture is not allowed on this page"
	if h.note.last() != want {
		t.Errorf("notified %q, want %q", h.note.last(), want)
	}
	if got := h.o.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s", got)
	}
}

func TestUpdatePreferences(t *testing.T) {
	h := newHarness(t)

	p := protocol.DefaultPreferences()
	p.Laser = true
	p.FPS = 500 // 越界值被修正
	if err := h.o.UpdatePreferences(p); err != nil {
		t.Fatal(err)
	}
	if got := h.o.Preferences(); !got.Laser || got.FPS != 30 {
		t.Errorf("prefs = %+v", got)
	}
	if len(h.store.saved) != 1 {
		t.Fatalf("saved %d times", len(h.store.saved))
	}
	if n := h.msgr.sent(protocol.TypeUpdatePrefs); n != 0 {
		t.Errorf("pushed prefs while idle")
	}

	if err := h.o.StartRecording(context.Background(), protocol.ModeFullScreen, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Toggle(protocol.TypeToggleZoom, true); err != nil {
		t.Fatal(err)
	}
	if !h.o.Preferences().ZoomHighlight {
		t.Error("toggle not applied")
	}
	if n := h.msgr.sent(protocol.TypeUpdatePrefs); n != 1 {
		t.Errorf("pushed prefs %d times while recording, want 1", n)
	}
	if err := h.o.Toggle(protocol.TypePing, true); err == nil {
		t.Error("ping accepted as a toggle")
	}
}

func TestUpdatePreferences_StoreError(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("read-only file system")

	p := protocol.DefaultPreferences()
	p.Cursor = false
	if err := h.o.UpdatePreferences(p); err == nil {
		t.Fatal("expected store error")
	}
	if h.o.Preferences().Cursor {
		t.Error("in-memory prefs not updated")
	}
}

func TestHandle_Stats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if resp := h.o.Handle(ctx, protocol.NewMessage(protocol.TypeRecordingStats, nil)); resp.Success {
		t.Fatal("stats available before any push")
	}

	var pushed []protocol.RecordingStats
	h.o.SubscribeStats(func(s protocol.RecordingStats) { pushed = append(pushed, s) })

	stats := protocol.RecordingStats{Duration: 1500, Size: 2048, IsRecording: true, FrameCount: 45}
	if resp := h.o.Handle(ctx, protocol.NewMessage(protocol.TypeRecordingStats, stats)); !resp.Success {
		t.Fatal(resp.Error)
	}
	if len(pushed) != 1 || pushed[0] != stats {
		t.Errorf("subscribers got %+v", pushed)
	}

	resp := h.o.Handle(ctx, protocol.NewMessage(protocol.TypeRecordingStats, nil))
	var got protocol.RecordingStats
	if err := resp.DecodeData(&got); err != nil || got != stats {
		t.Errorf("query = %+v, %v", got, err)
	}
}

func TestHandle_Routing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if resp := h.o.Handle(ctx, protocol.NewMessage(protocol.TypePing, nil)); !resp.Success {
		t.Error("ping failed")
	}
	if resp := h.o.Handle(ctx, protocol.Message{Type: "bogus"}); resp.Success {
		t.Error("unknown type accepted")
	}
	if resp := h.o.Handle(ctx, protocol.NewMessage(protocol.TypeRecordingCommand, map[string]string{"command": "rewind"})); resp.Success {
		t.Error("unknown command accepted")
	}
	if resp := h.o.Handle(ctx, protocol.NewMessage(protocol.TypeStartRecording, protocol.StartRecording{Mode: "window"})); resp.Success {
		t.Error("unknown mode accepted")
	}

	h.o.Handle(ctx, protocol.NewMessage(protocol.TypeVisibility, protocol.Visibility{Visible: false}))
	if h.msgr.reachable[protocol.TargetContent] {
		t.Error("hidden page still reachable")
	}
	h.o.Handle(ctx, protocol.NewMessage(protocol.TypeContentReady, nil))
	if !h.msgr.reachable[protocol.TargetContent] {
		t.Error("ready page not reachable")
	}

	if resp := h.o.Handle(ctx, protocol.NewMessage(protocol.TypeZoomHighlightArea, capture.PhysicalRegion{Width: 10, Height: 10})); resp.Success {
		t.Error("zoom accepted while idle")
	}
}

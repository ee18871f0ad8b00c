package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"tabrec/internal/capture"
	"tabrec/internal/encoder"
	"tabrec/internal/protocol"
	"tabrec/internal/storage"
)

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStream struct {
	frame   capture.Frame
	ready   chan struct{}
	done    chan struct{}
	endOnce sync.Once
	mu      sync.Mutex
	closed  bool
	err     error
}

func newFakeStream(w, h int, ready bool) *fakeStream {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 90, 120, 160, 255
	}
	s := &fakeStream{
		frame: capture.Frame{Image: img, Timestamp: time.Now()},
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	if ready {
		close(s.ready)
	}
	return s
}

func (s *fakeStream) Ready() <-chan struct{} { return s.ready }

func (s *fakeStream) Latest() (capture.Frame, bool) {
	select {
	case <-s.ready:
		return s.frame, true
	default:
		return capture.Frame{}, false
	}
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// end 模拟标签页关闭
func (s *fakeStream) end(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.done) })
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProvider struct {
	stream *fakeStream
	err    error
	block  bool
}

func (p *fakeProvider) Acquire(ctx context.Context, tabID string) (capture.Stream, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.stream, nil
}

type fakeSaver struct {
	// gate 非空时 Save 在关闭前阻塞，entered 通知 Save 已开始
	gate    chan struct{}
	entered chan struct{}

	mu      sync.Mutex
	metas   []storage.Meta
	data    [][]byte
	deleted []string
}

func (s *fakeSaver) Save(ctx context.Context, meta storage.Meta, data []byte) (storage.Recording, error) {
	if s.gate != nil {
		close(s.entered)
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas = append(s.metas, meta)
	s.data = append(s.data, data)
	return storage.Recording{ID: "rec-1", Filename: "recording_x." + meta.Extension, Size: int64(len(data))}, nil
}

func (s *fakeSaver) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeSaver) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func (s *fakeSaver) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metas)
}

// fakeEncoder Finalize 可以阻塞，用于测试取消竞争
type fakeEncoder struct {
	mu        sync.Mutex
	cfg       encoder.Config
	frames    int
	block     chan struct{}
	aborted   chan struct{}
	abortOnce sync.Once
}

func (e *fakeEncoder) Initialize(cfg encoder.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.aborted = make(chan struct{})
	return nil
}

func (e *fakeEncoder) AddFrame(img image.Image) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	return true
}

func (e *fakeEncoder) Finalize(ctx context.Context) (*encoder.Blob, error) {
	if e.block != nil {
		select {
		case <-e.block:
		case <-e.aborted:
			return nil, encoder.ErrAborted
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &encoder.Blob{Data: []byte("fake"), MIMEType: "application/octet-stream", Extension: "bin", FrameCount: e.frames}, nil
}

func (e *fakeEncoder) Abort() {
	e.abortOnce.Do(func() { close(e.aborted) })
}

func (e *fakeEncoder) Status() encoder.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return encoder.Status{FrameCount: e.frames, IsEncoding: true}
}

func (e *fakeEncoder) Extension() string { return "bin" }

// writeFailed 模拟编码器写入失败
func (e *fakeEncoder) writeFailed(err error) {
	e.mu.Lock()
	onErr := e.cfg.OnError
	e.mu.Unlock()
	go onErr(err)
}

type harness struct {
	ctrl     *Controller
	provider *fakeProvider
	saver    *fakeSaver
	clock    *fakeClock
	enc      *fakeEncoder

	mu       sync.Mutex
	finished []protocol.RecordingFinished
}

// waitFinished 等待第 n 条结束通知
func (h *harness) waitFinished(t *testing.T, n int) protocol.RecordingFinished {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.finished) >= n {
			f := h.finished[n-1]
			h.mu.Unlock()
			return f
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no finished notification #%d", n)
	return protocol.RecordingFinished{}
}

func (h *harness) finishedStates() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, f := range h.finished {
		out = append(out, f.State)
	}
	return out
}

func newHarness(t *testing.T, provider *fakeProvider, enc *fakeEncoder) *harness {
	t.Helper()
	h := &harness{
		provider: provider,
		saver:    &fakeSaver{},
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		enc:      enc,
	}
	cfg := Config{
		Streams:           provider,
		Saver:             h.saver,
		FirstFrameTimeout: 100 * time.Millisecond,
		StatsInterval:     time.Hour,
		TempDir:           t.TempDir(),
		Now:               h.clock.Now,
		OnFinished: func(f protocol.RecordingFinished) {
			h.mu.Lock()
			h.finished = append(h.finished, f)
			h.mu.Unlock()
		},
	}
	if enc != nil {
		cfg.NewEncoder = func(protocol.Format) encoder.Encoder { return enc }
	}
	ctrl, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Cancel() })
	return h
}

func startReq(crop *capture.LogicalRegion) protocol.StartCapture {
	prefs := protocol.DefaultPreferences()
	return protocol.StartCapture{
		TabID:       "tab-1",
		Crop:        crop,
		View:        capture.ViewContext{DevicePixelRatio: 2, ViewportWidth: 100, ViewportHeight: 50},
		Preferences: prefs,
	}
}

func state(t *testing.T, c *Controller) State {
	t.Helper()
	s, ok := c.Snapshot()
	if !ok {
		t.Fatal("no session")
	}
	return s.State
}

func TestSession_DurationExcludesPauses(t *testing.T) {
	t0 := time.Unix(0, 0)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	s := &Session{StartedAt: t0}
	s.pause(at(1000))
	s.resume(at(1500))
	if got := s.Duration(at(2000)); got != 1500*time.Millisecond {
		t.Fatalf("after resume: got %v, want 1.5s", got)
	}

	s.pause(at(2000))
	if got := s.Duration(at(2600)); got != 1500*time.Millisecond {
		t.Fatalf("while paused: got %v, want 1.5s", got)
	}

	s.end(at(3000), StateFinished)
	if got := s.Duration(at(9000)); got != 1500*time.Millisecond {
		t.Fatalf("after end: got %v, want frozen 1.5s", got)
	}

	if got := (&Session{StartedAt: at(500)}).Duration(t0); got != 0 {
		t.Fatalf("clock behind start: got %v, want 0", got)
	}
}

func TestController_PauseAccounting(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(200, 100, true)}, &fakeEncoder{})

	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := state(t, h.ctrl); got != StateCapturing {
		t.Fatalf("state: got %v, want capturing", got)
	}

	h.clock.Advance(time.Second)
	if err := h.ctrl.Pause(); err != nil {
		t.Fatal(err)
	}
	stats, _ := h.ctrl.Stats()
	if !stats.IsPaused || !stats.IsRecording {
		t.Fatalf("stats while paused: %+v", stats)
	}
	h.clock.Advance(500 * time.Millisecond)
	if err := h.ctrl.Resume(); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(500 * time.Millisecond)

	results, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	res := <-results
	if res.Err != nil {
		t.Fatalf("result: %v", res.Err)
	}
	if res.Duration != 1500*time.Millisecond {
		t.Fatalf("Duration: got %v, want 1.5s", res.Duration)
	}
	if h.saver.calls() != 1 || h.saver.metas[0].DurationMs != 1500 {
		t.Fatalf("saved metadata: %+v", h.saver.metas)
	}
	if got := state(t, h.ctrl); got != StateFinished {
		t.Fatalf("state: got %v, want finished", got)
	}
	if !h.provider.stream.isClosed() {
		t.Fatal("stream not released after finish")
	}
}

func TestController_AreaCropUsesDevicePixelRatio(t *testing.T) {
	enc := &fakeEncoder{}
	h := newHarness(t, &fakeProvider{stream: newFakeStream(200, 100, true)}, enc)

	if err := h.ctrl.Start(context.Background(), startReq(&capture.LogicalRegion{X: 10, Y: 5, Width: 40, Height: 20})); err != nil {
		t.Fatal(err)
	}
	s, _ := h.ctrl.Snapshot()
	want := capture.PhysicalRegion{X: 20, Y: 10, Width: 80, Height: 40}
	if s.Crop != want {
		t.Fatalf("Crop: got %+v, want %+v", s.Crop, want)
	}
	if enc.cfg.Width != 80 || enc.cfg.Height != 40 {
		t.Fatalf("encoder size: %dx%d", enc.cfg.Width, enc.cfg.Height)
	}
}

func TestController_SingleFlight(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, &fakeEncoder{})
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatal(err)
	}

	err := h.ctrl.Start(context.Background(), startReq(nil))
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StateCapturing {
		t.Fatalf("second Start: got %v, want TransitionError from capturing", err)
	}
}

func TestController_InvalidTransitions(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, &fakeEncoder{})

	if err := h.ctrl.Pause(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Pause without session: got %v", err)
	}
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatal(err)
	}

	var te *TransitionError
	if err := h.ctrl.Resume(); !errors.As(err, &te) {
		t.Fatalf("Resume while capturing: got %v", err)
	}
	if err := h.ctrl.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Pause(); !errors.As(err, &te) {
		t.Fatalf("Pause while paused: got %v", err)
	}

	if err := h.ctrl.Cancel(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctrl.Stop(context.Background()); !errors.As(err, &te) || te.From != StateCancelled {
		t.Fatalf("Stop after cancel: got %v", err)
	}
	if err := h.ctrl.Cancel(); !errors.As(err, &te) {
		t.Fatalf("second Cancel: got %v", err)
	}
}

func TestController_StreamAcquisitionError(t *testing.T) {
	h := newHarness(t, &fakeProvider{err: capture.ErrRestrictedPage}, &fakeEncoder{})

	err := h.ctrl.Start(context.Background(), startReq(nil))
	var se *StreamAcquisitionError
	if !errors.As(err, &se) || !errors.Is(err, capture.ErrRestrictedPage) {
		t.Fatalf("Start: got %v, want StreamAcquisitionError", err)
	}
	if got := state(t, h.ctrl); got != StateIdle {
		t.Fatalf("state: got %v, want idle", got)
	}

	h.provider.err = nil
	h.provider.stream = newFakeStream(32, 32, true)
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatalf("retry after denial: %v", err)
	}
}

func TestController_FirstFrameTimeout(t *testing.T) {
	stream := newFakeStream(32, 32, false)
	h := newHarness(t, &fakeProvider{stream: stream}, &fakeEncoder{})

	if err := h.ctrl.Start(context.Background(), startReq(nil)); !errors.Is(err, ErrFirstFrameTimeout) {
		t.Fatalf("Start: got %v, want ErrFirstFrameTimeout", err)
	}
	if got := state(t, h.ctrl); got != StateFailed {
		t.Fatalf("state: got %v, want failed", got)
	}
	if !stream.isClosed() {
		t.Fatal("stream not released after timeout")
	}
}

func TestController_DegenerateCropFails(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, &fakeEncoder{})

	err := h.ctrl.Start(context.Background(), startReq(&capture.LogicalRegion{X: 1, Y: 1, Width: 0, Height: 10}))
	if !errors.Is(err, capture.ErrInvalidCrop) {
		t.Fatalf("Start: got %v, want ErrInvalidCrop", err)
	}
	if got := state(t, h.ctrl); got != StateFailed {
		t.Fatalf("state: got %v, want failed", got)
	}
}

func TestController_CancelDuringAcquisition(t *testing.T) {
	h := newHarness(t, &fakeProvider{block: true}, &fakeEncoder{})

	id, err := h.ctrl.StartAsync(startReq(nil))
	if err != nil || id == "" {
		t.Fatalf("StartAsync: %q %v", id, err)
	}
	if got := state(t, h.ctrl); got != StateAcquiringStream {
		t.Fatalf("state: got %v, want acquiring-stream", got)
	}
	if err := h.ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := state(t, h.ctrl); got != StateCancelled {
		t.Fatalf("state: got %v, want cancelled", got)
	}
}

func TestController_CancelRacesStop(t *testing.T) {
	enc := &fakeEncoder{block: make(chan struct{})}
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, enc)
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatal(err)
	}

	results, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := state(t, h.ctrl); got != StateFinalizing {
		t.Fatalf("state: got %v, want finalizing", got)
	}
	if err := h.ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel during finalize: %v", err)
	}

	select {
	case res := <-results:
		if !errors.Is(res.Err, ErrCancelled) {
			t.Fatalf("result: got %v, want ErrCancelled", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("finalize did not observe the cancel")
	}
	if h.saver.calls() != 0 {
		t.Fatal("cancelled recording was saved")
	}
	if got := state(t, h.ctrl); got != StateCancelled {
		t.Fatalf("state: got %v, want cancelled", got)
	}
	if !h.provider.stream.isClosed() {
		t.Fatal("stream not released after cancel")
	}
}

func TestController_StreamEndsMidCapture(t *testing.T) {
	for _, paused := range []bool{false, true} {
		stream := newFakeStream(64, 64, true)
		h := newHarness(t, &fakeProvider{stream: stream}, &fakeEncoder{})
		if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
			t.Fatal(err)
		}
		if paused {
			if err := h.ctrl.Pause(); err != nil {
				t.Fatal(err)
			}
		}

		stream.end(capture.ErrStreamEnded)
		info := h.waitFinished(t, 1)
		if info.State != StateFailed.String() || info.Error == "" {
			t.Fatalf("paused=%v: finished %+v, want failed with error", paused, info)
		}
		s, _ := h.ctrl.Snapshot()
		if s.State != StateFailed || !errors.Is(s.Err, capture.ErrStreamEnded) {
			t.Fatalf("paused=%v: state %v err %v", paused, s.State, s.Err)
		}
		if !stream.isClosed() {
			t.Fatal("stream not released after failure")
		}
		if _, err := h.ctrl.Stop(context.Background()); err == nil {
			t.Fatal("Stop accepted after failure")
		}
		if h.saver.calls() != 0 {
			t.Fatal("failed recording was saved")
		}
	}
}

func TestController_StreamEndsBeforeFirstFrame(t *testing.T) {
	stream := newFakeStream(32, 32, false)
	stream.end(capture.ErrRestrictedPage)
	h := newHarness(t, &fakeProvider{stream: stream}, &fakeEncoder{})

	err := h.ctrl.Start(context.Background(), startReq(nil))
	if !errors.Is(err, capture.ErrRestrictedPage) {
		t.Fatalf("Start: got %v, want ErrRestrictedPage", err)
	}
	if got := state(t, h.ctrl); got != StateFailed {
		t.Fatalf("state: got %v, want failed", got)
	}
}

func TestController_EncoderWriteErrorFails(t *testing.T) {
	enc := &fakeEncoder{}
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, enc)
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatal(err)
	}

	enc.writeFailed(errors.New("disk full"))
	info := h.waitFinished(t, 1)
	if info.State != StateFailed.String() || info.Error != "encoder: disk full" {
		t.Fatalf("finished: %+v", info)
	}
	select {
	case <-enc.aborted:
	default:
		t.Fatal("encoder not aborted after write failure")
	}

	// 重复通知不再产生结束事件
	enc.writeFailed(errors.New("disk full"))
	time.Sleep(20 * time.Millisecond)
	if got := h.finishedStates(); len(got) != 1 {
		t.Fatalf("finished notifications: %v", got)
	}
}

func TestController_SaveDoesNotBlockController(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, &fakeEncoder{})
	h.saver.gate = make(chan struct{})
	h.saver.entered = make(chan struct{})
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatal(err)
	}
	results, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-h.saver.entered:
	case <-time.After(time.Second):
		t.Fatal("Save not called")
	}

	statsDone := make(chan protocol.RecordingStats, 1)
	go func() {
		st, _ := h.ctrl.Stats()
		statsDone <- st
	}()
	select {
	case st := <-statsDone:
		if st.State != StateFinalizing.String() {
			t.Fatalf("Stats during save: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Stats blocked while saving")
	}

	if err := h.ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel during save: %v", err)
	}
	close(h.saver.gate)

	res := <-results
	if !errors.Is(res.Err, ErrCancelled) {
		t.Fatalf("result: got %v, want ErrCancelled", res.Err)
	}
	if got := h.saver.deletedIDs(); len(got) != 1 || got[0] != "rec-1" {
		t.Fatalf("deleted: %v, want the file saved after cancel removed", got)
	}
	if got := state(t, h.ctrl); got != StateCancelled {
		t.Fatalf("state: got %v, want cancelled", got)
	}
}

func TestController_ZoomHighlightRequiresToggle(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, &fakeEncoder{})
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatal(err)
	}
	area := capture.PhysicalRegion{X: 4, Y: 4, Width: 16, Height: 16}

	if err := h.ctrl.HighlightArea(area); !errors.Is(err, ErrZoomDisabled) {
		t.Fatalf("HighlightArea while disabled: got %v", err)
	}
	if err := h.ctrl.SetOverlay(protocol.TypeToggleZoom, true); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.HighlightArea(area); err != nil {
		t.Fatalf("HighlightArea: %v", err)
	}
	s, _ := h.ctrl.Snapshot()
	if !s.Preferences.ZoomHighlight || s.Preferences.FPS != 30 {
		t.Fatalf("preferences after toggle: %+v", s.Preferences)
	}
}

func TestUpdatePreferences_KeepsFormat(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, &fakeEncoder{})
	if err := h.ctrl.Start(context.Background(), startReq(nil)); err != nil {
		t.Fatal(err)
	}
	h.ctrl.UpdatePreferences(protocol.Preferences{FPS: 5, Format: protocol.FormatGIF, Laser: true})
	s, _ := h.ctrl.Snapshot()
	if s.Preferences.FPS != 30 || s.Preferences.Format != protocol.FormatVideo || !s.Preferences.Laser || s.Preferences.Cursor {
		t.Fatalf("preferences: %+v", s.Preferences)
	}
}

func TestPointerToCrop(t *testing.T) {
	crop := capture.PhysicalRegion{X: 100, Y: 60, Width: 200, Height: 100}
	offset := capture.ContentOffset{Top: 20}

	pt, inside := PointerToCrop(75, 30, 2, crop, offset)
	if !inside || pt != image.Pt(50, 20) {
		t.Fatalf("got %v inside=%v, want (50,20) inside", pt, inside)
	}
	if _, inside := PointerToCrop(10, 10, 2, crop, offset); inside {
		t.Fatal("point left of the crop reported inside")
	}
}

func TestClickZoomArea_StaysInsideCrop(t *testing.T) {
	crop := capture.PhysicalRegion{Width: 300, Height: 150}
	got := clickZoomArea(image.Pt(295, 2), crop)
	if got.X+got.Width > crop.Width || got.Y < 0 || got.Width != 100 || got.Height != 50 {
		t.Fatalf("area: %+v", got)
	}
}

func TestWorker_Handle(t *testing.T) {
	h := newHarness(t, &fakeProvider{stream: newFakeStream(64, 64, true)}, &fakeEncoder{})
	w := NewWorker(h.ctrl, nil)
	ctx := context.Background()

	if resp := w.Handle(ctx, protocol.NewMessage(protocol.TypePing, nil)); !resp.Success {
		t.Fatalf("ping: %+v", resp)
	}
	resp := w.Handle(ctx, protocol.NewMessage(protocol.TypeRecordingCommand, protocol.RecordingCommand{Command: protocol.CommandPause}))
	if resp.Success || resp.Error == "" {
		t.Fatalf("pause without session: %+v", resp)
	}
	if resp := w.Handle(ctx, protocol.Message{Type: "bogus"}); resp.Success {
		t.Fatal("unknown message accepted")
	}

	resp = w.Handle(ctx, protocol.NewMessage(protocol.TypeStartCapture, startReq(nil)))
	if !resp.Success {
		t.Fatalf("start-capture: %+v", resp)
	}
	deadline := time.Now().Add(time.Second)
	for state(t, h.ctrl) != StateCapturing {
		if time.Now().After(deadline) {
			t.Fatalf("session did not reach capturing: %v", state(t, h.ctrl))
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = w.Handle(ctx, protocol.NewMessage(protocol.TypeRecordingCommand, protocol.RecordingCommand{Command: protocol.CommandCancel}))
	if !resp.Success {
		t.Fatalf("cancel: %+v", resp)
	}
	if got := h.finishedStates(); len(got) != 1 || got[0] != "cancelled" {
		t.Fatalf("finished notifications: %v", got)
	}
}

// TestController_EndToEnd 真实编码器录制约三秒
func TestController_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("records for three seconds")
	}
	stream := newFakeStream(160, 120, true)
	saver := &fakeSaver{}
	ctrl, err := NewController(Config{
		Streams:       &fakeProvider{stream: stream},
		Saver:         saver,
		StatsInterval: 100 * time.Millisecond,
		TempDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}

	req := startReq(&capture.LogicalRegion{X: 10, Y: 10, Width: 50, Height: 40})
	req.View.DevicePixelRatio = 1
	if err := ctrl.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(3 * time.Second)

	results, err := ctrl.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var res Result
	select {
	case res = <-results:
	case <-time.After(10 * time.Second):
		t.Fatal("finalize timed out")
	}
	if res.Err != nil {
		t.Fatalf("result: %v", res.Err)
	}

	if d := res.Duration; d < 2900*time.Millisecond || d > 3200*time.Millisecond {
		t.Errorf("Duration: got %v, want about 3s", d)
	}
	if saver.calls() != 1 {
		t.Fatalf("Save calls: %d", saver.calls())
	}
	meta := saver.metas[0]
	if meta.FrameCount < 70 || meta.FrameCount > 100 {
		t.Errorf("FrameCount: got %d, want 70-100 at 30fps", meta.FrameCount)
	}
	if len(saver.data[0]) == 0 || meta.Extension != "avi" {
		t.Errorf("saved blob: %d bytes, ext %q", len(saver.data[0]), meta.Extension)
	}
	if meta.Width != 50 || meta.Height != 40 {
		t.Errorf("size: %dx%d", meta.Width, meta.Height)
	}
	if s, _ := ctrl.Snapshot(); s.State != StateFinished {
		t.Errorf("state: got %v, want finished", s.State)
	}
}

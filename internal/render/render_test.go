package render

import (
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"tabrec/internal/capture"
)

type fakeSource struct {
	img   *image.RGBA
	panic bool
}

func (s *fakeSource) Latest() (capture.Frame, bool) {
	if s.panic {
		panic("decoder exploded")
	}
	if s.img == nil {
		return capture.Frame{}, false
	}
	return capture.Frame{Image: s.img, Timestamp: time.Now()}, true
}

type fakeSink struct {
	mu     sync.Mutex
	frames []image.Image
	limit  int
}

func (s *fakeSink) AddFrame(img image.Image) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.frames) >= s.limit {
		return false
	}
	s.frames = append(s.frames, img)
	return true
}

func (s *fakeSink) CapReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit > 0 && len(s.frames) >= s.limit
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) last() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1].(*image.RGBA)
}

func redFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 220, A: 255})
		}
	}
	return img
}

func newLoop(t *testing.T, src Source, sink Sink, overlays Overlays) *Loop {
	t.Helper()
	l, err := New(Config{
		FPS:      30,
		Crop:     capture.PhysicalRegion{X: 10, Y: 10, Width: 40, Height: 30},
		Source:   src,
		Sink:     sink,
		Overlays: overlays,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestNew_RejectsEmptyCrop(t *testing.T) {
	_, err := New(Config{Source: &fakeSource{}, Sink: &fakeSink{}})
	if err == nil {
		t.Fatal("expected error for empty crop")
	}
}

func TestTick_NotForwardedWhilePaused(t *testing.T) {
	sink := &fakeSink{}
	l := newLoop(t, &fakeSource{img: redFrame(100, 80)}, sink, Overlays{})

	l.tick(time.Now())
	if sink.count() != 0 {
		t.Fatalf("frames forwarded while forwarding is off: %d", sink.count())
	}
	if got := l.Stats().Rendered; got != 1 {
		t.Fatalf("Rendered: got %d, want 1", got)
	}

	l.SetForwarding(true)
	l.tick(time.Now())
	if sink.count() != 1 {
		t.Fatalf("forwarded: got %d, want 1", sink.count())
	}
	if b := sink.last().Bounds(); b.Dx() != 40 || b.Dy() != 30 {
		t.Fatalf("surface size: got %v, want 40x30", b)
	}
}

func TestTick_NoSourceFrame(t *testing.T) {
	sink := &fakeSink{}
	l := newLoop(t, &fakeSource{}, sink, Overlays{})
	l.SetForwarding(true)
	l.tick(time.Now())
	if sink.count() != 0 || l.Stats().Rendered != 0 {
		t.Fatal("frame produced without a source frame")
	}
}

func TestTick_CursorOverlay(t *testing.T) {
	sink := &fakeSink{}
	l := newLoop(t, &fakeSource{img: redFrame(100, 80)}, sink, Overlays{Cursor: true})
	l.SetForwarding(true)
	l.SetPointer(20, 15)
	l.tick(time.Now())

	out := sink.last()
	center := out.RGBAAt(20, 15)
	if center.G < 150 {
		t.Errorf("cursor centre: got %+v, want a light pixel", center)
	}
	corner := out.RGBAAt(2, 2)
	if corner.R < 150 || corner.G > 60 {
		t.Errorf("background: got %+v, want the red source", corner)
	}

	l.HidePointer()
	l.tick(time.Now())
	if got := sink.last().RGBAAt(20, 15); got.G > 60 {
		t.Errorf("cursor drawn after HidePointer: %+v", got)
	}
}

func TestTick_PanicSkipsFrame(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{img: redFrame(100, 80), panic: true}
	l := newLoop(t, src, sink, Overlays{})
	l.SetForwarding(true)

	l.tick(time.Now())
	if got := l.Stats().Skipped; got != 1 {
		t.Fatalf("Skipped: got %d, want 1", got)
	}

	src.panic = false
	l.tick(time.Now())
	if sink.count() != 1 {
		t.Fatalf("loop did not recover after a bad frame")
	}
}

func TestTick_CapReachedFiresOnce(t *testing.T) {
	sink := &fakeSink{limit: 2}
	fired := make(chan struct{}, 4)
	l, err := New(Config{
		FPS:          30,
		Crop:         capture.PhysicalRegion{Width: 20, Height: 20},
		Source:       &fakeSource{img: redFrame(20, 20)},
		Sink:         sink,
		OnCapReached: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	l.SetForwarding(true)

	for i := 0; i < 5; i++ {
		l.tick(time.Now())
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnCapReached not called")
	}
	select {
	case <-fired:
		t.Fatal("OnCapReached called twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTriggerZoom_ExpiresAndReplaces(t *testing.T) {
	l := newLoop(t, &fakeSource{img: redFrame(100, 80)}, &fakeSink{}, Overlays{})
	start := time.Unix(100, 0)

	l.TriggerZoom(Animation{Area: capture.PhysicalRegion{X: 5, Y: 5, Width: 20, Height: 10}, Start: start, Duration: time.Second})
	if !l.ZoomActive(start.Add(500 * time.Millisecond)) {
		t.Fatal("animation inactive before its duration elapsed")
	}
	l.tick(start.Add(500 * time.Millisecond))
	if l.Stats().Skipped != 0 {
		t.Fatal("magnifier frame was skipped")
	}

	l.TriggerZoom(Animation{Area: capture.PhysicalRegion{Width: 10, Height: 10}, Start: start.Add(900 * time.Millisecond), Duration: time.Second})
	if !l.ZoomActive(start.Add(1500 * time.Millisecond)) {
		t.Fatal("new trigger did not replace the previous animation")
	}

	l.tick(start.Add(3 * time.Second))
	if l.ZoomActive(start.Add(3 * time.Second)) {
		t.Fatal("animation still active after expiry")
	}
}

func TestLoop_StartStop(t *testing.T) {
	sink := &fakeSink{}
	l, err := New(Config{
		FPS:    60,
		Crop:   capture.PhysicalRegion{Width: 16, Height: 16},
		Source: &fakeSource{img: redFrame(16, 16)},
		Sink:   sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.Interval() != 17*time.Millisecond {
		t.Fatalf("Interval: got %v", l.Interval())
	}
	l.SetForwarding(true)
	l.Start(t.Context())
	time.Sleep(200 * time.Millisecond)
	l.Stop()
	l.Stop()

	n := sink.count()
	if n < 3 {
		t.Fatalf("frames after 200ms at 60fps: got %d", n)
	}
	time.Sleep(50 * time.Millisecond)
	if sink.count() != n {
		t.Fatal("frames forwarded after Stop")
	}
}

func TestStop_WithoutStart(t *testing.T) {
	l := newLoop(t, &fakeSource{}, &fakeSink{}, Overlays{})
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}
}

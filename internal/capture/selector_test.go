package capture

import "testing"

func TestSelector_BelowThresholdDiscarded(t *testing.T) {
	s := NewSelector(DefaultMinSelection, DefaultSelectorBorder)
	s.PointerDown(100, 100)
	s.PointerMove(110, 110)
	if got := s.PointerUp(120, 120, ViewContext{}); got != nil {
		t.Fatalf("20x20 drag emitted %+v, want nil", got)
	}
	if s.State() != SelectorIdle {
		t.Fatalf("state: got %v, want idle", s.State())
	}
}

func TestSelector_CommitsAndSubtractsBorder(t *testing.T) {
	s := NewSelector(DefaultMinSelection, DefaultSelectorBorder)
	view := ViewContext{DevicePixelRatio: 2, ViewportWidth: 1280, ViewportHeight: 720}

	s.PointerDown(100, 100)
	if s.State() != SelectorDragging {
		t.Fatalf("state: got %v, want dragging", s.State())
	}
	s.PointerMove(130, 140)
	got := s.PointerUp(160, 160, view)
	if got == nil {
		t.Fatal("60x60 drag emitted nothing")
	}
	want := LogicalRegion{X: 102, Y: 102, Width: 56, Height: 56}
	if got.Area != want {
		t.Errorf("Area: got %+v, want %+v", got.Area, want)
	}
	if got.View != view {
		t.Errorf("View: got %+v, want %+v", got.View, view)
	}
	if s.State() != SelectorCommitted {
		t.Errorf("state: got %v, want committed", s.State())
	}
}

func TestSelector_ReverseDragIsNormalized(t *testing.T) {
	s := NewSelector(40, 0)
	s.PointerDown(300, 300)
	got := s.PointerUp(200, 250, ViewContext{})
	if got == nil {
		t.Fatal("expected a selection")
	}
	want := LogicalRegion{X: 200, Y: 250, Width: 100, Height: 50}
	if got.Area != want {
		t.Fatalf("Area: got %+v, want %+v", got.Area, want)
	}
}

func TestSelector_EscapeCancels(t *testing.T) {
	s := NewSelector(0, 0)
	s.PointerDown(0, 0)
	s.PointerMove(500, 500)
	s.Escape()
	if got := s.PointerUp(500, 500, ViewContext{}); got != nil {
		t.Fatalf("selection emitted after escape: %+v", got)
	}
	if s.State() != SelectorIdle {
		t.Fatalf("state: got %v, want idle", s.State())
	}
}

func TestSelector_PointerUpWithoutDown(t *testing.T) {
	s := NewSelector(0, 0)
	if got := s.PointerUp(500, 500, ViewContext{}); got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

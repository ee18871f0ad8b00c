package capture

import (
	"image"
	"sync"
)

// SelectorState 选区状态
type SelectorState int

const (
	SelectorIdle      SelectorState = iota // 未开始拖拽
	SelectorDragging                       // 拖拽中
	SelectorCommitted                      // 已确认选区
)

func (s SelectorState) String() string {
	switch s {
	case SelectorDragging:
		return "dragging"
	case SelectorCommitted:
		return "committed"
	default:
		return "idle"
	}
}

const (
	// DefaultMinSelection 选区最小边长（逻辑像素）
	DefaultMinSelection = 40

	// DefaultSelectorBorder 选区框边框宽度（逻辑像素）
	DefaultSelectorBorder = 2
)

// RegionSelected 选区确认事件
type RegionSelected struct {
	Area LogicalRegion
	View ViewContext
}

// Selector 页面选区状态机
// 页面脚本负责绘制选区框，这里只根据指针事件决定最终区域
type Selector struct {
	mu          sync.Mutex
	minSize     int
	borderWidth int
	state       SelectorState
	anchor      image.Point
	current     image.Point
}

// NewSelector 创建选区状态机
func NewSelector(minSize, borderWidth int) *Selector {
	if minSize <= 0 {
		minSize = DefaultMinSelection
	}
	if borderWidth < 0 {
		borderWidth = 0
	}
	return &Selector{minSize: minSize, borderWidth: borderWidth}
}

// State 当前状态
func (s *Selector) State() SelectorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset 回到 idle，准备新的选区
func (s *Selector) Reset() {
	s.mu.Lock()
	s.state = SelectorIdle
	s.mu.Unlock()
}

// PointerDown 记录起点，进入拖拽
func (s *Selector) PointerDown(x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SelectorCommitted {
		return
	}
	s.anchor = image.Pt(x, y)
	s.current = s.anchor
	s.state = SelectorDragging
}

// PointerMove 拖拽中更新当前点（仅用于界面反馈）
func (s *Selector) PointerMove(x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SelectorDragging {
		return
	}
	s.current = image.Pt(x, y)
}

// Rect 当前拖拽矩形（含边框）
func (s *Selector) Rect() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return image.Rectangle{Min: s.anchor, Max: s.current}.Canon()
}

// PointerUp 结束拖拽
// 宽高都超过最小值时返回去掉边框后的选区，否则返回 nil 并回到 idle
func (s *Selector) PointerUp(x, y int, view ViewContext) *RegionSelected {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SelectorDragging {
		return nil
	}
	s.current = image.Pt(x, y)
	r := image.Rectangle{Min: s.anchor, Max: s.current}.Canon()

	if r.Dx() <= s.minSize || r.Dy() <= s.minSize {
		s.state = SelectorIdle
		return nil
	}

	// 上报区域不包含选区框自身的边框
	b := s.borderWidth
	area := LogicalRegion{
		X:      r.Min.X + b,
		Y:      r.Min.Y + b,
		Width:  r.Dx() - 2*b,
		Height: r.Dy() - 2*b,
	}
	s.state = SelectorCommitted
	return &RegionSelected{Area: area, View: view}
}

// Escape 任意状态下取消，不产生选区
func (s *Selector) Escape() {
	s.mu.Lock()
	s.state = SelectorIdle
	s.mu.Unlock()
}

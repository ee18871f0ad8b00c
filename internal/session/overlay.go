package session

import (
	"errors"
	"image"
	"math"

	"tabrec/internal/capture"
	"tabrec/internal/protocol"
	"tabrec/internal/render"
)

// ErrZoomDisabled 放大镜未开启
var ErrZoomDisabled = errors.New("zoom highlight is disabled")

// UpdatePreferences 录制中只更新叠加层开关
func (c *Controller) UpdatePreferences(p protocol.Preferences) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.sess.State.Busy() {
		return
	}
	c.sess.Preferences = c.sess.Preferences.WithOverlays(p)
	if c.res.loop != nil {
		c.res.loop.SetOverlays(overlaysFor(c.sess.Preferences))
	}
}

// SetOverlay 切换单个叠加层
func (c *Controller) SetOverlay(t protocol.Type, enabled bool) error {
	c.mu.Lock()
	if c.sess == nil || !c.sess.State.Busy() {
		c.mu.Unlock()
		return nil
	}
	p := c.sess.Preferences
	c.mu.Unlock()

	if err := p.Toggle(t, enabled); err != nil {
		return err
	}
	c.UpdatePreferences(p)
	return nil
}

// HighlightArea 触发一次放大镜动画，area 为裁剪区域内的物理坐标
func (c *Controller) HighlightArea(area capture.PhysicalRegion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, err := c.expect("highlight", StateCapturing, StatePaused)
	if err != nil {
		return err
	}
	if !sess.Preferences.ZoomHighlight {
		return ErrZoomDisabled
	}
	if area.Empty() {
		return &capture.InvalidCropError{Width: area.Width, Height: area.Height, Reason: "non-positive size"}
	}
	c.res.loop.TriggerZoom(render.Animation{Area: area, Scale: c.cfg.ZoomScale, Duration: c.cfg.ZoomDuration})
	return nil
}

// SetViewport 记录页面视口，指针事件未携带视口信息时使用
func (c *Controller) SetViewport(v protocol.ViewportInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.viewport != v {
		c.logger.Debug("session: viewport changed", "width", v.ViewportWidth, "height", v.ViewportHeight, "dpr", v.DPR)
	}
	c.viewport = v
}

// SetVisible 页面隐藏时不再绘制指针
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !visible && c.res != nil && c.res.loop != nil {
		c.res.loop.HidePointer()
	}
}

// SetPointer 更新叠加层指针位置，点击时按需触发放大
func (c *Controller) SetPointer(p protocol.Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.res == nil || c.res.loop == nil || !c.sess.State.Busy() {
		return
	}
	sess, loop := c.sess, c.res.loop

	dpr := sess.View.DPR()
	if p.View != nil && p.View.DevicePixelRatio > 0 {
		dpr = p.View.DevicePixelRatio
	} else if c.viewport.DPR > 0 {
		dpr = c.viewport.DPR
	}

	pt, inside := PointerToCrop(p.X, p.Y, dpr, sess.Crop, sess.Offset)
	if !inside {
		loop.HidePointer()
		return
	}
	loop.SetPointer(pt.X, pt.Y)

	if p.Kind == protocol.PointerClick && sess.Preferences.ClickZoom {
		loop.TriggerZoom(render.Animation{
			Area:     clickZoomArea(pt, sess.Crop),
			Scale:    c.cfg.ZoomScale,
			Duration: c.cfg.ZoomDuration,
		})
	}
}

// PointerToCrop 把视口内的逻辑坐标换算到裁剪区域内的物理坐标
// 按 DPR 缩放后加上顶部填充，再减去裁剪原点
func PointerToCrop(x, y, dpr float64, crop capture.PhysicalRegion, offset capture.ContentOffset) (image.Point, bool) {
	if dpr <= 0 {
		dpr = 1
	}
	pt := image.Pt(
		int(math.Round(x*dpr))-crop.X,
		int(math.Round(y*dpr))+offset.Top-crop.Y,
	)
	inside := pt.X >= 0 && pt.Y >= 0 && pt.X < crop.Width && pt.Y < crop.Height
	return pt, inside
}

// clickZoomArea 以点击位置为中心、边长为裁剪区域三分之一的放大区域
func clickZoomArea(pt image.Point, crop capture.PhysicalRegion) capture.PhysicalRegion {
	w := max(crop.Width/3, 1)
	h := max(crop.Height/3, 1)
	return capture.PhysicalRegion{
		X:      min(max(pt.X-w/2, 0), crop.Width-w),
		Y:      min(max(pt.Y-h/2, 0), crop.Height-h),
		Width:  w,
		Height: h,
	}
}

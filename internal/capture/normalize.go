package capture

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCrop 裁剪区域非法
var ErrInvalidCrop = errors.New("invalid crop area")

// InvalidCropError 裁剪区域非法的详细信息
type InvalidCropError struct {
	Width  int
	Height int
	Reason string
}

func (e *InvalidCropError) Error() string {
	return fmt.Sprintf("invalid crop area %dx%d: %s", e.Width, e.Height, e.Reason)
}

func (e *InvalidCropError) Unwrap() error {
	return ErrInvalidCrop
}

// ToPhysical 逻辑像素区域按设备像素比换算为物理像素区域
//
// 只支持按 DPR 缩放。浏览器缩放时采集分辨率不一定等于 viewport*dpr，
// 两者的差异见 ViewportScale。dpr<=0 时使用 view 中记录的 DPR。
func ToPhysical(area LogicalRegion, view ViewContext, dpr float64) PhysicalRegion {
	if dpr <= 0 {
		dpr = view.DPR()
	}
	return PhysicalRegion{
		X:      int(math.Round(float64(area.X) * dpr)),
		Y:      int(math.Round(float64(area.Y) * dpr)),
		Width:  int(math.Round(float64(area.Width) * dpr)),
		Height: int(math.Round(float64(area.Height) * dpr)),
	}
}

// ApplyContentOffset 将区域下移 offset.Top，高度不变（溢出交给 ClampToBounds 处理）
func ApplyContentOffset(area PhysicalRegion, offset ContentOffset) PhysicalRegion {
	area.Y += offset.Top
	return area
}

// ClampToBounds 将区域限制在帧范围内，每个维度至少 1 像素
func ClampToBounds(area PhysicalRegion, boundsWidth, boundsHeight int) (PhysicalRegion, error) {
	if area.Width <= 0 || area.Height <= 0 {
		return PhysicalRegion{}, &InvalidCropError{Width: area.Width, Height: area.Height, Reason: "non-positive size"}
	}
	if boundsWidth <= 0 || boundsHeight <= 0 {
		return PhysicalRegion{}, &InvalidCropError{Width: area.Width, Height: area.Height,
			Reason: fmt.Sprintf("frame bounds %dx%d are empty", boundsWidth, boundsHeight)}
	}

	area.X = clampInt(area.X, 0, boundsWidth-1)
	area.Y = clampInt(area.Y, 0, boundsHeight-1)
	area.Width = clampInt(area.Width, 1, boundsWidth-area.X)
	area.Height = clampInt(area.Height, 1, boundsHeight-area.Y)

	return area, nil
}

// FullFrame 整帧区域，去掉上下填充
func FullFrame(frameWidth, frameHeight int, offset ContentOffset) PhysicalRegion {
	return PhysicalRegion{
		X:      0,
		Y:      offset.Top,
		Width:  frameWidth,
		Height: frameHeight - offset.Top - offset.Bottom,
	}
}

// ResolveCrop 计算最终的物理裁剪区域
// logical 为 nil 表示全屏录制
func ResolveCrop(logical *LogicalRegion, view ViewContext, frameWidth, frameHeight int, offset ContentOffset) (PhysicalRegion, error) {
	var area PhysicalRegion
	if logical == nil {
		area = FullFrame(frameWidth, frameHeight, offset)
		if area.Height <= 0 {
			// 填充检测结果不可信，退回整帧
			area = FullFrame(frameWidth, frameHeight, ContentOffset{})
		}
	} else {
		if logical.Width <= 0 || logical.Height <= 0 {
			return PhysicalRegion{}, &InvalidCropError{Width: logical.Width, Height: logical.Height, Reason: "non-positive size"}
		}
		area = ApplyContentOffset(ToPhysical(*logical, view, view.DPR()), offset)
	}
	return ClampToBounds(area, frameWidth, frameHeight)
}

// ViewportScale 视频分辨率与视口的比例
// 仅用于诊断：与 DPR 不一致说明存在浏览器缩放等情况
func ViewportScale(frameWidth, frameHeight int, view ViewContext) (sx, sy float64) {
	if view.ViewportWidth <= 0 || view.ViewportHeight <= 0 {
		return 0, 0
	}
	return float64(frameWidth) / float64(view.ViewportWidth), float64(frameHeight) / float64(view.ViewportHeight)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

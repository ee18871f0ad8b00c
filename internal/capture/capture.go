package capture

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"time"
)

// LogicalRegion 逻辑像素（CSS 像素）下的区域，由选区 UI 给出
type LogicalRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PhysicalRegion 物理像素下的区域，坐标系为采集到的视频帧
type PhysicalRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect 转换为 image.Rectangle
func (r PhysicalRegion) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Empty 区域是否为空
func (r PhysicalRegion) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ViewContext 选区时页面视口的几何快照，创建后不再修改
type ViewContext struct {
	DevicePixelRatio float64 `json:"dpr"`
	ScrollX          float64 `json:"scrollX"`
	ScrollY          float64 `json:"scrollY"`
	VisualScale      float64 `json:"visualScale"`
	VisualOffsetLeft float64 `json:"visualOffsetLeft"`
	VisualOffsetTop  float64 `json:"visualOffsetTop"`
	VisualWidth      float64 `json:"visualWidth"`
	VisualHeight     float64 `json:"visualHeight"`
	ViewportWidth    int     `json:"viewportWidth"`
	ViewportHeight   int     `json:"viewportHeight"`
}

// DPR 返回有效的设备像素比，未知时为 1
func (v ViewContext) DPR() float64 {
	if v.DevicePixelRatio > 0 {
		return v.DevicePixelRatio
	}
	return 1
}

// ContentOffset 采集画面上下方额外的填充（物理像素）
type ContentOffset struct {
	Top    int `json:"top"`
	Bottom int `json:"bottom"`
}

// Frame 一帧采集画面
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Time
}

// Stream 标签页采集流
type Stream interface {
	// Ready 第一帧可解码画面到达时关闭
	Ready() <-chan struct{}

	// Latest 返回最新一帧
	Latest() (Frame, bool)

	// Done 流意外结束（标签页关闭、跳转到受限页面）时关闭，主动 Close 不触发
	Done() <-chan struct{}

	// Err Done 关闭后返回结束原因
	Err() error

	// Close 停止采集并释放资源
	Close() error
}

// StreamProvider 平台采集接口
type StreamProvider interface {
	// Acquire 请求指定标签页的采集流
	Acquire(ctx context.Context, tabID string) (Stream, error)
}

// ErrRestrictedPage 平台拒绝采集（受限页面）
var ErrRestrictedPage = errors.New("capture is not allowed on this page")

// ErrStreamEnded 投射在录制过程中中断
var ErrStreamEnded = errors.New("capture stream ended")

// BytesPerPixel RGBA 格式每像素字节数
const BytesPerPixel = 4

// CropImage 按物理区域裁剪图片（使用内存直接复制）
// region 必须已经过 ClampToBounds
func CropImage(img *image.RGBA, region PhysicalRegion) *image.RGBA {
	bounds := img.Bounds()

	// 确保区域在图片范围内
	if region.X < 0 {
		region.X = 0
	}
	if region.Y < 0 {
		region.Y = 0
	}
	if region.X+region.Width > bounds.Dx() {
		region.Width = bounds.Dx() - region.X
	}
	if region.Y+region.Height > bounds.Dy() {
		region.Height = bounds.Dy() - region.Y
	}

	// 边界检查
	if region.Width <= 0 || region.Height <= 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}

	cropped := image.NewRGBA(image.Rect(0, 0, region.Width, region.Height))

	srcStride := img.Stride
	dstStride := cropped.Stride
	bytesPerRow := region.Width * BytesPerPixel

	for y := 0; y < region.Height; y++ {
		srcStart := (region.Y+y)*srcStride + region.X*BytesPerPixel
		dstStart := y * dstStride
		copy(cropped.Pix[dstStart:dstStart+bytesPerRow], img.Pix[srcStart:srcStart+bytesPerRow])
	}

	return cropped
}

// ToRGBA 将任意图片转换为以 (0,0) 为原点的 RGBA
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

package capture

import (
	"image"
	"math"
)

const (
	// DefaultLuminanceThreshold 相邻行亮度跳变阈值（0-255）
	DefaultLuminanceThreshold = 50

	// DefaultMaxScanRows 最多扫描的行数
	DefaultMaxScanRows = 200
)

// FrameSampler 帧像素采样器
type FrameSampler interface {
	Size() (width, height int)

	// RowLuminance 返回第 y 行的平均亮度（0-255）
	RowLuminance(y int) float64
}

// ImageSampler 基于 RGBA 图片的采样器，只读不修改
type ImageSampler struct {
	img  *image.RGBA
	step int
}

// NewImageSampler 创建采样器，每行按 step 个像素抽样
func NewImageSampler(img *image.RGBA) *ImageSampler {
	step := img.Bounds().Dx() / 256
	if step < 1 {
		step = 1
	}
	return &ImageSampler{img: img, step: step}
}

// Size 图片尺寸
func (s *ImageSampler) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// RowLuminance 行平均亮度
func (s *ImageSampler) RowLuminance(y int) float64 {
	b := s.img.Bounds()
	if y < 0 || y >= b.Dy() || b.Dx() == 0 {
		return 0
	}

	var sum float64
	n := 0
	row := s.img.Pix[y*s.img.Stride:]
	for x := 0; x < b.Dx(); x += s.step {
		i := x * BytesPerPixel
		sum += 0.299*float64(row[i]) + 0.587*float64(row[i+1]) + 0.114*float64(row[i+2])
		n++
	}
	return sum / float64(n)
}

// DetectContentOffset 通过行亮度跳变估计画面上下方的填充
//
// 这是启发式估计：页面本身的横向色带也会被当成边界。
// 找不到跳变时返回 {0,0}。
func DetectContentOffset(s FrameSampler, maxScanRows int) ContentOffset {
	if maxScanRows <= 0 {
		maxScanRows = DefaultMaxScanRows
	}
	_, h := s.Size()
	if h < 2 {
		return ContentOffset{}
	}
	limit := maxScanRows
	if limit > h {
		limit = h
	}

	var offset ContentOffset

	// 自上而下
	prev := s.RowLuminance(0)
	for y := 1; y < limit; y++ {
		cur := s.RowLuminance(y)
		if math.Abs(cur-prev) > DefaultLuminanceThreshold {
			offset.Top = y
			break
		}
		prev = cur
	}

	// 自下而上
	prev = s.RowLuminance(h - 1)
	for i := 1; i < limit; i++ {
		y := h - 1 - i
		cur := s.RowLuminance(y)
		if math.Abs(cur-prev) > DefaultLuminanceThreshold {
			offset.Bottom = i
			break
		}
		prev = cur
	}

	if offset.Top+offset.Bottom >= h {
		offset.Bottom = 0
	}
	return offset
}

package tray

import "encoding/binary"

const iconSize = 16

// iconIdle 空闲图标：深灰圆环 + 红点
func iconIdle() []byte {
	return buildIcon(func(dist float64) (r, g, b, a byte) {
		switch {
		case dist < 12:
			return 0xE5, 0x39, 0x35, 0xFF
		case dist < 56 && dist > 36:
			return 0x42, 0x42, 0x42, 0xFF
		}
		return 0, 0, 0, 0
	})
}

// iconRecording 录制中图标：实心红圆 + 白色中心
func iconRecording() []byte {
	return buildIcon(func(dist float64) (r, g, b, a byte) {
		switch {
		case dist < 6:
			return 0xFF, 0xFF, 0xFF, 0xFF
		case dist < 56:
			return 0xE5, 0x39, 0x35, 0xFF
		}
		return 0, 0, 0, 0
	})
}

// buildIcon 生成 16x16 32 位 ICO，shade 按到中心距离的平方着色
func buildIcon(shade func(dist float64) (r, g, b, a byte)) []byte {
	width, height := iconSize, iconSize

	// 32位 BGRA 像素 + AND 掩码（每行 4 字节对齐）
	imageSize := width * height * 4
	maskSize := (width + 31) / 32 * 4 * height
	bmpHeaderSize := 40
	totalImageSize := bmpHeaderSize + imageSize + maskSize

	buf := make([]byte, 0, 22+totalImageSize)

	// ICO 文件头
	buf = binary.LittleEndian.AppendUint16(buf, 0) // Reserved
	buf = binary.LittleEndian.AppendUint16(buf, 1) // Type: 1 = ICO
	buf = binary.LittleEndian.AppendUint16(buf, 1) // Count

	// 图像目录条目
	buf = append(buf, byte(width), byte(height), 0, 0)
	buf = binary.LittleEndian.AppendUint16(buf, 1)  // Color planes
	buf = binary.LittleEndian.AppendUint16(buf, 32) // Bits per pixel
	buf = binary.LittleEndian.AppendUint32(buf, uint32(totalImageSize))
	buf = binary.LittleEndian.AppendUint32(buf, 22) // Offset to image data

	// BITMAPINFOHEADER
	buf = binary.LittleEndian.AppendUint32(buf, uint32(bmpHeaderSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(width))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(height*2)) // XOR + AND
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 32)
	buf = append(buf, make([]byte, 24)...) // 压缩方式、尺寸、分辨率、调色板均为 0

	// 像素数据 (BGRA格式，从下往上)
	for y := height - 1; y >= 0; y-- {
		for x := 0; x < width; x++ {
			cx, cy := float64(x)-7.5, float64(y)-7.5
			r, g, b, a := shade(cx*cx + cy*cy)
			buf = append(buf, b, g, r, a)
		}
	}

	// 透明度已由 alpha 通道决定，掩码全 0
	return append(buf, make([]byte, maskSize)...)
}

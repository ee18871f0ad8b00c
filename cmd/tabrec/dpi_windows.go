//go:build windows

package main

import "syscall"

// 托盘图标和通知在高 DPI 显示器上保持清晰
// DPI 感知必须在任何 Win32 调用之前设置，放在 init() 确保最早执行
func init() {
	user32 := syscall.NewLazyDLL("user32.dll")

	// DPI_AWARENESS_CONTEXT_PER_MONITOR_AWARE_V2 = -4
	if proc := user32.NewProc("SetProcessDpiAwarenessContext"); proc.Find() == nil {
		if r, _, _ := proc.Call(^uintptr(3)); r != 0 {
			return
		}
	}

	shcore := syscall.NewLazyDLL("shcore.dll")
	if proc := shcore.NewProc("SetProcessDpiAwareness"); proc.Find() == nil {
		proc.Call(2) // PROCESS_PER_MONITOR_DPI_AWARE
		return
	}

	user32.NewProc("SetProcessDPIAware").Call()
}

// Package clipboard 把保存后的录像路径复制到剪贴板
package clipboard

// Clipboard 剪贴板接口
type Clipboard interface {
	SetText(text string) error
}

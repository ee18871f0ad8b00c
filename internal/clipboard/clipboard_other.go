//go:build !windows

package clipboard

import (
	"errors"
	"os/exec"
	"runtime"
	"strings"
)

// ErrUnavailable 没有可用的剪贴板工具
var ErrUnavailable = errors.New("clipboard: no clipboard tool found (pbcopy, wl-copy, xclip or xsel)")

// commandClipboard 调用系统剪贴板工具
type commandClipboard struct {
	name string
	args []string
}

// New 创建剪贴板实例，按平台查找可用的命令
func New() Clipboard {
	for _, c := range candidates(runtime.GOOS) {
		if _, err := exec.LookPath(c.name); err == nil {
			return c
		}
	}
	return commandClipboard{}
}

func candidates(goos string) []commandClipboard {
	if goos == "darwin" {
		return []commandClipboard{{name: "pbcopy"}}
	}
	return []commandClipboard{
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard"}},
		{name: "xsel", args: []string{"--clipboard", "--input"}},
	}
}

// SetText 设置剪贴板文本
func (c commandClipboard) SetText(text string) error {
	if c.name == "" {
		return ErrUnavailable
	}
	cmd := exec.Command(c.name, c.args...)
	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}

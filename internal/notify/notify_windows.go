//go:build windows

package notify

import (
	"log/slog"

	"github.com/go-toast/toast"
)

// AppID 通知显示的应用名
const AppID = "TabRec"

// WindowsNotifier Windows通知实现
type WindowsNotifier struct {
	appID  string
	logger *slog.Logger
}

func newPlatformNotifier(logger *slog.Logger) Notifier {
	return &WindowsNotifier{
		appID:  AppID,
		logger: logger,
	}
}

// Notify 显示通知（异步，不阻塞主流程）
func (n *WindowsNotifier) Notify(title, message string) {
	go func() {
		notification := toast.Notification{
			AppID:   n.appID,
			Title:   title,
			Message: message,
		}
		if err := notification.Push(); err != nil {
			n.logger.Warn("notify: toast failed", "title", title, "error", err)
		}
	}()
}

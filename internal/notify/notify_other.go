//go:build !windows

package notify

import "log/slog"

func newPlatformNotifier(logger *slog.Logger) Notifier {
	return NewLogNotifier(logger)
}

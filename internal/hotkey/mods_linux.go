package hotkey

import "golang.design/x/hotkey"

// X11 下 Mod1 通常是 Alt，Mod4 是 Super
func platformModifier(mod string) (hotkey.Modifier, bool) {
	switch mod {
	case "ctrl", "control":
		return hotkey.ModCtrl, true
	case "alt", "option":
		return hotkey.Mod1, true
	case "shift":
		return hotkey.ModShift, true
	case "win", "cmd", "command", "super":
		return hotkey.Mod4, true
	}
	return 0, false
}

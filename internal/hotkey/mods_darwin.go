package hotkey

import "golang.design/x/hotkey"

func platformModifier(mod string) (hotkey.Modifier, bool) {
	switch mod {
	case "ctrl", "control":
		return hotkey.ModCtrl, true
	case "alt", "option":
		return hotkey.ModOption, true
	case "shift":
		return hotkey.ModShift, true
	case "win", "cmd", "command", "super":
		return hotkey.ModCmd, true
	}
	return 0, false
}

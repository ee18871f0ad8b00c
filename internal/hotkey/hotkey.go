package hotkey

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.design/x/hotkey"
	"golang.design/x/hotkey/mainthread"
)

// ErrUnknownKey 主键无法识别
var ErrUnknownKey = errors.New("hotkey: unknown key")

// binding 一个已注册的热键
type binding struct {
	name     string
	hk       *hotkey.Hotkey
	callback func()
}

// Manager 热键管理器，可同时注册多个热键
type Manager struct {
	mu       sync.Mutex
	bindings []*binding
	logger   *slog.Logger
}

// NewManager 创建热键管理器
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// parseModifiers 解析修饰键，平台不支持的修饰键被忽略
func parseModifiers(mods []string) []hotkey.Modifier {
	var result []hotkey.Modifier
	for _, mod := range mods {
		if m, ok := platformModifier(strings.ToLower(mod)); ok {
			result = append(result, m)
		}
	}
	return result
}

var functionKeys = []hotkey.Key{
	hotkey.KeyF1, hotkey.KeyF2, hotkey.KeyF3, hotkey.KeyF4,
	hotkey.KeyF5, hotkey.KeyF6, hotkey.KeyF7, hotkey.KeyF8,
	hotkey.KeyF9, hotkey.KeyF10, hotkey.KeyF11, hotkey.KeyF12,
}

var letterKeys = []hotkey.Key{
	hotkey.KeyA, hotkey.KeyB, hotkey.KeyC, hotkey.KeyD, hotkey.KeyE, hotkey.KeyF,
	hotkey.KeyG, hotkey.KeyH, hotkey.KeyI, hotkey.KeyJ, hotkey.KeyK, hotkey.KeyL,
	hotkey.KeyM, hotkey.KeyN, hotkey.KeyO, hotkey.KeyP, hotkey.KeyQ, hotkey.KeyR,
	hotkey.KeyS, hotkey.KeyT, hotkey.KeyU, hotkey.KeyV, hotkey.KeyW, hotkey.KeyX,
	hotkey.KeyY, hotkey.KeyZ,
}

var digitKeys = []hotkey.Key{
	hotkey.Key0, hotkey.Key1, hotkey.Key2, hotkey.Key3, hotkey.Key4,
	hotkey.Key5, hotkey.Key6, hotkey.Key7, hotkey.Key8, hotkey.Key9,
}

// parseKey 解析主键
func parseKey(key string) (hotkey.Key, error) {
	key = strings.ToUpper(strings.TrimSpace(key))

	if len(key) == 1 {
		switch c := key[0]; {
		case c >= 'A' && c <= 'Z':
			return letterKeys[c-'A'], nil
		case c >= '0' && c <= '9':
			return digitKeys[c-'0'], nil
		}
	}

	// 功能键
	if strings.HasPrefix(key, "F") {
		if n, err := strconv.Atoi(key[1:]); err == nil && n >= 1 && n <= len(functionKeys) {
			return functionKeys[n-1], nil
		}
	}

	switch key {
	case "SPACE":
		return hotkey.KeySpace, nil
	case "RETURN", "ENTER":
		return hotkey.KeyReturn, nil
	case "ESCAPE", "ESC":
		return hotkey.KeyEscape, nil
	case "TAB":
		return hotkey.KeyTab, nil
	case "DELETE", "DEL":
		return hotkey.KeyDelete, nil
	case "UP":
		return hotkey.KeyUp, nil
	case "DOWN":
		return hotkey.KeyDown, nil
	case "LEFT":
		return hotkey.KeyLeft, nil
	case "RIGHT":
		return hotkey.KeyRight, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// Register 注册热键，key 为空时跳过
func (m *Manager) Register(name string, modifiers []string, key string, callback func()) error {
	if key == "" {
		return nil
	}
	mods := parseModifiers(modifiers)
	if len(mods) == 0 {
		return fmt.Errorf("hotkey %s: no supported modifiers in %v", name, modifiers)
	}
	k, err := parseKey(key)
	if err != nil {
		return fmt.Errorf("hotkey %s: %w", name, err)
	}

	hk := hotkey.New(mods, k)
	if err := hk.Register(); err != nil {
		return fmt.Errorf("hotkey %s: register %s+%s: %w", name, strings.Join(modifiers, "+"), key, err)
	}
	m.logger.Info("hotkey: registered", "name", name, "modifiers", modifiers, "key", key)

	b := &binding{name: name, hk: hk, callback: callback}
	m.mu.Lock()
	m.bindings = append(m.bindings, b)
	m.mu.Unlock()

	go m.listen(b)
	return nil
}

// listen 监听单个热键
func (m *Manager) listen(b *binding) {
	for range b.hk.Keydown() {
		m.logger.Debug("hotkey: pressed", "name", b.name)
		if b.callback != nil {
			b.callback()
		}
	}
}

// UnregisterAll 注销全部热键
func (m *Manager) UnregisterAll() {
	m.mu.Lock()
	bindings := m.bindings
	m.bindings = nil
	m.mu.Unlock()

	for _, b := range bindings {
		if err := b.hk.Unregister(); err != nil {
			m.logger.Warn("hotkey: unregister failed", "name", b.name, "error", err)
		}
	}
}

// Names 已注册的热键名称
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.bindings))
	for _, b := range m.bindings {
		names = append(names, b.name)
	}
	return names
}

// Run 在主线程中运行（某些平台需要）
func Run(fn func()) {
	mainthread.Init(fn)
}

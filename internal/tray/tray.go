package tray

import (
	"fmt"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"tabrec/internal/protocol"
)

// Actions 托盘菜单回调，为 nil 的项不响应
type Actions struct {
	StartFull   func()
	StartArea   func()
	PauseResume func()
	Stop        func()
	Cancel      func()
	Toggle      func(t protocol.Type, enabled bool)
	OpenDir     func()
	Quit        func()
}

// Hotkeys 菜单中显示的快捷键文本
type Hotkeys struct {
	StartFull   string
	StartArea   string
	PauseResume string
	Stop        string
	Cancel      string
}

// Tray 系统托盘
type Tray struct {
	actions Actions
	hotkeys Hotkeys
	prefs   protocol.Preferences

	mu    sync.Mutex
	ready bool
	items menuItems
}

type menuItems struct {
	startFull, startArea, pause, stop, cancel *systray.MenuItem
}

// NewTray 创建系统托盘
func NewTray(actions Actions, hotkeys Hotkeys, prefs protocol.Preferences) *Tray {
	return &Tray{actions: actions, hotkeys: hotkeys, prefs: prefs}
}

// Run 运行系统托盘（阻塞）
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit 退出托盘循环
func (t *Tray) Quit() {
	systray.Quit()
}

func label(text, hotkey string) string {
	if hotkey == "" {
		return text
	}
	return text + " (" + hotkey + ")"
}

func (t *Tray) onReady() {
	systray.SetIcon(iconIdle())
	systray.SetTitle("TabRec")
	systray.SetTooltip("TabRec - 标签页录制")

	mFull := systray.AddMenuItem(label("录制整个标签页", t.hotkeys.StartFull), "录制当前标签页")
	mArea := systray.AddMenuItem(label("录制选定区域", t.hotkeys.StartArea), "在页面上框选录制区域")
	systray.AddSeparator()

	mPause := systray.AddMenuItem(label("暂停", t.hotkeys.PauseResume), "暂停或继续录制")
	mStop := systray.AddMenuItem(label("停止并保存", t.hotkeys.Stop), "结束录制并保存文件")
	mCancel := systray.AddMenuItem(label("取消", t.hotkeys.Cancel), "放弃本次录制")
	systray.AddSeparator()

	// 叠加效果
	mCursor := systray.AddMenuItemCheckbox("显示光标", "在录像中绘制光标", t.prefs.Cursor)
	mLaser := systray.AddMenuItemCheckbox("激光笔", "光标拖尾效果", t.prefs.Laser)
	mZoom := systray.AddMenuItemCheckbox("区域放大", "放大高亮区域", t.prefs.ZoomHighlight)
	mClick := systray.AddMenuItemCheckbox("点击放大", "点击时放大附近区域", t.prefs.ClickZoom)
	systray.AddSeparator()

	mOpenDir := systray.AddMenuItem("打开录像目录", "打开录像保存位置")
	systray.AddSeparator()

	// 退出
	mQuit := systray.AddMenuItem("退出", "退出程序")

	t.mu.Lock()
	t.items = menuItems{startFull: mFull, startArea: mArea, pause: mPause, stop: mStop, cancel: mCancel}
	t.ready = true
	t.mu.Unlock()
	t.apply(protocol.RecordingStats{})

	toggle := func(item *systray.MenuItem, typ protocol.Type) {
		if item.Checked() {
			item.Uncheck()
		} else {
			item.Check()
		}
		if t.actions.Toggle != nil {
			t.actions.Toggle(typ, item.Checked())
		}
	}

	go func() {
		for {
			select {
			case <-mFull.ClickedCh:
				call(t.actions.StartFull)
			case <-mArea.ClickedCh:
				call(t.actions.StartArea)
			case <-mPause.ClickedCh:
				call(t.actions.PauseResume)
			case <-mStop.ClickedCh:
				call(t.actions.Stop)
			case <-mCancel.ClickedCh:
				call(t.actions.Cancel)
			case <-mCursor.ClickedCh:
				toggle(mCursor, protocol.TypeToggleCursor)
			case <-mLaser.ClickedCh:
				toggle(mLaser, protocol.TypeToggleLaser)
			case <-mZoom.ClickedCh:
				toggle(mZoom, protocol.TypeToggleZoom)
			case <-mClick.ClickedCh:
				toggle(mClick, protocol.TypeToggleElementZoom)
			case <-mOpenDir.ClickedCh:
				call(t.actions.OpenDir)
			case <-mQuit.ClickedCh:
				call(t.actions.Quit)
				systray.Quit()
				return
			}
		}
	}()
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// Update 根据录制状态刷新图标、提示和菜单可用性
func (t *Tray) Update(stats protocol.RecordingStats) {
	t.mu.Lock()
	ready := t.ready
	t.mu.Unlock()
	if ready {
		t.apply(stats)
	}
}

func (t *Tray) apply(stats protocol.RecordingStats) {
	t.mu.Lock()
	items := t.items
	t.mu.Unlock()

	systray.SetTooltip(StatusText(stats))
	if stats.IsRecording {
		systray.SetIcon(iconRecording())
	} else {
		systray.SetIcon(iconIdle())
	}

	enable(items.startFull, !stats.IsRecording)
	enable(items.startArea, !stats.IsRecording)
	enable(items.pause, stats.IsRecording)
	enable(items.stop, stats.IsRecording)
	enable(items.cancel, stats.IsRecording)
	if stats.IsPaused {
		items.pause.SetTitle(label("继续", t.hotkeys.PauseResume))
	} else {
		items.pause.SetTitle(label("暂停", t.hotkeys.PauseResume))
	}
}

func enable(item *systray.MenuItem, on bool) {
	if on {
		item.Enable()
	} else {
		item.Disable()
	}
}

// StatusText 托盘提示文本
func StatusText(stats protocol.RecordingStats) string {
	if !stats.IsRecording {
		return "TabRec - 空闲"
	}
	state := "录制中"
	if stats.IsPaused {
		state = "已暂停"
	}
	d := (time.Duration(stats.Duration) * time.Millisecond).Round(time.Second)
	text := fmt.Sprintf("TabRec - %s %s, %d 帧, %s", state, d, stats.FrameCount, formatSize(stats.Size))
	if stats.Progress > 0 && stats.Progress < 1 {
		text += fmt.Sprintf(", 合成 %d%%", int(stats.Progress*100))
	}
	return text
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func (t *Tray) onExit() {
	t.mu.Lock()
	t.ready = false
	t.mu.Unlock()
}

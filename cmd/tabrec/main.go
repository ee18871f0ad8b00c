package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gogpu/gg"

	"tabrec/internal/api"
	"tabrec/internal/browser"
	"tabrec/internal/capture"
	"tabrec/internal/clipboard"
	"tabrec/internal/config"
	"tabrec/internal/content"
	"tabrec/internal/hotkey"
	"tabrec/internal/messenger"
	"tabrec/internal/notify"
	"tabrec/internal/orchestrator"
	"tabrec/internal/protocol"
	"tabrec/internal/session"
	"tabrec/internal/storage"
	"tabrec/internal/tray"
)

const version = "0.3.0"

// app 进程内的三个上下文及其外围服务
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	browser *browser.Manager
	bridge  *content.Bridge
	bus     *messenger.LocalTransport
	bg      *messenger.Messenger // 后台上下文的消息器
	cap     *messenger.Messenger // 采集上下文的消息器
	index   *storage.Index
	library *storage.Library
	orch    *orchestrator.Orchestrator
	hotkeys *hotkey.Manager
	tray    *tray.Tray
}

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径")
	setHotkeyFlag := flag.String("set-hotkey", "", "设置快捷键，格式：stop=ctrl+alt+s")
	showConfig := flag.Bool("show-config", false, "显示配置文件路径")
	noTray := flag.Bool("no-tray", false, "不显示托盘和全局快捷键，只提供本地接口")
	remote := flag.String("remote", "", "连接已运行的 Chrome（DevTools 地址）")
	headless := flag.Bool("headless", false, "无界面启动 Chrome")
	logFile := flag.String("log-file", "", "同时写入日志文件")
	showVersion := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	if *showVersion {
		fmt.Println("TabRec v" + version)
		fmt.Println("浏览器标签页录制工具")
		return
	}

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败，使用默认配置:", err)
	}

	if *showConfig {
		fmt.Println("配置文件路径:", cfg.Path())
		return
	}

	if *setHotkeyFlag != "" {
		if err := updateHotkey(cfg, *setHotkeyFlag); err != nil {
			fmt.Fprintln(os.Stderr, "设置快捷键失败:", err)
			os.Exit(1)
		}
		fmt.Println("快捷键已设置为:", *setHotkeyFlag)
		return
	}

	if *remote != "" {
		cfg.Browser.RemoteURL = *remote
	}
	if *headless {
		cfg.Browser.Headless = true
	}

	logger, closeLog := newLogger(cfg.Behavior.LogLevel, *logFile)
	defer closeLog()
	slog.SetDefault(logger)
	gg.SetLogger(logger.With("component", "gg"))

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.background(ctx)

	if *noTray {
		logger.Info("running without tray", "api", cfg.API.Addr)
		<-ctx.Done()
		return
	}

	// 使用 mainthread 确保热键和托盘在主线程运行
	hotkey.Run(func() {
		a.registerHotkeys()
		go func() {
			<-ctx.Done()
			a.tray.Quit()
		}()
		// 运行托盘（阻塞）
		a.tray.Run()
	})
}

func newLogger(level, file string) (*slog.Logger, func()) {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(level))

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "打开日志文件失败:", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
			closeFn = func() { f.Close() }
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closeFn
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.EnsureStorageDir(); err != nil {
		return nil, fmt.Errorf("storage directory: %w", err)
	}
	if err := os.MkdirAll(parentDir(cfg.Storage.Database), 0755); err != nil {
		return nil, fmt.Errorf("database directory: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	index, err := storage.OpenIndex(cfg.Storage.Database, storage.Options{})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	a.index = index
	a.library = storage.NewLibrary(
		storage.NewStorage(cfg.Storage.Directory, cfg.Storage.Prefix),
		index,
		storage.LibraryOptions{KeepChunks: cfg.Storage.KeepChunks, Logger: logger.With("component", "storage")},
	)

	a.browser = browser.NewManager(browser.Config{
		RemoteURL: cfg.Browser.RemoteURL,
		Headless:  cfg.Browser.Headless,
		Bin:       cfg.Browser.Bin,
		StartURL:  cfg.Browser.StartURL,
		Logger:    logger.With("component", "browser"),
	})

	// 页面上下文：事件按顺序转发到后台或采集上下文
	a.bridge = content.NewBridge(content.Config{
		MinSelection: capture.DefaultMinSelection,
		Forward: func(target protocol.Target, msg protocol.Message) {
			a.bg.Enqueue(target, msg)
		},
		Logger: logger.With("component", "content"),
	})

	a.bus = messenger.NewLocalTransport()
	router := messenger.NewRouter()
	router.Route(protocol.TargetBackground, a.bus)
	router.Route(protocol.TargetCapture, a.bus)
	router.Route(protocol.TargetContent, a.bridge)

	a.bg = messenger.New(router, messenger.Config{
		Reinjector: a.bridge,
		Logger:     logger.With("component", "messenger", "context", "background"),
	})
	a.cap = messenger.New(a.bus, messenger.Config{
		Logger: logger.With("component", "messenger", "context", "capture"),
	})

	// 采集上下文
	ctrl, err := session.NewController(session.Config{
		Streams:           capture.NewTabStreamProvider(a.browser.Browser, cfg.Recording.Quality.JPEGQuality(), logger.With("component", "capture")),
		Saver:             a.library,
		FirstFrameTimeout: time.Duration(cfg.Recording.FirstFrameTimeoutSec) * time.Second,
		MaxDurationSec:    cfg.Recording.MaxDurationSec,
		MaxGIFWidth:       cfg.Recording.MaxGIFWidth,
		Workers:           cfg.Recording.Workers,
		Logger:            logger.With("component", "session"),
		OnStats: func(s protocol.RecordingStats) {
			a.cap.Send(protocol.TargetBackground, protocol.NewMessage(protocol.TypeRecordingStats, s))
		},
		OnFinished: func(f protocol.RecordingFinished) {
			a.cap.Enqueue(protocol.TargetBackground, protocol.NewMessage(protocol.TypeRecordingFinished, f))
		},
	})
	if err != nil {
		return nil, err
	}
	worker := session.NewWorker(ctrl, logger.With("component", "worker"))
	a.bus.Register(protocol.TargetCapture, worker.Handle)

	// 后台上下文
	a.orch, err = orchestrator.New(orchestrator.Config{
		Messenger:   a.bg,
		Tabs:        orchestrator.TabsFunc(a.activeTab),
		Preferences: cfg.Recording.Preferences,
		Store:       cfg,
		Notifier:    notify.New(cfg.Behavior.ShowNotification, logger),
		Logger:      logger.With("component", "orchestrator"),
	})
	if err != nil {
		return nil, err
	}
	a.bg.OnMessage(a.orch.Handle)
	a.bus.Register(protocol.TargetBackground, a.bg.Dispatch)

	a.cap.Send(protocol.TargetBackground, protocol.NewMessage(protocol.TypeOffscreenReady, nil))

	clip := clipboard.New()
	a.hotkeys = hotkey.NewManager(logger.With("component", "hotkey"))
	a.tray = tray.NewTray(a.trayActions(), tray.Hotkeys{
		StartFull:   hotkeyText(cfg.Hotkeys.StartFull),
		StartArea:   hotkeyText(cfg.Hotkeys.StartArea),
		PauseResume: hotkeyText(cfg.Hotkeys.PauseResume),
		Stop:        hotkeyText(cfg.Hotkeys.Stop),
		Cancel:      hotkeyText(cfg.Hotkeys.Cancel),
	}, cfg.Recording.Preferences)
	a.orch.SubscribeStats(a.tray.Update)
	a.orch.SubscribeFinished(func(f protocol.RecordingFinished) {
		a.tray.Update(protocol.RecordingStats{})
		if cfg.Behavior.CopyPath && f.Path != "" {
			if err := clip.SetText(f.Path); err != nil {
				logger.Warn("copy path to clipboard failed", "error", err)
			}
		}
	})

	logger.Info("TabRec started", "version", version, "directory", cfg.Storage.Directory, "config", cfg.Path())
	return a, nil
}

// activeTab 按需启动浏览器并绑定当前标签页
func (a *app) activeTab(ctx context.Context) (string, error) {
	if _, err := a.browser.Start(ctx); err != nil {
		return "", err
	}
	return a.bridge.AttachActive(ctx, a.browser)
}

// background 启动本地接口和录像清理
func (a *app) background(ctx context.Context) {
	if a.cfg.API.Enabled {
		srv := api.New(api.Config{
			Addr:       a.cfg.API.Addr,
			Controller: a.orch,
			Library:    a.library,
			Logger:     a.logger.With("component", "api"),
		})
		if err := srv.Start(ctx); err != nil {
			a.logger.Error("api disabled", "error", err)
		}
	}

	if days := a.cfg.Storage.RetentionDays; days > 0 {
		go a.prune(ctx, time.Duration(days)*24*time.Hour)
	}
}

func (a *app) prune(ctx context.Context, keep time.Duration) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		if n, err := a.library.Prune(ctx, keep); err != nil {
			a.logger.Warn("prune failed", "error", err)
		} else if n > 0 {
			a.logger.Info("old recordings removed", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) start(mode protocol.Mode) {
	go func() {
		// 失败时后台已通知用户
		if err := a.orch.StartRecording(context.Background(), mode, nil); err != nil {
			a.logger.Warn("start recording", "mode", mode, "error", err)
		}
	}()
}

func (a *app) command(cmd protocol.Command) {
	go func() {
		if err := a.orch.Command(context.Background(), cmd); err != nil {
			a.logger.Info("recording command ignored", "command", cmd, "error", err)
		}
	}()
}

// pauseResume 根据当前状态切换暂停
func (a *app) pauseResume() {
	if stats, ok := a.orch.Stats(); ok && stats.IsPaused {
		a.command(protocol.CommandResume)
		return
	}
	a.command(protocol.CommandPause)
}

func (a *app) trayActions() tray.Actions {
	return tray.Actions{
		StartFull:   func() { a.start(protocol.ModeFullScreen) },
		StartArea:   func() { a.start(protocol.ModeArea) },
		PauseResume: a.pauseResume,
		Stop:        func() { a.command(protocol.CommandStop) },
		Cancel:      func() { a.command(protocol.CommandCancel) },
		Toggle: func(t protocol.Type, enabled bool) {
			if err := a.orch.Toggle(t, enabled); err != nil {
				a.logger.Warn("toggle overlay", "type", t, "error", err)
			}
		},
		OpenDir: func() { openDir(a.library.Directory(), a.logger) },
	}
}

// registerHotkeys 注册全局快捷键，单个失败不影响其他
func (a *app) registerHotkeys() {
	hk := a.cfg.Hotkeys
	bindings := []struct {
		name string
		key  config.Hotkey
		fn   func()
	}{
		{"start-full", hk.StartFull, func() { a.start(protocol.ModeFullScreen) }},
		{"start-area", hk.StartArea, func() { a.start(protocol.ModeArea) }},
		{"pause-resume", hk.PauseResume, a.pauseResume},
		{"stop", hk.Stop, func() { a.command(protocol.CommandStop) }},
		{"cancel", hk.Cancel, func() { a.command(protocol.CommandCancel) }},
	}
	for _, b := range bindings {
		if err := a.hotkeys.Register(b.name, b.key.Modifiers, b.key.Key, b.fn); err != nil {
			a.logger.Warn("hotkey unavailable, check whether another program uses it", "name", b.name, "hotkey", b.key.String(), "error", err)
		}
	}
}

func (a *app) close() {
	a.hotkeys.UnregisterAll()
	a.bg.Close()
	a.cap.Close()
	a.bridge.Detach()
	if err := a.browser.Close(); err != nil {
		a.logger.Debug("close browser", "error", err)
	}
	if err := a.index.Close(); err != nil {
		a.logger.Debug("close index", "error", err)
	}
}

func hotkeyText(h config.Hotkey) string {
	if h.Key == "" {
		return ""
	}
	parts := strings.Split(h.String(), "+")
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "+")
}

func parentDir(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i <= 0 {
		return "."
	}
	return path[:i]
}

func openDir(dir string, logger *slog.Logger) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("explorer.exe", dir)
	case "darwin":
		cmd = exec.Command("open", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}

	if err := cmd.Start(); err != nil {
		logger.Warn("open directory failed", "dir", dir, "error", err)
	}
}

// updateHotkey 解析 name=combo 并保存
func updateHotkey(cfg *config.Config, s string) error {
	name, combo, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("格式应为 name=combo，如 stop=ctrl+alt+s")
	}
	h, err := config.ParseHotkey(combo)
	if err != nil {
		return err
	}
	return cfg.SetHotkey(strings.TrimSpace(name), h)
}

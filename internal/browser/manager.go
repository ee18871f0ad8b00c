// Package browser 管理被录制的 Chrome 实例：启动或连接、选择当前标签页、关闭
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"tabrec/internal/capture"
)

// ErrNoBrowser 浏览器尚未启动
var ErrNoBrowser = errors.New("browser: not started")

// Config 浏览器配置
type Config struct {
	// RemoteURL 已运行 Chrome 的 DevTools WebSocket 地址，为空时本地启动
	RemoteURL string

	// Headless 本地启动时是否无界面，录制用户可见页面时通常为 false
	Headless bool

	// Bin Chrome 可执行文件路径，为空时由 launcher 查找或下载
	Bin string

	// StartURL 本地启动后打开的页面
	StartURL string

	// NavigateTimeout 打开起始页的超时，默认 30s
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager 管理浏览器生命周期
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager 创建管理器，调用 Start 启动浏览器
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start 启动本地 Chrome 或连接远程实例
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}

	b, err := m.launch(ctx)
	if err != nil {
		return nil, err
	}
	m.browser = b
	return b, nil
}

// Browser 当前浏览器句柄，未启动时为 nil
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Close 关闭浏览器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.cleanup()
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger
	var wsURL string

	if m.cfg.RemoteURL != "" {
		u, err := launcher.ResolveURL(m.cfg.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("browser: resolve %s: %w", m.cfg.RemoteURL, err)
		}
		wsURL = u
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		// 后台标签页也需要持续出帧
		l = l.Set("disable-background-timer-throttling").
			Set("disable-renderer-backgrounding").
			Set("disable-backgrounding-occluded-windows")

		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headless", m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	if m.cfg.RemoteURL == "" && m.cfg.StartURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
		defer cancel()
		if _, err := b.Context(navCtx).Page(proto.TargetCreateTarget{URL: m.cfg.StartURL}); err != nil {
			log.Warn("browser: open start page failed", "url", m.cfg.StartURL, "error", err)
		}
	}
	return b, nil
}

func (m *Manager) cleanup() error {
	var err error
	if m.browser != nil {
		// 远程实例只断开连接，不关闭用户的浏览器
		if m.lnch != nil {
			err = m.browser.Close()
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}

// ActivePage 返回当前录制目标标签页
// 优先选择可见的页面，其次为第一个普通网页
func (m *Manager) ActivePage(ctx context.Context) (*rod.Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	targets, err := proto.TargetGetTargets{}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("browser: list targets: %w", err)
	}

	candidates := make([]*proto.TargetTargetInfo, 0, len(targets.TargetInfos))
	for _, info := range targets.TargetInfos {
		if info.Type == proto.TargetTargetInfoTypePage {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("browser: no open tabs")
	}

	for _, info := range candidates {
		page, err := b.PageFromTarget(info.TargetID)
		if err != nil {
			continue
		}
		res, err := page.Context(ctx).Eval(`() => document.visibilityState`)
		if err == nil && res.Value.Str() == "visible" {
			return page, nil
		}
	}

	page, err := b.PageFromTarget(PickTab(candidates).TargetID)
	if err != nil {
		return nil, fmt.Errorf("browser: attach tab: %w", err)
	}
	return page, nil
}

// PickTab 在没有可见标签页时选择目标：优先普通网页
func PickTab(infos []*proto.TargetTargetInfo) *proto.TargetTargetInfo {
	for _, info := range infos {
		if !capture.IsRestrictedURL(info.URL) {
			return info
		}
	}
	return infos[0]
}

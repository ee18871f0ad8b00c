package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"tabrec/internal/protocol"
)

// Hotkey 快捷键配置
type Hotkey struct {
	Modifiers []string `json:"modifiers" yaml:"modifiers"` // ctrl, alt, shift, win(windows)/cmd(mac)
	Key       string   `json:"key" yaml:"key"`             // 主键，如 s, a, 1, f1 等
}

// String 快捷键的字符串表示，如 ctrl+shift+r
func (h Hotkey) String() string {
	parts := append([]string{}, h.Modifiers...)
	return strings.Join(append(parts, h.Key), "+")
}

// Hotkeys 各录制命令的快捷键，Key 为空表示不注册
type Hotkeys struct {
	StartFull   Hotkey `json:"startFull" yaml:"startFull"`
	StartArea   Hotkey `json:"startArea" yaml:"startArea"`
	PauseResume Hotkey `json:"pauseResume" yaml:"pauseResume"`
	Stop        Hotkey `json:"stop" yaml:"stop"`
	Cancel      Hotkey `json:"cancel" yaml:"cancel"`
}

// Storage 存储配置
type Storage struct {
	Directory     string `json:"directory" yaml:"directory"`         // 保存目录
	Prefix        string `json:"prefix" yaml:"prefix"`               // 文件名前缀
	Database      string `json:"database" yaml:"database"`           // 录制索引数据库
	KeepChunks    bool   `json:"keepChunks" yaml:"keepChunks"`       // 索引中同时保存文件内容
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"` // 0 表示不自动清理
}

// Recording 录制配置
type Recording struct {
	protocol.Preferences `yaml:",inline"`

	MaxDurationSec       int `json:"maxDurationSec" yaml:"maxDurationSec"`             // GIF 最长时长
	FirstFrameTimeoutSec int `json:"firstFrameTimeoutSec" yaml:"firstFrameTimeoutSec"` // 等待第一帧
	MaxGIFWidth          int `json:"maxGifWidth" yaml:"maxGifWidth"`
	Workers              int `json:"workers" yaml:"workers"` // GIF 合成并发数
}

// Browser 浏览器配置
type Browser struct {
	RemoteURL string `json:"remoteUrl" yaml:"remoteUrl"` // 为空时本地启动
	Headless  bool   `json:"headless" yaml:"headless"`
	Bin       string `json:"bin" yaml:"bin"`
	StartURL  string `json:"startUrl" yaml:"startUrl"`
}

// API 本地控制接口配置
type API struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"` // 只允许回环地址
}

// Behavior 行为配置
type Behavior struct {
	ShowNotification bool   `json:"showNotification" yaml:"showNotification"` // 显示通知
	CopyPath         bool   `json:"copyPath" yaml:"copyPath"`                 // 保存后复制文件路径
	LogLevel         string `json:"logLevel" yaml:"logLevel"`                 // debug, info, warn, error
}

// Config 主配置结构
type Config struct {
	Hotkeys   Hotkeys   `json:"hotkeys" yaml:"hotkeys"`
	Storage   Storage   `json:"storage" yaml:"storage"`
	Recording Recording `json:"recording" yaml:"recording"`
	Browser   Browser   `json:"browser" yaml:"browser"`
	API       API       `json:"api" yaml:"api"`
	Behavior  Behavior  `json:"behavior" yaml:"behavior"`

	mu   sync.Mutex
	path string
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Hotkeys: Hotkeys{
			StartFull:   Hotkey{Modifiers: []string{"alt", "shift"}, Key: "r"},
			StartArea:   Hotkey{Modifiers: []string{"alt", "shift"}, Key: "a"},
			PauseResume: Hotkey{Modifiers: []string{"alt", "shift"}, Key: "p"},
			Stop:        Hotkey{Modifiers: []string{"alt", "shift"}, Key: "s"},
			Cancel:      Hotkey{Modifiers: []string{"alt", "shift"}, Key: "x"},
		},
		Storage: Storage{
			Directory: filepath.Join(homeDir, "Videos", "tabrec"),
			Prefix:    "recording",
			Database:  filepath.Join(configDir(), "tabrec", "recordings.db"),
		},
		Recording: Recording{
			Preferences:          protocol.DefaultPreferences(),
			MaxDurationSec:       60,
			FirstFrameTimeoutSec: 10,
			MaxGIFWidth:          960,
			Workers:              runtime.NumCPU(),
		},
		Browser: Browser{
			StartURL: "about:blank",
		},
		API: API{
			Enabled: true,
			Addr:    "127.0.0.1:7719",
		},
		Behavior: Behavior{
			ShowNotification: true,
			CopyPath:         true,
			LogLevel:         "info",
		},
	}
}

func configDir() string {
	if runtime.GOOS == "windows" {
		dir := os.Getenv("APPDATA")
		if dir == "" {
			homeDir, _ := os.UserHomeDir()
			dir = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config")
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return filepath.Join(configDir(), "tabrec", "config.json")
}

// Load 加载默认位置的配置
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom 加载配置
// 同目录下存在 config.yaml 时优先使用；都不存在时写入默认配置
func LoadFrom(path string) (*Config, error) {
	yamlPath := filepath.Join(filepath.Dir(path), "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		cfg := DefaultConfig()
		cfg.path = yamlPath
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
		cfg.Validate()
		return cfg, nil
	}

	// 如果配置文件不存在，返回默认配置
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.path = path
		// 保存默认配置
		_ = cfg.Save()
		return cfg, nil
	}
	if err != nil {
		cfg := DefaultConfig()
		cfg.path = path
		return cfg, err
	}

	// 缺失的字段保留默认值
	cfg := DefaultConfig()
	cfg.path = path
	if err := json.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// 验证并修正配置
	cfg.Validate()

	return cfg, nil
}

// Validate 验证并修正配置值
func (c *Config) Validate() {
	defaults := DefaultConfig()

	c.Recording.Preferences.Normalize()
	if c.Recording.MaxDurationSec < 1 || c.Recording.MaxDurationSec > 600 {
		c.Recording.MaxDurationSec = defaults.Recording.MaxDurationSec
	}
	if c.Recording.FirstFrameTimeoutSec < 1 || c.Recording.FirstFrameTimeoutSec > 60 {
		c.Recording.FirstFrameTimeoutSec = defaults.Recording.FirstFrameTimeoutSec
	}
	if c.Recording.MaxGIFWidth < 16 {
		c.Recording.MaxGIFWidth = defaults.Recording.MaxGIFWidth
	}
	if c.Recording.Workers < 1 {
		c.Recording.Workers = defaults.Recording.Workers
	}

	// 防止路径遍历攻击
	if c.Storage.Directory == "" || strings.Contains(c.Storage.Directory, "..") {
		c.Storage.Directory = defaults.Storage.Directory
	}
	if c.Storage.Database == "" || strings.Contains(c.Storage.Database, "..") {
		c.Storage.Database = defaults.Storage.Database
	}
	c.Storage.Prefix = strings.TrimSpace(c.Storage.Prefix)
	if c.Storage.Prefix == "" || strings.ContainsAny(c.Storage.Prefix, `/\:*?"<>|`) {
		c.Storage.Prefix = defaults.Storage.Prefix
	}
	if c.Storage.RetentionDays < 0 {
		c.Storage.RetentionDays = 0
	}

	// 控制接口只监听回环地址
	if !isLoopback(c.API.Addr) {
		c.API.Addr = defaults.API.Addr
	}

	switch strings.ToLower(c.Behavior.LogLevel) {
	case "debug", "info", "warn", "error":
		c.Behavior.LogLevel = strings.ToLower(c.Behavior.LogLevel)
	default:
		c.Behavior.LogLevel = defaults.Behavior.LogLevel
	}

	// 验证快捷键
	c.Hotkeys.StartFull = validateHotkey(c.Hotkeys.StartFull)
	c.Hotkeys.StartArea = validateHotkey(c.Hotkeys.StartArea)
	c.Hotkeys.PauseResume = validateHotkey(c.Hotkeys.PauseResume)
	c.Hotkeys.Stop = validateHotkey(c.Hotkeys.Stop)
	c.Hotkeys.Cancel = validateHotkey(c.Hotkeys.Cancel)
}

var validMods = map[string]bool{"ctrl": true, "alt": true, "shift": true, "win": true, "cmd": true, "control": true, "option": true, "super": true, "command": true}

// validateHotkey 过滤无效修饰键；没有有效修饰键时禁用该快捷键
func validateHotkey(h Hotkey) Hotkey {
	mods := []string{}
	for _, mod := range h.Modifiers {
		if validMods[strings.ToLower(mod)] {
			mods = append(mods, strings.ToLower(mod))
		}
	}
	if !validKey(h.Key) || len(mods) == 0 {
		return Hotkey{}
	}
	return Hotkey{Modifiers: mods, Key: strings.ToLower(h.Key)}
}

// ParseHotkey 解析快捷键字符串，如 "ctrl+alt+s"
func ParseHotkey(s string) (Hotkey, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) < 2 {
		return Hotkey{}, fmt.Errorf("hotkey %q: need at least one modifier and a key", s)
	}

	h := Hotkey{Modifiers: []string{}}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if i == len(parts)-1 {
			// 最后一个是主键
			h.Key = part
			continue
		}
		// 前面的是修饰键
		switch part {
		case "ctrl", "control":
			h.Modifiers = append(h.Modifiers, "ctrl")
		case "alt", "option":
			h.Modifiers = append(h.Modifiers, "alt")
		case "shift":
			h.Modifiers = append(h.Modifiers, "shift")
		case "win", "cmd", "command", "super":
			h.Modifiers = append(h.Modifiers, "win")
		default:
			return Hotkey{}, fmt.Errorf("hotkey %q: unknown modifier %q", s, part)
		}
	}

	if !validKey(h.Key) {
		return Hotkey{}, fmt.Errorf("hotkey %q: invalid key %q (a-z, 0-9, f1-f12)", s, h.Key)
	}
	return h, nil
}

func validKey(key string) bool {
	key = strings.ToUpper(key)
	if len(key) == 1 {
		return (key[0] >= 'A' && key[0] <= 'Z') || (key[0] >= '0' && key[0] <= '9')
	}
	// 功能键 F1-F12
	if strings.HasPrefix(key, "F") {
		var n int
		if _, err := fmt.Sscanf(key[1:], "%d", &n); err == nil && n >= 1 && n <= 12 && fmt.Sprint(n) == key[1:] {
			return true
		}
	}
	return false
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Path 配置文件路径
func (c *Config) Path() string {
	if c.path != "" {
		return c.path
	}
	return GetConfigPath()
}

// Save 保存配置
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	configPath := c.Path()

	// 确保目录存在
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	if filepath.Ext(configPath) == ".yaml" {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "    ")
	}
	if err != nil {
		return err
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, configPath)
}

// SavePreferences 保存录制偏好
func (c *Config) SavePreferences(p protocol.Preferences) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Recording.Preferences = p
	return c.saveLocked()
}

// SetHotkey 修改指定命令的快捷键并保存
func (c *Config) SetHotkey(name string, h Hotkey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "start-full":
		c.Hotkeys.StartFull = h
	case "start-area":
		c.Hotkeys.StartArea = h
	case "pause-resume":
		c.Hotkeys.PauseResume = h
	case "stop":
		c.Hotkeys.Stop = h
	case "cancel":
		c.Hotkeys.Cancel = h
	default:
		return fmt.Errorf("unknown hotkey %q (start-full, start-area, pause-resume, stop, cancel)", name)
	}
	return c.saveLocked()
}

// EnsureStorageDir 确保存储目录存在
func (c *Config) EnsureStorageDir() error {
	// 展开 ~
	dir := c.Storage.Directory
	if len(dir) > 0 && dir[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		dir = filepath.Join(homeDir, dir[1:])
	}
	c.Storage.Directory = dir

	return os.MkdirAll(dir, 0755)
}

package capture

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// restrictedPrefixes 平台不允许采集的页面
var restrictedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-search://",
	"devtools://",
	"edge://",
	"about:",
	"view-source:",
}

// IsRestrictedURL 是否为受限页面
func IsRestrictedURL(u string) bool {
	lower := strings.ToLower(u)
	for _, p := range restrictedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// TabStreamProvider 通过 CDP 屏幕投射（Page.startScreencast）采集标签页
type TabStreamProvider struct {
	browser func() *rod.Browser
	quality int
	logger  *slog.Logger
}

// NewTabStreamProvider 创建标签页采集器
// quality 为投射帧的 JPEG 质量
func NewTabStreamProvider(browser func() *rod.Browser, quality int, logger *slog.Logger) *TabStreamProvider {
	if quality < 1 || quality > 100 {
		quality = 90
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TabStreamProvider{browser: browser, quality: quality, logger: logger}
}

// Acquire 开始投射指定标签页
func (p *TabStreamProvider) Acquire(ctx context.Context, tabID string) (Stream, error) {
	b := p.browser()
	if b == nil {
		return nil, fmt.Errorf("capture: no browser connected")
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(tabID))
	if err != nil {
		return nil, fmt.Errorf("capture: find tab %s: %w", tabID, err)
	}

	info, err := page.Context(ctx).Info()
	if err != nil {
		return nil, fmt.Errorf("capture: tab info: %w", err)
	}
	if IsRestrictedURL(info.URL) {
		return nil, fmt.Errorf("%w: %s", ErrRestrictedPage, info.URL)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &tabStream{
		page:   page,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: p.logger,
	}

	// 先订阅事件再开始投射，避免丢失第一帧
	wait := page.Context(streamCtx).EachEvent(s.onFrame, s.onDetached, s.onNavigated)
	go func() {
		wait()
		s.finish(ErrStreamEnded)
	}()

	err = proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       gson.Int(p.quality),
		EveryNthFrame: gson.Int(1),
	}.Call(page.Context(ctx))
	if err != nil {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("capture: start screencast: %w", err)
	}

	p.logger.Info("capture: screencast started", "tab", tabID, "url", info.URL)
	return s, nil
}

// tabStream 一个标签页的投射流，只保留最新一帧
type tabStream struct {
	page   *rod.Page
	logger *slog.Logger

	mu        sync.RWMutex
	latest    Frame
	hasFrame  bool
	ready     chan struct{}
	readyOnce sync.Once
	cancel    context.CancelFunc
	closeOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
	closed   bool
	err      error
}

func (s *tabStream) onFrame(e *proto.PageScreencastFrame) {
	// 必须确认每一帧，否则浏览器停止推送
	if err := (proto.PageScreencastFrameAck{SessionID: e.SessionID}).Call(s.page); err != nil {
		s.logger.Debug("capture: frame ack failed", "error", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(e.Data))
	if err != nil {
		// 无法解码的帧直接跳过
		s.logger.Debug("capture: decode frame failed", "error", err)
		return
	}

	frame := Frame{Image: ToRGBA(img), Timestamp: time.Now()}
	s.mu.Lock()
	s.latest = frame
	s.hasFrame = true
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
}

// onDetached 标签页关闭或调试连接断开
func (s *tabStream) onDetached(e *proto.InspectorDetached) bool {
	s.finish(fmt.Errorf("%w: %s", ErrStreamEnded, e.Reason))
	return true
}

// onNavigated 顶层页面跳转到受限地址后平台不再推送画面
func (s *tabStream) onNavigated(e *proto.PageFrameNavigated) bool {
	if e.Frame == nil || e.Frame.ParentID != "" || !IsRestrictedURL(e.Frame.URL) {
		return false
	}
	s.finish(fmt.Errorf("%w: %s", ErrRestrictedPage, e.Frame.URL))
	return true
}

// finish 记录结束原因并关闭 done，主动关闭时不记录
func (s *tabStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.doneOnce.Do(func() {
		s.logger.Warn("capture: stream ended", "error", err)
		close(s.done)
	})
}

func (s *tabStream) Ready() <-chan struct{} {
	return s.ready
}

func (s *tabStream) Latest() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasFrame
}

func (s *tabStream) Done() <-chan struct{} {
	return s.done
}

func (s *tabStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *tabStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		err = proto.PageStopScreencast{}.Call(s.page)
	})
	return err
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabrec/internal/capture"
	"tabrec/internal/encoder"
	"tabrec/internal/protocol"
	"tabrec/internal/render"
	"tabrec/internal/storage"
)

// 默认参数
const (
	DefaultFirstFrameTimeout = 10 * time.Second
	DefaultStatsInterval     = 500 * time.Millisecond
)

// Saver 保存最终文件
type Saver interface {
	Save(ctx context.Context, meta storage.Meta, data []byte) (storage.Recording, error)
}

// remover 取消后撤回已保存的文件，Saver 可选实现
type remover interface {
	Delete(ctx context.Context, id string) error
}

// EncoderFactory 按输出格式创建编码器
type EncoderFactory func(format protocol.Format) encoder.Encoder

// DefaultEncoders 视频使用流式编码器，动图使用累积编码器
func DefaultEncoders(format protocol.Format) encoder.Encoder {
	if format == protocol.FormatGIF {
		return encoder.NewGIFEncoder()
	}
	return encoder.NewStreamEncoder()
}

// Config 控制器配置
type Config struct {
	Streams    capture.StreamProvider
	Saver      Saver
	NewEncoder EncoderFactory

	FirstFrameTimeout time.Duration
	StatsInterval     time.Duration
	MaxDurationSec    int
	MaxGIFWidth       int
	Workers           int
	TempDir           string
	MaxScanRows       int
	ZoomScale         float64
	ZoomDuration      time.Duration

	Now    func() time.Time
	Logger *slog.Logger

	// OnStats 周期性状态，可能丢失
	OnStats func(protocol.RecordingStats)

	// OnFinished 录制进入终止状态时调用
	OnFinished func(protocol.RecordingFinished)
}

func (c *Config) defaults() {
	if c.NewEncoder == nil {
		c.NewEncoder = DefaultEncoders
	}
	if c.FirstFrameTimeout <= 0 {
		c.FirstFrameTimeout = DefaultFirstFrameTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.MaxScanRows <= 0 {
		c.MaxScanRows = capture.DefaultMaxScanRows
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result Stop 的最终结果
type Result struct {
	Recording storage.Recording
	Duration  time.Duration
	Err       error
}

// resources 一次录制占用的资源，只释放一次
type resources struct {
	stream     capture.Stream
	enc        encoder.Encoder
	loop       *render.Loop
	abortStart context.CancelFunc
	statsStop  chan struct{}
	finalized  bool
	once       sync.Once
}

func (r *resources) release(logger *slog.Logger) {
	r.once.Do(func() {
		if r.abortStart != nil {
			r.abortStart()
		}
		if r.statsStop != nil {
			close(r.statsStop)
		}
		if r.loop != nil {
			r.loop.Stop()
		}
		if r.enc != nil && !r.finalized {
			r.enc.Abort()
		}
		if r.stream != nil {
			if err := r.stream.Close(); err != nil {
				logger.Debug("session: close stream", "error", err)
			}
		}
	})
}

// Controller 录制状态机
// 所有状态变化都经过 mu 串行化
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sess     *Session
	res      *resources
	progress float64
	viewport protocol.ViewportInfo
}

// NewController 创建控制器
func NewController(cfg Config) (*Controller, error) {
	if cfg.Streams == nil {
		return nil, errors.New("session: stream provider is required")
	}
	if cfg.Saver == nil {
		return nil, errors.New("session: saver is required")
	}
	cfg.defaults()
	return &Controller{cfg: cfg, logger: cfg.Logger}, nil
}

// Start 开始录制，阻塞到进入 Capturing 或失败
func (c *Controller) Start(ctx context.Context, req protocol.StartCapture) error {
	sess, res, attempt, err := c.reserve(ctx, req)
	if err != nil {
		return err
	}
	return c.run(attempt, sess, res, req)
}

// StartAsync 预留会话后在后台完成启动，失败通过 OnFinished 通知
func (c *Controller) StartAsync(req protocol.StartCapture) (string, error) {
	sess, res, attempt, err := c.reserve(context.Background(), req)
	if err != nil {
		return "", err
	}
	go c.run(attempt, sess, res, req)
	return sess.ID, nil
}

// reserve 检查单实例并创建会话
func (c *Controller) reserve(ctx context.Context, req protocol.StartCapture) (*Session, *resources, context.Context, error) {
	if req.TabID == "" {
		return nil, nil, nil, errors.New("session: missing tab id")
	}
	prefs := req.Preferences
	prefs.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && c.sess.State.Busy() {
		return nil, nil, nil, &TransitionError{Command: "start", From: c.sess.State}
	}

	attempt, abort := context.WithCancel(ctx)
	sess := &Session{
		ID:          uuid.NewString(),
		State:       StateAcquiringStream,
		TabID:       req.TabID,
		Format:      prefs.Format,
		View:        req.View,
		Preferences: prefs,
	}
	res := &resources{abortStart: abort}
	c.sess, c.res, c.progress = sess, res, 0

	c.logger.Info("session: acquiring stream", "session", sess.ID, "tab", req.TabID, "format", prefs.Format)
	return sess, res, attempt, nil
}

// current 会话是否仍是 sess 且处于 state
func (c *Controller) current(sess *Session, state State) bool {
	return c.sess == sess && sess.State == state
}

func (c *Controller) run(attempt context.Context, sess *Session, res *resources, req protocol.StartCapture) error {
	stream, err := c.cfg.Streams.Acquire(attempt, req.TabID)

	c.mu.Lock()
	if !c.current(sess, StateAcquiringStream) {
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return ErrCancelled
	}
	if err != nil {
		acqErr := &StreamAcquisitionError{TabID: req.TabID, Err: err}
		sess.Err = acqErr
		sess.State = StateIdle
		res.release(c.logger)
		info := c.finishedInfo(sess)
		info.StartFailed = true
		c.mu.Unlock()
		c.logger.Warn("session: stream acquisition failed", "session", sess.ID, "error", err)
		c.emit(info)
		return acqErr
	}
	res.stream = stream
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.FirstFrameTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-stream.Ready():
	case <-stream.Done():
		waitErr = fmt.Errorf("waiting for first frame: %w", stream.Err())
	case <-timer.C:
		waitErr = ErrFirstFrameTimeout
	case <-attempt.Done():
		waitErr = ErrCancelled
	}

	c.mu.Lock()
	if !c.current(sess, StateAcquiringStream) {
		c.mu.Unlock()
		return ErrCancelled
	}
	if waitErr == nil {
		waitErr = c.beginCapture(sess, res, req.Crop)
	}
	if waitErr != nil {
		if errors.Is(waitErr, ErrCancelled) {
			sess.end(c.cfg.Now(), StateCancelled)
		} else {
			sess.Err = waitErr
			sess.end(c.cfg.Now(), StateFailed)
		}
		res.release(c.logger)
		info := c.finishedInfo(sess)
		info.StartFailed = sess.State == StateFailed
		c.mu.Unlock()
		c.logger.Warn("session: start failed", "session", sess.ID, "error", waitErr)
		c.emit(info)
		return waitErr
	}
	c.mu.Unlock()
	return nil
}

// beginCapture 计算裁剪区域、初始化编码器并启动渲染循环，调用方持有 mu
func (c *Controller) beginCapture(sess *Session, res *resources, logical *capture.LogicalRegion) error {
	sess.State = StateDetectingOffset

	frame, ok := res.stream.Latest()
	if !ok || frame.Image == nil {
		return errors.New("first frame is not decodable")
	}
	b := frame.Image.Bounds()

	offset := capture.DetectContentOffset(capture.NewImageSampler(frame.Image), c.cfg.MaxScanRows)
	crop, err := capture.ResolveCrop(logical, sess.View, b.Dx(), b.Dy(), offset)
	if err != nil {
		return err
	}
	if sx, _ := capture.ViewportScale(b.Dx(), b.Dy(), sess.View); sx > 0 && math.Abs(sx-sess.View.DPR()) > 0.05 {
		c.logger.Warn("session: frame scale differs from device pixel ratio",
			"scale", sx, "dpr", sess.View.DPR(), "frame", b.Size())
	}
	sess.Offset, sess.Crop = offset, crop

	prefs := sess.Preferences
	enc := c.cfg.NewEncoder(sess.Format)
	err = enc.Initialize(encoder.Config{
		Width:          crop.Width,
		Height:         crop.Height,
		FPS:            prefs.FPS,
		Quality:        prefs.Quality.JPEGQuality(),
		MaxDurationSec: c.cfg.MaxDurationSec,
		MaxWidth:       c.cfg.MaxGIFWidth,
		Workers:        c.cfg.Workers,
		TempDir:        c.cfg.TempDir,
		OnProgress:     c.setProgress,
		OnError:        func(err error) { c.fail(sess, fmt.Errorf("encoder: %w", err)) },
		Logger:         c.logger,
	})
	if err != nil {
		return fmt.Errorf("initialize encoder: %w", err)
	}
	res.enc = enc

	loop, err := render.New(render.Config{
		FPS:          prefs.FPS,
		Crop:         crop,
		Source:       res.stream,
		Sink:         enc,
		Overlays:     overlaysFor(prefs),
		Logger:       c.logger,
		Now:          c.cfg.Now,
		OnCapReached: func() { c.onCapReached(sess) },
	})
	if err != nil {
		return err
	}
	res.loop = loop
	loop.SetForwarding(true)
	loop.Start(context.Background())

	sess.State = StateCapturing
	sess.StartedAt = c.cfg.Now()
	res.statsStop = make(chan struct{})
	go c.reportStats(res.statsStop)
	go c.watch(sess, res.stream, res.statsStop)

	c.logger.Info("session: capturing",
		"session", sess.ID, "crop", crop, "offset", offset, "fps", prefs.FPS, "encoder", enc.Extension())
	return nil
}

func overlaysFor(p protocol.Preferences) render.Overlays {
	return render.Overlays{Cursor: p.Cursor, Laser: p.Laser}
}

// expect 当前状态必须是 states 之一，调用方持有 mu
func (c *Controller) expect(command string, states ...State) (*Session, error) {
	if c.sess == nil {
		return nil, ErrNoSession
	}
	for _, s := range states {
		if c.sess.State == s {
			return c.sess, nil
		}
	}
	return nil, &TransitionError{Command: command, From: c.sess.State}
}

// Pause 暂停：渲染继续，但不再向编码器提交帧
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, err := c.expect("pause", StateCapturing)
	if err != nil {
		return err
	}
	c.res.loop.SetForwarding(false)
	sess.pause(c.cfg.Now())
	sess.State = StatePaused
	c.logger.Info("session: paused", "session", sess.ID)
	return nil
}

// Resume 恢复录制并累计暂停时长
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, err := c.expect("resume", StatePaused)
	if err != nil {
		return err
	}
	sess.resume(c.cfg.Now())
	sess.State = StateCapturing
	c.res.loop.SetForwarding(true)
	c.logger.Info("session: resumed", "session", sess.ID, "paused", sess.AccumulatedPause)
	return nil
}

// Stop 停止录制并在后台生成文件，结果从返回的 channel 读取
func (c *Controller) Stop(ctx context.Context) (<-chan Result, error) {
	c.mu.Lock()
	sess, err := c.expect("stop", StateCapturing, StatePaused)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	res := c.res
	res.loop.SetForwarding(false)
	sess.end(c.cfg.Now(), StateFinalizing)
	c.mu.Unlock()

	c.logger.Info("session: finalizing", "session", sess.ID, "duration", sess.Duration(time.Time{}))
	res.loop.Stop()

	out := make(chan Result, 1)
	go c.finalize(ctx, sess, res, out)
	return out, nil
}

func (c *Controller) finalize(ctx context.Context, sess *Session, res *resources, out chan<- Result) {
	defer close(out)

	blob, err := res.enc.Finalize(ctx)

	c.mu.Lock()
	if !c.current(sess, StateFinalizing) {
		c.mu.Unlock()
		out <- Result{Err: ErrCancelled}
		return
	}
	res.finalized = true
	meta := storage.Meta{
		Format:     string(sess.Format),
		DurationMs: sess.Duration(time.Time{}).Milliseconds(),
		Width:      sess.Crop.Width,
		Height:     sess.Crop.Height,
		CreatedAt:  sess.StartedAt,
	}
	c.mu.Unlock()

	// 保存可能很慢，不持有 mu，期间 Stats 和 Cancel 仍可响应
	var rec storage.Recording
	if err == nil {
		meta.Extension, meta.MIMEType, meta.FrameCount = blob.Extension, blob.MIMEType, blob.FrameCount
		rec, err = c.cfg.Saver.Save(ctx, meta, blob.Data)
	}

	c.mu.Lock()
	if !c.current(sess, StateFinalizing) {
		c.mu.Unlock()
		if err == nil {
			c.discard(rec)
		}
		out <- Result{Err: ErrCancelled}
		return
	}
	if err == nil {
		sess.FrameCount, sess.TotalBytes = blob.FrameCount, int64(len(blob.Data))
		sess.State = StateFinished
		res.release(c.logger)
		info := c.finishedInfo(sess)
		info.ID, info.Filename, info.Path = rec.ID, rec.Filename, rec.Path
		c.mu.Unlock()

		c.logger.Info("session: finished", "session", sess.ID, "file", rec.Filename, "frames", blob.FrameCount)
		c.emit(info)
		out <- Result{Recording: rec, Duration: sess.Duration(time.Time{})}
		return
	}

	sess.Err = fmt.Errorf("finalize: %w", err)
	sess.State = StateFailed
	res.release(c.logger)
	info := c.finishedInfo(sess)
	c.mu.Unlock()

	c.logger.Error("session: finalize failed", "session", sess.ID, "error", err)
	c.emit(info)
	out <- Result{Err: sess.Err}
}

// discard 删除取消后才保存完成的文件
func (c *Controller) discard(rec storage.Recording) {
	rm, ok := c.cfg.Saver.(remover)
	if !ok {
		c.logger.Warn("session: cancelled after save, file kept", "file", rec.Filename)
		return
	}
	if err := rm.Delete(context.Background(), rec.ID); err != nil {
		c.logger.Warn("session: remove cancelled recording", "id", rec.ID, "error", err)
	}
}

// watch 录制中流意外结束时转为失败
func (c *Controller) watch(sess *Session, stream capture.Stream, stop <-chan struct{}) {
	select {
	case <-stop:
	case <-stream.Done():
		c.fail(sess, fmt.Errorf("capture stream ended: %w", stream.Err()))
	}
}

// fail 录制中出现不可恢复的错误，释放资源并通知
func (c *Controller) fail(sess *Session, err error) {
	c.mu.Lock()
	if c.sess != sess || (sess.State != StateCapturing && sess.State != StatePaused) {
		c.mu.Unlock()
		return
	}
	sess.Err = err
	sess.end(c.cfg.Now(), StateFailed)
	c.res.release(c.logger)
	info := c.finishedInfo(sess)
	c.mu.Unlock()

	c.logger.Error("session: recording failed", "session", sess.ID, "error", err)
	c.emit(info)
}

// Cancel 放弃录制，任何非终止状态都可以取消
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	sess := c.sess
	if !sess.State.Busy() {
		c.mu.Unlock()
		return &TransitionError{Command: "cancel", From: sess.State}
	}
	sess.end(c.cfg.Now(), StateCancelled)
	c.res.release(c.logger)
	info := c.finishedInfo(sess)
	c.mu.Unlock()

	c.logger.Info("session: cancelled", "session", sess.ID)
	c.emit(info)
	return nil
}

// onCapReached 累积编码器达到帧数上限，按正常停止处理
func (c *Controller) onCapReached(sess *Session) {
	c.mu.Lock()
	active := c.sess == sess && (sess.State == StateCapturing || sess.State == StatePaused)
	c.mu.Unlock()
	if !active {
		return
	}
	c.logger.Info("session: frame cap reached, stopping", "session", sess.ID)
	if _, err := c.Stop(context.Background()); err != nil {
		c.logger.Debug("session: stop after frame cap", "error", err)
	}
}

func (c *Controller) setProgress(p float64) {
	c.mu.Lock()
	if p > c.progress {
		c.progress = p
	}
	c.mu.Unlock()
}

func (c *Controller) reportStats(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if stats, ok := c.Stats(); ok && c.cfg.OnStats != nil {
				c.cfg.OnStats(stats)
			}
		}
	}
}

// Stats 当前录制状态
func (c *Controller) Stats() (protocol.RecordingStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return protocol.RecordingStats{}, false
	}
	s := c.sess
	st := protocol.RecordingStats{
		Duration:    s.Duration(c.cfg.Now()).Milliseconds(),
		IsRecording: s.State == StateCapturing || s.State == StatePaused,
		IsPaused:    s.State == StatePaused,
		State:       s.State.String(),
		Progress:    c.progress,
		FrameCount:  s.FrameCount,
		Size:        s.TotalBytes,
	}
	if c.res != nil && c.res.enc != nil && !s.State.Terminal() {
		es := c.res.enc.Status()
		st.FrameCount, st.Size = es.FrameCount, es.EstimatedSize
	}
	return st, true
}

// Snapshot 当前会话的副本
func (c *Controller) Snapshot() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Session{}, false
	}
	return *c.sess, true
}

func (c *Controller) finishedInfo(s *Session) protocol.RecordingFinished {
	info := protocol.RecordingFinished{
		DurationMs: s.Duration(c.cfg.Now()).Milliseconds(),
		Size:       s.TotalBytes,
		State:      s.State.String(),
	}
	if s.Err != nil {
		info.Error = s.Err.Error()
	}
	return info
}

func (c *Controller) emit(info protocol.RecordingFinished) {
	if c.cfg.OnFinished != nil {
		c.cfg.OnFinished(info)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Meta 一次录制的描述信息
type Meta struct {
	Format     string
	Extension  string
	MIMEType   string
	DurationMs int64
	FrameCount int
	Width      int
	Height     int
	CreatedAt  time.Time
}

// Library 录制库：文件落盘并写入索引
type Library struct {
	files      *Storage
	index      *Index
	keepChunks bool
	chunkSize  int
	logger     *slog.Logger
}

// LibraryOptions 录制库选项
type LibraryOptions struct {
	KeepChunks bool // 二进制内容同时写入索引库
	ChunkSize  int
	Logger     *slog.Logger
}

// NewLibrary 创建录制库
func NewLibrary(files *Storage, index *Index, opts LibraryOptions) *Library {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Library{
		files:      files,
		index:      index,
		keepChunks: opts.KeepChunks,
		chunkSize:  opts.ChunkSize,
		logger:     opts.Logger,
	}
}

// Save 写入文件并登记索引；索引失败时删除已写入的文件
func (l *Library) Save(ctx context.Context, meta Meta, data []byte) (Recording, error) {
	if len(data) == 0 {
		return Recording{}, ErrEmptyRecording
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	path, filename, err := l.files.Write(data, meta.Extension, meta.CreatedAt)
	if err != nil {
		return Recording{}, err
	}

	rec := Recording{
		ID:         uuid.NewString(),
		Timestamp:  meta.CreatedAt,
		DurationMs: meta.DurationMs,
		Size:       int64(len(data)),
		Format:     meta.Format,
		MIMEType:   meta.MIMEType,
		Filename:   filename,
		Path:       path,
		FrameCount: meta.FrameCount,
		Width:      meta.Width,
		Height:     meta.Height,
	}

	var chunks []byte
	if l.keepChunks {
		chunks = data
	}
	if err := l.index.Insert(ctx, rec, chunks, l.chunkSize); err != nil {
		l.files.Remove(path)
		return Recording{}, err
	}

	l.logger.Info("storage: recording saved", "id", rec.ID, "file", filename, "size", rec.Size)
	return rec, nil
}

// List 列出录制
func (l *Library) List(ctx context.Context, limit int) ([]Recording, error) {
	return l.index.List(ctx, limit)
}

// Get 查询录制
func (l *Library) Get(ctx context.Context, id string) (Recording, error) {
	return l.index.Get(ctx, id)
}

// Load 读取录制内容，优先使用索引中的分块
func (l *Library) Load(ctx context.Context, id string) (Recording, []byte, error) {
	rec, err := l.index.Get(ctx, id)
	if err != nil {
		return Recording{}, nil, err
	}
	data, err := l.index.Chunks(ctx, id)
	if err != nil {
		return Recording{}, nil, err
	}
	if len(data) > 0 {
		return rec, data, nil
	}
	data, err = os.ReadFile(rec.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Recording{}, nil, fmt.Errorf("%w: file %s is missing", ErrNotFound, rec.Filename)
		}
		return Recording{}, nil, err
	}
	return rec, data, nil
}

// Delete 删除录制文件和索引条目
func (l *Library) Delete(ctx context.Context, id string) error {
	rec, err := l.index.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := l.files.Remove(rec.Path); err != nil {
		return err
	}
	return l.index.Delete(ctx, id)
}

// Prune 删除早于保留期的录制
func (l *Library) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	old, err := l.index.OlderThan(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range old {
		if err := l.Delete(ctx, rec.ID); err != nil {
			l.logger.Warn("storage: prune failed", "id", rec.ID, "error", err)
			continue
		}
		removed++
	}

	// 索引之外的残留文件
	if n, err := l.files.Cleanup(olderThan); err == nil && n > 0 {
		l.logger.Info("storage: removed orphan files", "count", n)
	}
	return removed, nil
}

// Directory 保存目录
func (l *Library) Directory() string {
	return l.files.GetDirectory()
}

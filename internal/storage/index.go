package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound 录制记录不存在
var ErrNotFound = errors.New("recording not found")

// DefaultChunkSize 二进制分块大小
const DefaultChunkSize = 1 << 20

// Recording 录制索引条目
type Recording struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration"`
	Size       int64     `json:"size"`
	Format     string    `json:"format"`
	MIMEType   string    `json:"mimeType"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	FrameCount int       `json:"frameCount"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

// Index 录制索引（SQLite）
type Index struct {
	db *sql.DB
}

// Options 数据库选项
type Options struct {
	BusyTimeout time.Duration
	Synchronous string
	CacheSize   int
}

// OpenIndex 打开或创建索引数据库
func OpenIndex(path string, options Options) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 内存库每个连接各自独立
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	synchronous := options.Synchronous
	if synchronous == "" {
		synchronous = "NORMAL"
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA synchronous=%s", synchronous)); err != nil {
		_ = db.Close()
		return nil, err
	}

	busyTimeoutMs := int(options.BusyTimeout / time.Millisecond)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		_ = db.Close()
		return nil, err
	}

	if options.CacheSize != 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA cache_size=%d", options.CacheSize)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	x := &Index{db: db}
	if err := x.MigrateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return x, nil
}

// Close 关闭数据库
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Insert 写入索引条目，chunks 非空时一并保存二进制分块
func (x *Index) Insert(ctx context.Context, rec Recording, data []byte, chunkSize int) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recordings (id, created_at, duration_ms, size, format, mime_type, filename, path, frame_count, width, height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.DurationMs, rec.Size, rec.Format, rec.MIMEType,
		rec.Filename, rec.Path, rec.FrameCount, rec.Width, rec.Height)
	if err != nil {
		return fmt.Errorf("storage: insert recording: %w", err)
	}

	if len(data) > 0 {
		if chunkSize <= 0 {
			chunkSize = DefaultChunkSize
		}
		for seq, off := 0, 0; off < len(data); seq, off = seq+1, off+chunkSize {
			end := min(off+chunkSize, len(data))
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO recording_chunks (recording_id, seq, data) VALUES (?, ?, ?)`,
				rec.ID, seq, data[off:end]); err != nil {
				return fmt.Errorf("storage: insert chunk %d: %w", seq, err)
			}
		}
	}

	return tx.Commit()
}

const recordingColumns = `id, created_at, duration_ms, size, format, mime_type, filename, path, frame_count, width, height`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (Recording, error) {
	var rec Recording
	var createdAt int64
	err := row.Scan(&rec.ID, &createdAt, &rec.DurationMs, &rec.Size, &rec.Format, &rec.MIMEType,
		&rec.Filename, &rec.Path, &rec.FrameCount, &rec.Width, &rec.Height)
	if err != nil {
		return Recording{}, err
	}
	rec.Timestamp = time.UnixMilli(createdAt)
	return rec, nil
}

// List 按时间倒序列出录制，limit<=0 表示全部
func (x *Index) List(ctx context.Context, limit int) ([]Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get 按 ID 查询
func (x *Index) Get(ctx context.Context, id string) (Recording, error) {
	row := x.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	return rec, err
}

// Chunks 按顺序拼接二进制分块，没有分块时返回 nil
func (x *Index) Chunks(ctx context.Context, id string) ([]byte, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT data FROM recording_chunks WHERE recording_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, rows.Err()
}

// Delete 删除条目及其分块
func (x *Index) Delete(ctx context.Context, id string) error {
	res, err := x.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OlderThan 列出早于 cutoff 的录制
func (x *Index) OlderThan(ctx context.Context, cutoff time.Time) ([]Recording, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE created_at < ? ORDER BY created_at`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

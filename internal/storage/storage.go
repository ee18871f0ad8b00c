package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPrefix 录制文件名前缀
const DefaultPrefix = "recording"

// ErrEmptyRecording 不写入空文件
var ErrEmptyRecording = errors.New("recording is empty")

// Storage 录制文件存储管理
type Storage struct {
	directory string
	prefix    string
}

// NewStorage 创建存储管理器
func NewStorage(directory, prefix string) *Storage {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Storage{
		directory: expandHome(directory),
		prefix:    prefix,
	}
}

// expandHome 展开 ~
func expandHome(dir string) string {
	if len(dir) > 0 && dir[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		dir = filepath.Join(homeDir, dir[1:])
	}
	return dir
}

// Filename 生成文件名 {prefix}_{时间戳}.{ext}
// 时间戳为 UTC ISO8601，冒号和小数点替换为连字符
func Filename(prefix string, t time.Time, ext string) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return fmt.Sprintf("%s_%s.%s", prefix, stamp, strings.TrimPrefix(ext, "."))
}

// Write 保存录制内容，返回文件路径和文件名
func (s *Storage) Write(data []byte, ext string, at time.Time) (string, string, error) {
	if len(data) == 0 {
		return "", "", ErrEmptyRecording
	}

	// 确保目录存在
	if err := os.MkdirAll(s.directory, 0755); err != nil {
		return "", "", fmt.Errorf("storage: create directory: %w", err)
	}

	ext = strings.TrimPrefix(ext, ".")
	filename := Filename(s.prefix, at, ext)
	path := filepath.Join(s.directory, filename)

	// 同一毫秒内的重名文件加序号
	base := strings.TrimSuffix(filename, "."+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		filename = fmt.Sprintf("%s_%d.%s", base, i, ext)
		path = filepath.Join(s.directory, filename)
	}

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("storage: rename file: %w", err)
	}

	return path, filename, nil
}

// Remove 删除录制文件，文件不存在不算错误
func (s *Storage) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Cleanup 清理旧录制文件，只处理本前缀的文件
func (s *Storage) Cleanup(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), s.prefix+"_") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(s.directory, entry.Name())) == nil {
				removed++
			}
		}
	}

	return removed, nil
}

// GetDirectory 获取保存目录
func (s *Storage) GetDirectory() string {
	return s.directory
}

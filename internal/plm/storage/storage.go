package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist 对象不存在
var ErrNotExist = errors.New("object does not exist")

// BlobStore 文件内容存储
// key 为相对路径，例如 "STEP/bracket.step" 或 "Temp/bracket_0831_130500.step"
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Copy 在存储内复制对象，源保留
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Move 在存储内移动对象，源删除
	Move(ctx context.Context, srcKey, dstKey string) error
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ExtFolder 按扩展名归类存储目录，与既有文件库目录结构保持一致
func ExtFolder(filename string) string {
	ext := strings.ToUpper(strings.TrimPrefix(filepath.Ext(filename), "."))
	folderMap := map[string]string{
		"PRT": "NX", "ASM": "NX", "DRW": "NX",
		"SLDPRT": "SOLIDWORKS", "SLDASM": "SOLIDWORKS",
		"IPT": "INVENTOR", "IAM": "INVENTOR",
		"STEP": "STEP", "STP": "STEP",
		"STL": "STL", "3MF": "3MF", "OBJ": "OBJ",
	}
	if folder, ok := folderMap[ext]; ok {
		return folder
	}
	if ext == "" {
		return "OTHER"
	}
	return ext
}

// DiskStore 本地磁盘存储
type DiskStore struct {
	root string
}

// NewDiskStore 创建本地磁盘存储
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// resolve 校验 key 不越界后返回绝对路径
func (s *DiskStore) resolve(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal detected: %s", key)
	}
	return abs, nil
}

func (s *DiskStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (s *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return f, nil
}

func (s *DiskStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer src.Close()
	return s.Put(ctx, dstKey, src, -1)
}

func (s *DiskStore) Move(ctx context.Context, srcKey, dstKey string) error {
	srcPath, err := s.resolve(srcKey)
	if err != nil {
		return err
	}
	dstPath, err := s.resolve(dstKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("move file: %w", err)
	}
	return nil
}

func (s *DiskStore) Remove(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

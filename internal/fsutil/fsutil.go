// Package fsutil provides the download directory checks used before a
// transfer starts
// 这个包提供下载目录的权限与文件存在性检查
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/shepherd-project/mediadl/internal/logger"
)

// ErrNotWritable is returned when the download directory cannot be written
var ErrNotWritable = errors.New("download directory is not writable")

// ErrInsufficientSpace is returned when free space is below the configured minimum
var ErrInsufficientSpace = errors.New("insufficient free space")

// usageFunc reports free bytes for path; replaced in tests
type usageFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return stat.Free, nil
}

// DirPermission grants storage permission when the download directory exists,
// is writable and has enough free space
// DirPermission 检查下载目录是否可写以及剩余空间
type DirPermission struct {
	dir          string
	minFreeBytes int64
	usage        usageFunc

	once    sync.Once
	mkdirErr error
}

// NewDirPermission creates a checker for dir. minFreeBytes <= 0 disables the
// free space check.
func NewDirPermission(dir string, minFreeBytes int64) *DirPermission {
	return &DirPermission{dir: dir, minFreeBytes: minFreeBytes, usage: diskFree}
}

// Dir returns the download directory
func (p *DirPermission) Dir() string {
	return p.dir
}

// EnsureDir creates the download directory once
func (p *DirPermission) EnsureDir() error {
	p.once.Do(func() {
		if err := os.MkdirAll(p.dir, 0755); err != nil {
			p.mkdirErr = fmt.Errorf("create download directory: %w", err)
		}
	})
	return p.mkdirErr
}

// Check reports whether downloads may be written
func (p *DirPermission) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.EnsureDir(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(p.dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)

	if p.minFreeBytes > 0 {
		free, err := p.usage(p.dir)
		if err != nil {
			// 无法获取磁盘信息时不阻止下载
			logger.WithError(err).Warnf("无法读取磁盘空间: %s", p.dir)
			return nil
		}
		if free < uint64(p.minFreeBytes) {
			return fmt.Errorf("%w: %s free, %s required", ErrInsufficientSpace,
				humanize.IBytes(free), humanize.IBytes(uint64(p.minFreeBytes)))
		}
	}
	return nil
}

// DirChecker finds completed downloads in a directory
type DirChecker struct {
	dir string
}

// NewDirChecker creates a checker for dir
func NewDirChecker(dir string) *DirChecker {
	return &DirChecker{dir: dir}
}

// Exists reports whether a file named "<fileName>.<ext>" exists in the
// directory. Directories and temp files are ignored.
func (c *DirChecker) Exists(fileName string) bool {
	if fileName == "" {
		return false
	}
	matches, err := filepath.Glob(filepath.Join(c.dir, escapeGlob(fileName)+".*"))
	if err != nil {
		return false
	}
	for _, m := range matches {
		// "<fileName>.*" also matches longer names such as ep1.part2.mp4
		base := filepath.Base(m)
		if strings.TrimSuffix(base, filepath.Ext(base)) != fileName {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".tmp") {
			continue
		}
		return true
	}
	return false
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

// ErrUnsafeName is returned for names that would escape the download directory
var ErrUnsafeName = errors.New("unsafe file name")

// ValidateName rejects file names and types that are not a single path element
// ValidateName 防止路径遍历
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case filepath.Base(name) != name || filepath.IsAbs(name):
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

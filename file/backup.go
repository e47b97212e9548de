package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BackupTimeLayout is the timestamp suffix layout of backup files.
const BackupTimeLayout = "20060102_150405"

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// BackupPath returns a path in dir for a backup of dest taken at now:
// <name>_backup_<YYYYmmdd_HHMMSS><ext>. If that name is taken a counter is
// appended so two backups within one second never collide.
func BackupPath(dir, dest string, now time.Time) string {
	if dir == "" {
		dir = filepath.Dir(dest)
	}
	base := filepath.Base(dest)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stamp := now.Format(BackupTimeLayout)

	candidate := filepath.Join(dir, fmt.Sprintf("%s_backup_%s%s", stem, stamp, ext))
	for i := 1; fileOrDirExists(candidate); i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_backup_%s_%d%s", stem, stamp, i, ext))
	}
	return candidate
}

func fileOrDirExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CopyFile copies src to dst, preserving the permission bits and the
// modification time. dst is written through a temporary file and renamed,
// so a crash never leaves a half-written backup under the final name.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		return err
	}
	if err = os.Chtimes(tmp.Name(), info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

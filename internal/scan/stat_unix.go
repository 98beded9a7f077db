//go:build unix

package scan

import (
	"fmt"
	"io/fs"
	"syscall"
	"time"
)

// EncodeStat serializes a FileInfo into the catalog's LStat string.
// linkFI carries the FileIndex of a hard link's first occurrence, zero
// otherwise.
func EncodeStat(info fs.FileInfo, linkFI int64) (string, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}

	return encodeFields(StatData{
		Dev:     int64(stat.Dev),
		Ino:     int64(stat.Ino),
		Mode:    int64(stat.Mode),
		Nlink:   int64(stat.Nlink),
		UID:     int64(stat.Uid),
		GID:     int64(stat.Gid),
		Rdev:    int64(stat.Rdev),
		Size:    stat.Size,
		BlkSize: int64(stat.Blksize),
		Blocks:  stat.Blocks,
		Atime:   time.Unix(stat.Atim.Sec, stat.Atim.Nsec),
		Mtime:   info.ModTime(),
		Ctime:   time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec),
		LinkFI:  linkFI,
	}), nil
}

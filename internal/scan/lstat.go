package scan

import (
	"fmt"
	"strings"
	"time"
)

// The LStat column serializes a stat structure as sixteen
// space-separated fields, each a base64 rendition of one integer:
//
//	dev ino mode nlink uid gid rdev size blksize blocks
//	atime mtime ctime linkFI flags data
//
// The alphabet is the standard base64 one but values carry no padding
// and encode most significant digit first, so "A" is zero and "B" is
// one. Restore-side consumers only ever parse this string; they never
// re-derive it from the filesystem.

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// toBase64 renders a non-negative integer in the stat alphabet.
// Negative values get a leading '-'.
func toBase64(v int64) string {
	if v == 0 {
		return "A"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = base64Digits[v&0x3f]
		v >>= 6
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// fromBase64 parses one stat-alphabet field.
func fromBase64(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty stat field")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	var v int64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(base64Digits, s[i])
		if d < 0 {
			return 0, fmt.Errorf("bad stat digit %q", s[i])
		}
		v = v<<6 | int64(d)
	}
	if neg {
		v = -v
	}
	return v, nil
}

// StatData is a decoded LStat string.
type StatData struct {
	Dev     int64
	Ino     int64
	Mode    int64
	Nlink   int64
	UID     int64
	GID     int64
	Rdev    int64
	Size    int64
	BlkSize int64
	Blocks  int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	LinkFI  int64
	Flags   int64
}

// encodeFields renders the canonical sixteen-field string.
func encodeFields(d StatData) string {
	fields := []int64{
		d.Dev, d.Ino, d.Mode, d.Nlink, d.UID, d.GID, d.Rdev,
		d.Size, d.BlkSize, d.Blocks,
		d.Atime.Unix(), d.Mtime.Unix(), d.Ctime.Unix(),
		d.LinkFI, d.Flags, 0,
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = toBase64(f)
	}
	return strings.Join(parts, " ")
}

// DecodeStat parses an LStat string. Extra trailing fields are
// tolerated; missing ones are an error.
func DecodeStat(lstat string) (StatData, error) {
	parts := strings.Fields(lstat)
	if len(parts) < 16 {
		return StatData{}, fmt.Errorf("short stat string: %d fields", len(parts))
	}
	vals := make([]int64, 16)
	for i := 0; i < 16; i++ {
		v, err := fromBase64(parts[i])
		if err != nil {
			return StatData{}, fmt.Errorf("stat field %d: %w", i, err)
		}
		vals[i] = v
	}
	return StatData{
		Dev: vals[0], Ino: vals[1], Mode: vals[2], Nlink: vals[3],
		UID: vals[4], GID: vals[5], Rdev: vals[6],
		Size: vals[7], BlkSize: vals[8], Blocks: vals[9],
		Atime:  time.Unix(vals[10], 0),
		Mtime:  time.Unix(vals[11], 0),
		Ctime:  time.Unix(vals[12], 0),
		LinkFI: vals[13], Flags: vals[14],
	}, nil
}

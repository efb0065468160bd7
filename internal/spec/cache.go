package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const cachedDateKey = "cached_date"

// ErrCacheMiss is returned by FileCache.Load when there is nothing usable on
// disk.
var ErrCacheMiss = errors.New("spec cache miss")

// FileCache keeps the last good specification on disk as the fetched JSON
// plus a cached_date field.
type FileCache struct {
	Path string
}

// Load returns the cached document bytes and their capture time.
func (c *FileCache) Load() ([]byte, time.Time, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, ErrCacheMiss
		}
		return nil, time.Time{}, fmt.Errorf("read spec cache: %w", err)
	}
	var stamp struct {
		CachedDate string `json:"cached_date"`
	}
	if err := json.Unmarshal(data, &stamp); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	if stamp.CachedDate == "" {
		return nil, time.Time{}, fmt.Errorf("%w: no %s", ErrCacheMiss, cachedDateKey)
	}
	at, err := ParseTimestamp(stamp.CachedDate)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	return data, at, nil
}

// Store writes data stamped with at. The previous file is replaced only
// once the new one is fully written.
func (c *FileCache) Store(data []byte, at time.Time) error {
	stamped, err := withCachedDate(data, at)
	if err != nil {
		return err
	}
	return WriteFileAtomic(c.Path, stamped, 0o644)
}

// withCachedDate appends the stamp as the last key of the top-level object,
// leaving the original bytes (and so the path order) untouched. A stamp
// already present is shadowed, since the last duplicate key wins on decode.
func withCachedDate(data []byte, at time.Time) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return nil, errors.New("spec cache: document is not a JSON object")
	}
	stamp, err := json.Marshal(at.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	body := bytes.TrimSpace(trimmed[:len(trimmed)-1])
	var b bytes.Buffer
	b.Grow(len(trimmed) + 48)
	b.Write(body)
	if len(bytes.TrimSpace(body[1:])) > 0 {
		b.WriteByte(',')
	}
	b.WriteString(`"` + cachedDateKey + `":`)
	b.Write(stamp)
	b.WriteByte('}')
	return b.Bytes(), nil
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO-8601 form, which it
// reads as local time.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// WriteFileAtomic writes to a temporary file in the same directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

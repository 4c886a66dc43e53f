// Package keeping implements the RoadStack's durable trust store: one JSON
// file per estate record, written atomically. All of a keep's files sit
// flat in one directory: the local record is <prefix>.json and each remote
// record is <prefix>.<uid>.json. There are no local/ or remote/
// subdirectories; the filename shape alone tells the two apart.
package keeping

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/gtmanfred/raet/pkg/metrics"
)

var (
	// ErrInvalidPath is returned when a keep path contains whitespace.
	ErrInvalidPath = errors.New("keeping: invalid path")
	// ErrKeep wraps an underlying I/O failure on a write; unlike parse
	// errors, callers must see this one since it threatens trust continuity.
	ErrKeep = errors.New("keeping: persistence failure")
)

// Keep is the persistence contract for one category of estate record (road
// or safe). A stack owns a road keep and two safe keeps (one with the local
// schema, one with the remote schema), all in one directory; the road and
// safe keeps differ by file-name prefix.
type Keep interface {
	DumpLocal(record map[string]any) error
	LoadLocal() (map[string]any, error)
	DumpRemote(uid string, record map[string]any) error
	LoadRemote(uid string) (map[string]any, error)
	LoadAllRemote() (map[string]map[string]any, error)
	ClearLocal() error
	ClearRemote(uid string) error
	ClearAll() error
	Verify(record map[string]any) bool
	Defaults() map[string]any
}

// FileKeep is the only Keep implementation: a directory, a file-name prefix
// ("road" or "safe"), and the set of field names a valid record must carry.
// A stack's road and safe keeps are FileKeep values with different
// prefixes and Fields, not distinct Go types.
type FileKeep struct {
	Dir    string
	Prefix string
	Fields []string
}

// NewFileKeep validates dir and prefix and creates the directory tree.
func NewFileKeep(dir, prefix string, fields []string) (*FileKeep, error) {
	if containsSpace(dir) || containsSpace(prefix) {
		return nil, ErrInvalidPath
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeep, err)
	}
	return &FileKeep{Dir: dir, Prefix: prefix, Fields: fields}, nil
}

func containsSpace(s string) bool {
	return strings.ContainsAny(s, " \t\n\r")
}

func (k *FileKeep) localPath() string {
	return filepath.Join(k.Dir, k.Prefix+".json")
}

func (k *FileKeep) remotePath(uid string) string {
	return filepath.Join(k.Dir, fmt.Sprintf("%s.%s.json", k.Prefix, uid))
}

// Defaults zeroes every field declared in Fields, resolving the source's
// free-floating "fields" reference in defaults() as: the concrete Keep's
// own schema.
func (k *FileKeep) Defaults() map[string]any {
	d := make(map[string]any, len(k.Fields))
	for _, f := range k.Fields {
		d[f] = nil
	}
	return d
}

// Verify reports whether record's key set is exactly Fields, no more and
// no fewer.
func (k *FileKeep) Verify(record map[string]any) bool {
	if len(record) != len(k.Fields) {
		return false
	}
	for _, f := range k.Fields {
		if _, ok := record[f]; !ok {
			return false
		}
	}
	return true
}

// DumpLocal writes record to <prefix>.json, atomically.
func (k *FileKeep) DumpLocal(record map[string]any) error {
	if !k.Verify(record) {
		return fmt.Errorf("%w: record does not match schema", ErrKeep)
	}
	return atomicWriteJSON(k.localPath(), record)
}

// LoadLocal reads <prefix>.json, returning (nil, nil) if absent.
func (k *FileKeep) LoadLocal() (map[string]any, error) {
	return readJSON(k.localPath())
}

// ClearLocal removes <prefix>.json; removing an absent file is not an error.
func (k *FileKeep) ClearLocal() error {
	return clearPath(k.localPath())
}

// DumpRemote writes record to <prefix>.<uid>.json, atomically.
func (k *FileKeep) DumpRemote(uid string, record map[string]any) error {
	if containsSpace(uid) {
		return ErrInvalidPath
	}
	if !k.Verify(record) {
		return fmt.Errorf("%w: record does not match schema", ErrKeep)
	}
	return atomicWriteJSON(k.remotePath(uid), record)
}

// LoadRemote reads <prefix>.<uid>.json, returning (nil, nil) if absent.
func (k *FileKeep) LoadRemote(uid string) (map[string]any, error) {
	return readJSON(k.remotePath(uid))
}

// ClearRemote removes one remote record; idempotent.
func (k *FileKeep) ClearRemote(uid string) error {
	return clearPath(k.remotePath(uid))
}

// LoadAllRemote enumerates every <prefix>.<uid>.json file in Dir. Filenames
// that do not partition into exactly three dot-separated fields are skipped
// silently; a file that exists but fails to read or parse contributes a nil
// entry for its uid rather than aborting the whole load.
func (k *FileKeep) LoadAllRemote() (map[string]map[string]any, error) {
	entries, err := os.ReadDir(k.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]any{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKeep, err)
	}

	out := make(map[string]map[string]any)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		uid, ok := remoteUID(e.Name(), k.Prefix)
		if !ok {
			continue
		}
		record, err := readJSON(filepath.Join(k.Dir, e.Name()))
		if err != nil {
			out[uid] = nil
			continue
		}
		out[uid] = record
	}
	return out, nil
}

// ClearAll removes the local record and every remote record, using the same
// <prefix>.<uid>.<ext> partition rule as LoadAllRemote.
func (k *FileKeep) ClearAll() error {
	if err := k.ClearLocal(); err != nil {
		return err
	}
	entries, err := os.ReadDir(k.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := remoteUID(e.Name(), k.Prefix); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(k.Dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrKeep, err)
		}
	}
	return nil
}

// remoteUID partitions "<prefix>.<uid>.<ext>" and returns uid, matching the
// rule LoadAllRemote and ClearAll both use (the source used two different
// rules for these two operations; this unifies them).
func remoteUID(name, prefix string) (string, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] != prefix {
		return "", false
	}
	if parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func readJSON(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKeep, err)
	}
	var record map[string]any
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeep, err)
	}
	return record, nil
}

func clearPath(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}
	return nil
}

// atomicWriteJSON marshals record and writes it via temp-file-then-rename:
// write to a uniquely-named temp file, fsync, close, rename over path, then
// best-effort fsync the containing directory so the rename itself is
// durable. The temp name carries a uuid so two processes racing to dump the
// same uid (the CLI's "stat" alongside a live RoadStack) never clobber each
// other's in-flight write.
func atomicWriteJSON(path string, record map[string]any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.KeepWriteDuration)

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
	}()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}
	closed = true

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrKeep, err)
	}
	if df, err := os.Open(filepath.Dir(path)); err == nil {
		_ = df.Sync()
		_ = df.Close()
	}
	return nil
}

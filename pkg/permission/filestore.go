package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jllopis/codeagent/pkg/errors"
)

// FileStore keeps grants in a JSON file shared between processes.
//
// The file maps "operation:pattern" to a grant record. Every mutation holds an
// exclusive lock on "<path>.lock", re-reads the file, merges, drops expired
// entries and replaces the file through a verified temporary copy, so
// concurrent writers never lose each other's grants.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file and its directory are
// created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

type fileRecord struct {
	Pattern   string    `json:"pattern"`
	Operation Operation `json:"operation"`
	Effect    Effect    `json:"effect"`
	Scope     Scope     `json:"scope"`
	GrantedAt string    `json:"granted_at"`
	ExpiresAt string    `json:"expires_at,omitempty"`
}

func (s *FileStore) Load(ctx context.Context) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var set map[string]Grant
	err := s.withLock(false, func() error {
		var err error
		set, err = s.loadUnlocked()
		return err
	})
	if err != nil {
		return nil, err
	}
	return sortedGrants(set), nil
}

func (s *FileStore) Put(ctx context.Context, g Grant) error {
	return s.mutate(ctx, func(set map[string]Grant) bool {
		mergeGrant(set, g)
		return true
	})
}

func (s *FileStore) Delete(ctx context.Context, op Operation, pattern string) (bool, error) {
	var found bool
	err := s.mutate(ctx, func(set map[string]Grant) bool {
		key := Grant{Operation: op, Pattern: pattern}.Key()
		_, found = set[key]
		delete(set, key)
		return found
	})
	return found, err
}

func (s *FileStore) Compact(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := s.mutate(ctx, func(set map[string]Grant) bool {
		removed = compactGrants(set, now)
		return removed > 0
	})
	return removed, err
}

// mutate applies fn under the exclusive lock. A file that cannot be decoded
// is treated as empty and replaced. Expired grants are dropped on every write.
func (s *FileStore) mutate(ctx context.Context, fn func(map[string]Grant) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return s.ioErr("create store directory", err)
	}
	return s.withLock(true, func() error {
		set, err := s.loadUnlocked()
		if err != nil {
			if !errors.Is(err, errors.CodeInvalidInput) {
				return err
			}
			set = make(map[string]Grant)
		}
		changed := fn(set)
		if compactGrants(set, time.Now()) > 0 {
			changed = true
		}
		if !changed {
			return nil
		}
		return s.writeUnlocked(set)
	})
}

func (s *FileStore) withLock(exclusive bool, fn func() error) error {
	if _, err := os.Stat(filepath.Dir(s.path)); os.IsNotExist(err) && !exclusive {
		return fn()
	}
	f, err := lockPath(s.path+".lock", exclusive)
	if err != nil {
		return s.ioErr("lock store", err)
	}
	defer unlock(f)
	return fn()
}

// loadUnlocked reads the file. A missing file is an empty set; an undecodable
// one is reported as INVALID_INPUT.
func (s *FileStore) loadUnlocked() (map[string]Grant, error) {
	set := make(map[string]Grant)
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, s.ioErr("read store", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return set, nil
	}
	records, err := decodeRecords(raw)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "corrupt permission store", err).
			WithContext("path", s.path)
	}
	for _, rec := range records {
		g, err := rec.grant()
		if err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "corrupt permission store", err).
				WithContext("path", s.path)
		}
		mergeGrant(set, g)
	}
	return set, nil
}

func (s *FileStore) writeUnlocked(set map[string]Grant) error {
	records := make(map[string]fileRecord, len(set))
	for k, g := range set {
		records[k] = recordOf(g)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.New(errors.CodeInternal, "encode permission store", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return s.ioErr("write store", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return s.ioErr("write store", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return s.ioErr("write store", err)
	}
	if err := tmp.Close(); err != nil {
		return s.ioErr("write store", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return s.ioErr("verify store", err)
	}
	if _, err := decodeRecords(written); err != nil {
		return errors.New(errors.CodeInternal, "permission store failed verification", err).
			WithContext("path", s.path)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return s.ioErr("replace store", err)
	}
	return nil
}

func (s *FileStore) ioErr(op string, err error) error {
	return errors.New(errors.CodeIO, op, err).WithContext("path", s.path)
}

func decodeRecords(raw []byte) (map[string]fileRecord, error) {
	var records map[string]fileRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func recordOf(g Grant) fileRecord {
	rec := fileRecord{
		Pattern:   g.Pattern,
		Operation: g.Operation,
		Effect:    g.Effect,
		Scope:     g.Scope,
		GrantedAt: g.GrantedAt.UTC().Format(time.RFC3339Nano),
	}
	if !g.ExpiresAt.IsZero() {
		rec.ExpiresAt = g.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

func (r fileRecord) grant() (Grant, error) {
	if r.Pattern == "" || r.Operation == "" {
		return Grant{}, fmt.Errorf("record without pattern or operation")
	}
	g := Grant{
		Pattern:   r.Pattern,
		Operation: r.Operation,
		Effect:    r.Effect,
		Scope:     r.Scope,
	}
	if g.Effect == "" {
		g.Effect = EffectAllow
	}
	var err error
	if g.GrantedAt, err = time.Parse(time.RFC3339Nano, r.GrantedAt); err != nil {
		return Grant{}, fmt.Errorf("granted_at: %w", err)
	}
	if r.ExpiresAt != "" {
		if g.ExpiresAt, err = time.Parse(time.RFC3339Nano, r.ExpiresAt); err != nil {
			return Grant{}, fmt.Errorf("expires_at: %w", err)
		}
	}
	return g, nil
}

// Package store provides durable implementations of entitlement.Store.
package store

import (
	"fmt"
	"io"
	"strings"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Durable is a Store that also keeps a trial ledger and owns resources.
type Durable interface {
	entitlement.Store
	entitlement.TrialLedger
	io.Closer
}

// Open returns the named backend rooted at dir.
func Open(backend, dir string) (Durable, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		fs, err := NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }

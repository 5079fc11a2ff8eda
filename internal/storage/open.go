package storage

import (
	"context"
	"path/filepath"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/errs"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Path       string
	Passphrase string
	Iterations int
	Clock      clock.Clock
}

// Open builds the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendJSONL:
		return nonNil(OpenJSONL(opts.Path))
	case BackendSQLite:
		path := opts.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "accesswatch.db")
		}
		return nonNil(OpenSQLite(ctx, path))
	case BackendEncrypted:
		return nonNil(OpenEncrypted(EncryptedConfig{
			Dir:        opts.Path,
			Passphrase: opts.Passphrase,
			Iterations: opts.Iterations,
			Clock:      opts.Clock,
		}))
	default:
		return nil, errs.Configuration("unknown storage backend", map[string]string{"backend": opts.Backend}, nil)
	}
}

// nonNil keeps a failed open from returning a typed nil inside the interface.
func nonNil[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

package orchestrator

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var lockNameRe = regexp.MustCompile(`[^a-z0-9_.-]+`)

// ScopeLock serializes runs of the same scope on one host with advisory
// file locks. Concurrent runs of a scope on different hosts are not
// prevented; reconciliation is idempotent.
type ScopeLock struct {
	dir string
}

// NewScopeLock creates the lock directory if needed.
func NewScopeLock(dir string) (*ScopeLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "orchestrator: create lock dir %s", dir)
	}
	return &ScopeLock{dir: dir}, nil
}

// Path returns the lock file used for a scope key.
func (l *ScopeLock) Path(key string) string {
	name := lockNameRe.ReplaceAllString(strings.ToLower(key), "_")
	return filepath.Join(l.dir, strings.Trim(name, "_")+".lock")
}

// TryLock takes the scope lock without blocking. ok is false when another
// process or run holds it.
func (l *ScopeLock) TryLock(key string) (release func(), ok bool, err error) {
	path := l.Path(key)
	fl := flock.New(path)
	ok, err = fl.TryLock()
	if err != nil {
		return nil, false, eris.Wrapf(err, "orchestrator: lock %s", path)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			zap.L().Warn("failed to release scope lock", zap.String("lock", path), zap.Error(err))
		}
	}, true, nil
}

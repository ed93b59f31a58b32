package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/source"
)

// ConfigError is a fatal problem with scope definitions. No run starts
// when one is returned.
type ConfigError struct {
	Path  string
	Index int // -1 when the error is not tied to one scope
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("orchestrator: scopes %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("orchestrator: scopes %s: scope %d: %v", e.Path, e.Index, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a scope configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

type scopeFile struct {
	Scopes []model.Scope `yaml:"scopes"`
}

// LoadScopes reads and validates a scope file. Unknown keys are errors.
func LoadScopes(path string) ([]model.Scope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Index: -1, Err: err}
	}
	return ParseScopes(path, data)
}

// ParseScopes decodes and validates scope definitions. Every scope must be
// valid or none is returned.
func ParseScopes(path string, data []byte) ([]model.Scope, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f scopeFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Path: path, Index: -1, Err: err}
	}
	if len(f.Scopes) == 0 {
		return nil, &ConfigError{Path: path, Index: -1, Err: eris.New("no scopes defined")}
	}

	seen := make(map[string]int, len(f.Scopes))
	for i, s := range f.Scopes {
		if err := ValidateScope(s); err != nil {
			return nil, &ConfigError{Path: path, Index: i, Err: err}
		}
		if j, dup := seen[s.Key()]; dup {
			return nil, &ConfigError{Path: path, Index: i, Err: eris.Errorf("same key %q as scope %d", s.Key(), j)}
		}
		seen[s.Key()] = i
	}
	return f.Scopes, nil
}

// ValidateScope checks the fields every adapter relies on.
func ValidateScope(s model.Scope) error {
	if s.Source == "" {
		return eris.New("source is required")
	}
	switch s.Kind {
	case model.KindLocation, model.KindEvent:
	default:
		return eris.Errorf("kind %q must be location or event", s.Kind)
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	if s.CellKM < 0 {
		return eris.New("cell_km must not be negative")
	}
	if s.Bounds != nil {
		if !s.Bounds.Valid() {
			return eris.New("bounds are not a valid sw/ne box")
		}
		if _, err := source.GridCells(*s.Bounds, s.CellKM); err != nil {
			return err
		}
	}
	for _, raw := range s.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return eris.Errorf("url %q is not an absolute http(s) url", raw)
		}
	}
	if s.Bounds == nil && len(s.URLs) == 0 {
		return eris.New("scope needs bounds or urls")
	}
	return nil
}

// CheckAdapters verifies that every scope names a registered adapter of
// the matching kind.
func CheckAdapters(path string, scopes []model.Scope, reg *source.Registry) error {
	for i, s := range scopes {
		a, err := reg.Get(s.Source)
		if err != nil {
			return &ConfigError{Path: path, Index: i, Err: err}
		}
		if a.Kind() != s.Kind {
			return &ConfigError{Path: path, Index: i, Err: eris.Errorf("adapter %s fetches %s, scope wants %s", a.Name(), a.Kind(), s.Kind)}
		}
	}
	return nil
}

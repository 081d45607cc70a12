package secret

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider resolves secrets by reference string.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Resolve returns an error matching ErrNotFound for unknown refs.
// - Implementations must not log secret values.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
	Close() error
}

// EnvProvider resolves refs as environment variable names, with an optional
// prefix: secretref:env:CLIENT_SECRET reads $<prefix>CLIENT_SECRET.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an EnvProvider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := p.lookup(p.prefix + ref)
	if !ok {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, p.prefix+ref)
	}
	return v, nil
}

func (p *EnvProvider) Close() error { return nil }

// FileProvider resolves refs as file names under a directory, for example
// mounted container secrets. Trailing newlines are trimmed.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a FileProvider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	clean := filepath.Clean(ref)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidRef, ref, p.dir)
	}

	raw, err := os.ReadFile(filepath.Join(p.dir, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, clean)
		}
		return "", fmt.Errorf("secret: read %s: %w", clean, err)
	}
	return strings.TrimRight(string(raw), "\r\n"), nil
}

func (p *FileProvider) Close() error { return nil }

var (
	_ Provider = (*EnvProvider)(nil)
	_ Provider = (*FileProvider)(nil)
)

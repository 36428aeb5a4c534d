package initialize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errResourceOutsideRoot = errors.New("initialize: resource escapes the resource root")

// ResourceLoader resolves nodetypesresource references to CND text.
type ResourceLoader interface {
	Load(ctx context.Context, reference string) (string, error)
}

// FileResourceLoader reads resources from a directory. References are relative to Root and
// may not leave it.
type FileResourceLoader struct {
	Root string
}

// Load reads the referenced file.
func (l FileResourceLoader) Load(ctx context.Context, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resolved, err := l.resolve(reference)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("initialize: read resource %q: %w", reference, err)
	}
	return string(content), nil
}

func (l FileResourceLoader) resolve(reference string) (string, error) {
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", fmt.Errorf("initialize: resolve resource root: %w", err)
	}
	trimmed := strings.TrimPrefix(filepath.FromSlash(strings.TrimSpace(reference)), string(filepath.Separator))
	if trimmed == "" {
		return "", fmt.Errorf("%w: %q", errResourceOutsideRoot, reference)
	}
	candidate := filepath.Join(root, trimmed)
	relative, err := filepath.Rel(root, candidate)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", errResourceOutsideRoot, reference)
	}
	return candidate, nil
}

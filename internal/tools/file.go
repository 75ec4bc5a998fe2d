package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxFileReadBytes = 200_000

func (t *Toolbox) fileRead(ctx context.Context, args map[string]any) (any, error) {
	abs, err := t.resolveWithinRoot(stringArg(args, "path"))
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.New("not found")
		}
		return nil, errors.New("read failed")
	}

	content := string(raw)
	offset := intArg(args, "offset")
	limit := intArg(args, "limit")
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := int(offset) - 1
		if start < 0 {
			start = 0
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if limit > 0 && start+int(limit) < end {
			end = start + int(limit)
		}
		content = strings.Join(lines[start:end], "\n")
	}

	truncated := false
	if len(content) > maxFileReadBytes {
		content = content[:maxFileReadBytes]
		truncated = true
	}
	return map[string]any{
		"path":      abs,
		"content":   content,
		"truncated": truncated,
	}, nil
}

// fileWrite replaces the file with content, byte for byte. The content
// argument reaches here exactly as the model produced it; nothing between the
// wire and the disk reformats it.
func (t *Toolbox) fileWrite(ctx context.Context, args map[string]any) (any, error) {
	abs, err := t.resolveWithinRoot(stringArg(args, "path"))
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	data := []byte(stringArg(args, "content"))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errors.New("write failed")
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return nil, errors.New("write failed")
	}
	sum := sha256.Sum256(data)
	return map[string]any{
		"path":          abs,
		"bytes_written": len(data),
		"sha256":        hex.EncodeToString(sum[:]),
	}, nil
}

func (t *Toolbox) fileAppend(ctx context.Context, args map[string]any) (any, error) {
	abs, err := t.resolveWithinRoot(stringArg(args, "path"))
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	data := []byte(stringArg(args, "content"))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errors.New("append failed")
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.New("append failed")
	}
	defer f.Close()
	n, err := f.Write(data)
	if err != nil {
		return nil, errors.New("append failed")
	}
	return map[string]any{
		"path":           abs,
		"bytes_appended": n,
	}, nil
}

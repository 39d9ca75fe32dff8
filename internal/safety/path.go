package safety

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// ObjectPath maps a bucket and object key to a file below root. Keys are
// slash separated; absolute keys and parent segments are rejected.
func ObjectPath(root, bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	rel, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return underRoot(root, filepath.Join(root, bucket, rel))
}

func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is empty")
	}
	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return "", fmt.Errorf("absolute object keys are not allowed: %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("parent traversal is not allowed: %q", key)
		}
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." {
		return "", fmt.Errorf("object key resolves to a directory: %q", key)
	}
	return clean, nil
}

func underRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve object path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// ArchiveName turns a caller supplied archive name into a single object
// name segment ending in ".zip". It returns "" when nothing usable remains.
func ArchiveName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(strings.TrimSuffix(name, ".zip"), ".ZIP")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		return ""
	}
	if len(clean) > 200 {
		clean = clean[:200]
	}
	return clean + ".zip"
}

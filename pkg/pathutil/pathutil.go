package pathutil

import (
	"strings"

	"github.com/cuemby/bay/pkg/errdefs"
)

// Normalize validates a workspace-relative path and returns its canonical
// form. Rules:
//   - non-empty, not absolute, no NUL bytes
//   - "." components are dropped
//   - each ".." pops one component; popping past the root is rejected
//
// An empty result after normalization canonicalizes to ".".
func Normalize(path string) (string, error) {
	if path == "" {
		return "", errdefs.New(errdefs.KindInvalidPath, "path must not be empty")
	}
	if strings.ContainsRune(path, 0) {
		return "", errdefs.New(errdefs.KindInvalidPath, "path contains NUL byte")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return "", errdefs.New(errdefs.KindInvalidPath, "path must be relative: %q", path)
	}

	var stack []string
	for _, part := range strings.Split(strings.ReplaceAll(path, "\\", "/"), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", errdefs.New(errdefs.KindInvalidPath, "path escapes workspace root: %q", path)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, part)
		}
	}

	if len(stack) == 0 {
		return ".", nil
	}
	return strings.Join(stack, "/"), nil
}

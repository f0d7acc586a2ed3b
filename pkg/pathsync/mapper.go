package pathsync

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

var (
	// ErrNotUnderRoot is returned by MirrorPath when the path does not lie below fromRoot.
	ErrNotUnderRoot = errors.New("path is not under root")
	// ErrNotText is returned by MirrorPath when the path is not valid UTF-8.
	ErrNotText = errors.New("path cannot be represented as text")
)

// MirrorPath maps path, which lies under fromRoot, onto the same relative location under toRoot.
//
// The relative part is everything after fromRoot and exactly one separator. If fromRoot already
// ends in a separator ('/' or '\') that separator is the boundary; otherwise the character
// following fromRoot in path must be a separator. MirrorPath(fromRoot, fromRoot, toRoot) is toRoot.
func MirrorPath(path, fromRoot, toRoot string) (string, error) {
	if !utf8.ValidString(path) {
		return "", fmt.Errorf("%w: %q", ErrNotText, path)
	}
	if fromRoot == "" || !strings.HasPrefix(path, fromRoot) {
		return "", fmt.Errorf("%w: %s not under %s", ErrNotUnderRoot, path, fromRoot)
	}

	offset := len(fromRoot)
	if !util.IsPathSeparator(fromRoot[offset-1]) {
		if len(path) == offset {
			return toRoot, nil
		}
		// "/data/src2/x" shares a string prefix with "/data/src" but is not below it.
		if !util.IsPathSeparator(path[offset]) {
			return "", fmt.Errorf("%w: %s not under %s", ErrNotUnderRoot, path, fromRoot)
		}
		offset++
	}

	return filepath.Join(toRoot, path[offset:]), nil
}

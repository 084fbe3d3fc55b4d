package downloader

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const fallbackFileName = "download.bin"

// invalidFileNameChars covers the characters rejected by common desktop filesystems.
const invalidFileNameChars = `<>:"/\|?*`

// GuessFileName derives a file name from the last segment of the URL path.
func GuessFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackFileName
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return fallbackFileName
	}

	return name
}

// SanitizeFileName replaces characters that cannot appear in a file name with '_'.
func SanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(invalidFileNameChars, r) {
			return '_'
		}

		return r
	}, strings.TrimSpace(name))

	switch name {
	case "", ".", "..":
		return fallbackFileName
	}

	return name
}

// uniqueSavePath returns dir/name, or dir/"base (n).ext" with the smallest n >= 1,
// such that the path neither exists on disk nor is reported as taken.
func uniqueSavePath(dir, name string, taken func(string) bool) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(dir, name)
	for n := 1; ; n++ {
		free, err := pathFree(candidate, taken)
		if err != nil {
			return "", err
		}

		if free {
			return candidate, nil
		}

		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}

func pathFree(p string, taken func(string) bool) (bool, error) {
	if taken(p) {
		return false, nil
	}

	_, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}

	return false, nil
}

package downloader

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const partsDirSuffix = "_parts"

// GenerateInstanceID returns a string identifying this process (hostname-pid-random).
// History rows carry it so rows left behind by another process can be told apart.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}

// newItemID returns a fresh item id; ids are never reused.
func newItemID() string {
	return uuid.NewString()
}

// PartsDir returns the hidden directory holding the part files of item id,
// placed beside its save path.
func PartsDir(savePath, id string) string {
	return filepath.Join(filepath.Dir(savePath), "."+id+partsDirSuffix)
}

// ParsePartsDirName extracts the item id from a directory name created by PartsDir.
func ParsePartsDirName(name string) (string, bool) {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, partsDirSuffix) {
		return "", false
	}

	id := strings.TrimSuffix(strings.TrimPrefix(name, "."), partsDirSuffix)
	if id == "" {
		return "", false
	}

	return id, true
}

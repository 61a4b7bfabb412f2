package manifest

import (
	"os"
	"path/filepath"
)

func ensureDir(file string) error {
	return os.MkdirAll(filepath.Dir(file), 0o755)
}

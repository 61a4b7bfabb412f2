package index

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// On-disk layout under the data directory.
const (
	CurrentFileName  = "CURRENT"
	LockFileName     = ".writer.lock"
	SnapshotsDirName = "snapshots"
	MetaFileName     = "snapshot.json"

	genPrefix     = "gen-"
	stagingPrefix = ".staging-"
)

type layout struct {
	dataDir string
}

func (l layout) currentPath() string  { return filepath.Join(l.dataDir, CurrentFileName) }
func (l layout) lockPath() string     { return filepath.Join(l.dataDir, LockFileName) }
func (l layout) snapshotsDir() string { return filepath.Join(l.dataDir, SnapshotsDirName) }

func (l layout) genDir(gen int64) string {
	return filepath.Join(l.snapshotsDir(), genName(gen))
}

func (l layout) stagingDir(buildID string) string {
	return filepath.Join(l.snapshotsDir(), stagingPrefix+buildID)
}

// GenerationDir returns the directory of generation gen under dataDir.
func GenerationDir(dataDir string, gen int64) string {
	return layout{dataDir: dataDir}.genDir(gen)
}

func genName(gen int64) string {
	return genPrefix + strconv.FormatInt(gen, 10)
}

// parseGen returns the generation named by a directory base name.
func parseGen(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, genPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// readCurrent returns the generation CURRENT points at, or 0 when absent.
func (l layout) readCurrent() (int64, error) {
	data, err := os.ReadFile(l.currentPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", CurrentFileName, err)
	}
	gen, ok := parseGen(strings.TrimSpace(string(data)))
	if !ok {
		return 0, fmt.Errorf("%s holds %q, not a generation", CurrentFileName, strings.TrimSpace(string(data)))
	}
	return gen, nil
}

// writeCurrent points CURRENT at gen.
func (l layout) writeCurrent(gen int64) error {
	return writeFileAtomic(l.currentPath(), []byte(genName(gen)+"\n"))
}

// maxGen returns the highest generation directory present.
func (l layout) maxGen() (int64, error) {
	entries, err := os.ReadDir(l.snapshotsDir())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var highest int64
	for _, e := range entries {
		if n, ok := parseGen(e.Name()); ok && e.IsDir() {
			highest = max(highest, n)
		}
	}
	return highest, nil
}

// writeFileAtomic writes data to a temp file, fsyncs it, renames it over
// path and fsyncs the parent directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return syncDir(dir)
}

// syncDir fsyncs a directory so renames and creations in it are durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// syncTree fsyncs every file and directory under root.
func syncTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return syncDir(path)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
}

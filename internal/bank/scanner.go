// Package bank discovers indexable documents in a bank directory. It skips
// the index data directory and hidden files, honors the
// configured include/exclude globs and the file size limit, and reports
// bank-relative slash paths of supported kinds.
package bank

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Aman-CERP/evidx/internal/config"
)

// Options configures a Scanner.
type Options struct {
	Root        string
	DataDir     string
	Include     []string
	Exclude     []string
	MaxFileSize int64
}

// OptionsFrom derives scanner options from a loaded configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Root:        cfg.Bank.Root,
		DataDir:     cfg.Bank.DataDir,
		Include:     cfg.Bank.Include,
		Exclude:     cfg.Bank.Exclude,
		MaxFileSize: cfg.Performance.MaxFileSize,
	}
}

// File is one indexable document found by a scan.
type File struct {
	Path    string // bank-relative, slash separated
	Size    int64
	ModTime time.Time
}

// Skipped is a file the scan passed over.
type Skipped struct {
	Path   string
	Reason string
}

// ScanResult is streamed by Scan. Exactly one field is set.
type ScanResult struct {
	File    *File
	Skipped *Skipped
	Error   error
}

// Scanner walks a bank.
type Scanner struct {
	root   string
	filter *Filter
}

// New validates the bank root and compiles the filter.
func New(opts Options) (*Scanner, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving bank root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("bank root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bank root is not a directory: %s", root)
	}

	dataDir := opts.DataDir
	if dataDir != "" {
		if dataDir, err = filepath.Abs(dataDir); err != nil {
			return nil, fmt.Errorf("resolving data dir: %w", err)
		}
	}
	filter, err := NewFilter(root, dataDir, opts.Include, opts.Exclude, opts.MaxFileSize)
	if err != nil {
		return nil, err
	}
	return &Scanner{root: root, filter: filter}, nil
}

// Root returns the absolute bank root.
func (s *Scanner) Root() string { return s.root }

// Filter returns the scanner's path filter, shared with the watcher.
func (s *Scanner) Filter() *Filter { return s.filter }

// Scan streams files in lexical walk order. The channel closes when the
// walk finishes or ctx is canceled.
func (s *Scanner) Scan(ctx context.Context) <-chan ScanResult {
	results := make(chan ScanResult, 64)
	go func() {
		defer close(results)
		s.walk(ctx, results)
	}()
	return results
}

func (s *Scanner) walk(ctx context.Context, results chan<- ScanResult) {
	send := func(r ScanResult) error {
		select {
		case results <- r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	skip := func(rel, reason string) error {
		slog.Debug("bank_file_skipped", slog.String("path", rel), slog.String("reason", reason))
		return send(ScanResult{Skipped: &Skipped{Path: rel, Reason: reason}})
	}

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == s.root {
				return err
			}
			slog.Warn("bank_walk_error", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if reason := s.filter.DirReason(rel); reason != "" {
				slog.Debug("bank_dir_skipped", slog.String("path", rel), slog.String("reason", reason))
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return skip(rel, ReasonSymlink)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if reason := s.filter.FileReason(rel, info.Size()); reason != "" {
			return skip(rel, reason)
		}
		return send(ScanResult{File: &File{Path: rel, Size: info.Size(), ModTime: info.ModTime()}})
	})

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		_ = send(ScanResult{Error: err})
	}
}

// Listing is a fully collected scan.
type Listing struct {
	Files   []File
	Skipped []Skipped
}

// Paths returns the sorted relative paths of the listed files.
func (l *Listing) Paths() []string {
	paths := make([]string, len(l.Files))
	for i, f := range l.Files {
		paths[i] = f.Path
	}
	sort.Strings(paths)
	return paths
}

// Collect drains Scan into a Listing. The first walk error aborts.
func (s *Scanner) Collect(ctx context.Context) (*Listing, error) {
	var out Listing
	for r := range s.Scan(ctx) {
		switch {
		case r.Error != nil:
			return nil, fmt.Errorf("scanning bank: %w", r.Error)
		case r.File != nil:
			out.Files = append(out.Files, *r.File)
		case r.Skipped != nil:
			out.Skipped = append(out.Skipped, *r.Skipped)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &out, nil
}

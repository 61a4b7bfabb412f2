package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

// maxLineBytes bounds a single log line; longer lines are skipped by Tail.
const maxLineBytes = 1024 * 1024

// followInterval is how often Follow checks the file for new lines.
var followInterval = 200 * time.Millisecond

// Entry is one parsed log line. Lines that are not JSON keep only Raw.
type Entry struct {
	Time  time.Time
	Level string
	Msg   string
	Attrs map[string]any
	Raw   string
	Valid bool
}

// ViewerOptions filter and format entries.
type ViewerOptions struct {
	Level   string         // minimum level; empty shows everything
	Pattern *regexp.Regexp // matched against the raw line
	NoColor bool
}

// Viewer reads evidx log files.
type Viewer struct {
	opts ViewerOptions
	out  io.Writer
}

// NewViewer creates a viewer printing to out.
func NewViewer(opts ViewerOptions, out io.Writer) *Viewer {
	return &Viewer{opts: opts, out: out}
}

// Tail returns the matching entries among the last n lines of path.
func (v *Viewer) Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if len(ring) < n {
			ring = append(ring, sc.Text())
			continue
		}
		ring[next] = sc.Text()
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	entries := make([]Entry, 0, len(ring))
	for i := range ring {
		e := ParseLine(ring[(next+i)%len(ring)])
		if v.Matches(e) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Follow sends entries appended to path until ctx ends. It starts at the
// current end of the file and reopens it after rotation or truncation.
func (v *Viewer) Follow(ctx context.Context, path string, out chan<- Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	reader := bufio.NewReader(f)
	var partial string

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if info, err := os.Stat(path); err == nil && (info.Size() < offset || !sameFile(f, info)) {
			nf, err := os.Open(path)
			if err != nil {
				continue
			}
			_ = f.Close()
			f, offset, partial = nf, 0, ""
			reader.Reset(f)
		}

		for {
			line, err := reader.ReadString('\n')
			offset += int64(len(line))
			if err != nil {
				// Keep an unterminated tail for the next tick.
				partial += line
				break
			}
			line = strings.TrimSuffix(partial+line, "\n")
			partial = ""
			if line == "" {
				continue
			}
			e := ParseLine(line)
			if !v.Matches(e) {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func sameFile(f *os.File, info os.FileInfo) bool {
	cur, err := f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(cur, info)
}

// ParseLine parses a slog JSON line.
func ParseLine(line string) Entry {
	e := Entry{Raw: line}

	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return e
	}
	e.Valid = true

	if t, ok := data["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			e.Time = parsed
		}
	}
	e.Level, _ = data["level"].(string)
	e.Msg, _ = data["msg"].(string)

	e.Attrs = make(map[string]any, len(data))
	for k, val := range data {
		switch k {
		case "time", "level", "msg":
		default:
			e.Attrs[k] = val
		}
	}
	return e
}

// Matches reports whether e passes the level and pattern filters.
// Unparseable lines have no level and only face the pattern.
func (v *Viewer) Matches(e Entry) bool {
	if v.opts.Level != "" && e.Valid {
		if LevelFromString(e.Level) < LevelFromString(v.opts.Level) {
			return false
		}
	}
	if v.opts.Pattern != nil && !v.opts.Pattern.MatchString(e.Raw) {
		return false
	}
	return true
}

// Format renders e on one line with attributes in key order.
func (v *Viewer) Format(e Entry) string {
	if !e.Valid {
		return e.Raw
	}

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.Time.Local().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(v.level(e.Level))
	b.WriteByte(' ')
	b.WriteString(e.Msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
	}
	return b.String()
}

// Print writes entries to the viewer's output.
func (v *Viewer) Print(entries []Entry) {
	for _, e := range entries {
		_, _ = fmt.Fprintln(v.out, v.Format(e))
	}
}

func (v *Viewer) level(level string) string {
	s := strings.ToUpper(level)
	if len(s) > 5 {
		s = s[:5]
	}
	s = fmt.Sprintf("%-5s", s)
	if v.opts.NoColor {
		return s
	}

	switch strings.ToLower(level) {
	case "debug":
		return "\033[90m" + s + "\033[0m"
	case "info":
		return "\033[32m" + s + "\033[0m"
	case "warn", "warning":
		return "\033[33m" + s + "\033[0m"
	case "error":
		return "\033[31m" + s + "\033[0m"
	default:
		return s
	}
}

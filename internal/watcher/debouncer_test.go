package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, d *Debouncer, timeout time.Duration) []FileEvent {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(timeout):
		t.Fatal("timeout waiting for debounced batch")
		return nil
	}
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name     string
		prev     Operation
		next     Operation
		want     Operation
		wantKeep bool
	}{
		{"create then modify stays create", OpCreate, OpModify, OpCreate, true},
		{"create then delete cancels", OpCreate, OpDelete, 0, false},
		{"create then rename cancels", OpCreate, OpRename, 0, false},
		{"modify then modify", OpModify, OpModify, OpModify, true},
		{"modify then delete", OpModify, OpDelete, OpDelete, true},
		{"delete then create is a replacement", OpDelete, OpCreate, OpModify, true},
		{"rename then create is a replacement", OpRename, OpCreate, OpModify, true},
		{"delete then delete", OpDelete, OpDelete, OpDelete, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, keep := coalesce(tt.prev, tt.next)
			assert.Equal(t, tt.wantKeep, keep)
			if keep {
				assert.Equal(t, tt.want, op)
			}
		})
	}
}

func TestDebouncer_BurstForOnePath_EmitsOnce(t *testing.T) {
	// Given: a debouncer with a short window
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: a create is followed by several writes
	d.Add(FileEvent{Path: "a.md", Operation: OpCreate})
	for i := 0; i < 5; i++ {
		d.Add(FileEvent{Path: "a.md", Operation: OpModify})
		time.Sleep(5 * time.Millisecond)
	}

	// Then: one CREATE comes out
	batch := receive(t, d, time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, "a.md", batch[0].Path)
	assert.Equal(t, OpCreate, batch[0].Operation)
}

func TestDebouncer_CreateThenDelete_NoBatch(t *testing.T) {
	// Given: a debouncer
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	// When: a file appears and vanishes inside one window
	d.Add(FileEvent{Path: "tmp.md", Operation: OpCreate})
	d.Add(FileEvent{Path: "tmp.md", Operation: OpDelete})

	// Then: nothing is pending and nothing is emitted
	assert.Equal(t, 0, d.Pending())
	select {
	case batch := <-d.Output():
		t.Fatalf("unexpected batch %v", batch)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDebouncer_BatchSortedByPath(t *testing.T) {
	// Given: a debouncer
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	// When: events for three paths arrive out of order
	d.Add(FileEvent{Path: "c.md", Operation: OpModify})
	d.Add(FileEvent{Path: "a.md", Operation: OpCreate})
	d.Add(FileEvent{Path: "b.md", Operation: OpDelete})

	// Then: one batch, sorted
	batch := receive(t, d, time.Second)
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"a.md", "b.md", "c.md"},
		[]string{batch[0].Path, batch[1].Path, batch[2].Path})
	assert.Equal(t, OpDelete, batch[1].Operation)
}

func TestDebouncer_Stop(t *testing.T) {
	// Given: a debouncer with a pending event
	d := NewDebouncer(time.Hour)
	d.Add(FileEvent{Path: "a.md", Operation: OpCreate})

	// When: stopping twice
	d.Stop()
	d.Stop()

	// Then: the output is closed and later adds are ignored
	_, ok := <-d.Output()
	assert.False(t, ok)
	d.Add(FileEvent{Path: "b.md", Operation: OpCreate})
}

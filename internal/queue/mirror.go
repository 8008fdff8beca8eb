package queue

import (
	"sync"

	"github.com/trustdoors/trustdoors/pkg/types"
)

// DefaultMirrorCap bounds the in-memory tail.
const DefaultMirrorCap = 2000

// Mirror is a bounded in-memory copy of the queue tail. It is the only source
// the emergency flush reads, since the store cannot be awaited at shutdown.
type Mirror struct {
	mu   sync.Mutex
	rows []types.Row
	cap  int
}

// NewMirror creates a mirror holding at most capacity rows. capacity <= 0
// uses DefaultMirrorCap.
func NewMirror(capacity int) *Mirror {
	if capacity <= 0 {
		capacity = DefaultMirrorCap
	}
	return &Mirror{cap: capacity}
}

// Append adds rows at the tail, dropping the oldest beyond capacity.
func (m *Mirror) Append(rows ...types.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = append(m.rows, rows...)
	if over := len(m.rows) - m.cap; over > 0 {
		m.rows = append([]types.Row(nil), m.rows[over:]...)
	}
}

// TrimHead removes up to n rows from the head.
func (m *Mirror) TrimHead(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 {
		return
	}
	if n >= len(m.rows) {
		m.rows = nil
		return
	}
	m.rows = m.rows[n:]
}

// Clear empties the mirror.
func (m *Mirror) Clear() {
	m.mu.Lock()
	m.rows = nil
	m.mu.Unlock()
}

// Snapshot returns a copy of the mirrored rows, oldest first.
func (m *Mirror) Snapshot() []types.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// Len returns the number of mirrored rows.
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Package session holds the per-run state shared by the normalizer, the
// queue and the delivery engine: identifiers, the row sequence counter, the
// user-agent-once flag and the withdrawal discard flag.
package session

import (
	"fmt"
	"sync"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const runIDLen = 12

// Session is the mutable context of one experiment run. A fresh Session
// resets every session-scoped side effect.
type Session struct {
	id            string
	participantID string
	appVersion    string
	userAgent     string
	run           string

	mu         sync.Mutex
	seq        int64
	uaEmitted  bool
	discarding atomic.Bool
}

// Options configures a new session. Empty identifiers are minted.
type Options struct {
	SessionID     string
	ParticipantID string
	AppVersion    string
	UserAgent     string
}

// New creates a session. The session ID is a time-ordered UUIDv7 and the
// participant ID a random UUIDv4 when not supplied. A supplied session ID
// gets a random run component so row IDs stay unique across runs that
// reuse it.
func New(opts Options) (*Session, error) {
	s := &Session{
		id:            opts.SessionID,
		participantID: opts.ParticipantID,
		appVersion:    opts.AppVersion,
		userAgent:     opts.UserAgent,
	}
	if s.id == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("session: failed to mint session id: %w", err)
		}
		s.id = id.String()
	} else {
		s.run = strings.ReplaceAll(uuid.NewString(), "-", "")[:runIDLen]
	}
	if s.participantID == "" {
		s.participantID = uuid.NewString()
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RunID returns the per-run component of row IDs, or "" when the session ID
// was minted and is already unique.
func (s *Session) RunID() string { return s.run }

// RowID formats the row identifier for seq.
func (s *Session) RowID(seq int64) string {
	if s.run == "" {
		return fmt.Sprintf("%s:%d", s.id, seq)
	}
	return fmt.Sprintf("%s:%s:%d", s.id, s.run, seq)
}

// ParticipantID returns the participant identifier.
func (s *Session) ParticipantID() string { return s.participantID }

// AppVersion returns the experiment build version.
func (s *Session) AppVersion() string { return s.appVersion }

// UserAgent returns the raw user-agent string of the session.
func (s *Session) UserAgent() string { return s.userAgent }

// NextSeq returns the next per-session sequence number, starting at 1.
func (s *Session) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// ClaimUserAgent reports true exactly once per session: the caller that
// receives true emits the raw user agent, every later caller must not.
func (s *Session) ClaimUserAgent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uaEmitted {
		return false
	}
	s.uaEmitted = true
	return true
}

// Discard switches the session into withdrawal mode. It cannot be undone.
func (s *Session) Discard() {
	s.discarding.Store(true)
}

// Discarding reports whether the participant has withdrawn.
func (s *Session) Discarding() bool {
	return s.discarding.Load()
}

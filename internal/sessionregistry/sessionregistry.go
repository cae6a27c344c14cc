// Package sessionregistry is the Session Registry (C2): opaque session
// tokens bound to (meet, location, priority), sliding idle + absolute
// TTL, CSRF companion tokens, and token rotation. The TTL/rotation
// semantics and the "acquire write access for every operation, including
// reads, because a read slides last-active" discipline are grounded
// directly on the source auth module's session manager.
package sessionregistry

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/meetsync/meetd/internal/idgen"
	"github.com/meetsync/meetd/internal/logging"
	"github.com/meetsync/meetd/internal/metrics"
)

const (
	DefaultAbsoluteTTL = 24 * time.Hour
	DefaultIdleTTL     = time.Hour
)

// Security event names, carried over from the source auth module's
// SecurityEvent enum (§12 of SPEC_FULL.md).
const (
	EventSessionCreated        = "SessionCreated"
	EventSessionValidated      = "SessionValidated"
	EventSessionExpired        = "SessionExpired"
	EventSessionRemoved        = "SessionRemoved"
	EventSessionRotated        = "SessionRotated"
	EventInvalidSessionAccess  = "InvalidSessionAccess"
	EventCSRFValidationFailed  = "CsrfValidationFailed"
	EventCSRFValidationSuccess = "CsrfValidationSuccess"
)

// Session is a secret bearer token naming one authenticated attachment of
// a client at a location to a meet (spec §3).
type Session struct {
	Token        string
	MeetID       string
	LocationName string
	Priority     uint8
	CSRFToken    string
	CreatedAt    time.Time
	LastActive   time.Time
}

// Registry is the process-wide session table. All operations — including
// reads — acquire the single exclusive critical section, because every
// lookup slides the last-active timestamp; there is no separate read path
// that could be served under a shared lock without a read-then-upgrade
// race (spec §4.2, §5).
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	absoluteTTL time.Duration
	idleTTL     time.Duration
	log         *logging.Logger
}

func New(absoluteTTL, idleTTL time.Duration, log *logging.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		absoluteTTL: absoluteTTL,
		idleTTL:     idleTTL,
		log:         log,
	}
}

func (r *Registry) logEvent(event, detail string) {
	if r.log != nil {
		r.log.SecurityEvent(event, detail)
	}
}

// NewSession mints a token and CSRF companion and records now as both
// creation and last-active.
func (r *Registry) NewSession(meetID, location string, priority uint8) (Session, error) {
	token, err := idgen.GenerateSecureToken()
	if err != nil {
		return Session{}, err
	}
	csrf, err := idgen.GenerateSecureToken()
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	s := &Session{
		Token:        token,
		MeetID:       meetID,
		LocationName: location,
		Priority:     priority,
		CSRFToken:    csrf,
		CreatedAt:    now,
		LastActive:   now,
	}

	r.mu.Lock()
	r.sessions[token] = s
	r.mu.Unlock()

	r.logEvent(EventSessionCreated, "meet="+meetID+" location="+location)
	return *s, nil
}

// expired reports whether the entry has passed its absolute or idle TTL
// as of now. Caller must hold r.mu.
func (r *Registry) expired(s *Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) > r.absoluteTTL || now.Sub(s.LastActive) > r.idleTTL
}

// GetSession returns the attached tuple iff both TTLs are satisfied, and
// slides last-active to now on success.
func (r *Registry) GetSession(token string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		r.logEvent(EventInvalidSessionAccess, "token lookup miss")
		return Session{}, false
	}

	now := time.Now()
	if r.expired(s, now) {
		delete(r.sessions, token)
		r.logEvent(EventSessionExpired, "meet="+s.MeetID)
		return Session{}, false
	}

	s.LastActive = now
	r.logEvent(EventSessionValidated, "meet="+s.MeetID)
	return *s, true
}

// ValidateSession is GetSession without returning the session value.
func (r *Registry) ValidateSession(token string) bool {
	_, ok := r.GetSession(token)
	return ok
}

// GetCSRFToken slides last-active and returns the companion token.
func (r *Registry) GetCSRFToken(token string) (string, bool) {
	s, ok := r.GetSession(token)
	if !ok {
		return "", false
	}
	return s.CSRFToken, true
}

// VerifyCSRF requires a valid session and compares the presented token in
// constant time over its full length, per spec invariant 7.
func (r *Registry) VerifyCSRF(token, presented string) bool {
	s, ok := r.GetSession(token)
	if !ok {
		return false
	}
	ok = ConstantTimeCompare(s.CSRFToken, presented)
	if ok {
		r.logEvent(EventCSRFValidationSuccess, "meet="+s.MeetID)
	} else {
		r.logEvent(EventCSRFValidationFailed, "meet="+s.MeetID)
	}
	return ok
}

// Rotate atomically replaces the entry behind oldToken with a new token
// and CSRF companion, preserving the original creation instant. The old
// token is invalid as of the same critical section.
func (r *Registry) Rotate(oldToken string) (string, bool) {
	newToken, err := idgen.GenerateSecureToken()
	if err != nil {
		return "", false
	}
	newCSRF, err := idgen.GenerateSecureToken()
	if err != nil {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[oldToken]
	if !ok || r.expired(s, time.Now()) {
		delete(r.sessions, oldToken)
		return "", false
	}
	delete(r.sessions, oldToken)

	rotated := &Session{
		Token:        newToken,
		MeetID:       s.MeetID,
		LocationName: s.LocationName,
		Priority:     s.Priority,
		CSRFToken:    newCSRF,
		CreatedAt:    s.CreatedAt,
		LastActive:   time.Now(),
	}
	r.sessions[newToken] = rotated
	r.logEvent(EventSessionRotated, "meet="+s.MeetID)
	return newToken, true
}

// RemoveSession drops a session unconditionally.
func (r *Registry) RemoveSession(token string) {
	r.mu.Lock()
	s, ok := r.sessions[token]
	if ok {
		delete(r.sessions, token)
	}
	r.mu.Unlock()
	if ok {
		r.logEvent(EventSessionRemoved, "meet="+s.MeetID)
	}
}

// CleanupExpired sweeps and drops entries whose absolute or idle TTL has
// elapsed, returning the number removed. Correctness does not depend on
// this running; GetSession/ValidateSession already check expiry lazily.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, s := range r.sessions {
		if r.expired(s, now) {
			delete(r.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		r.logEvent(EventSessionExpired, "swept")
	}
	return removed
}

func (r *Registry) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ConstantTimeCompare returns false immediately if lengths differ;
// otherwise it inspects every byte regardless of where a mismatch is
// found (spec invariant 7). crypto/subtle.ConstantTimeCompare already
// implements exactly this contract, so it is used directly rather than
// hand-rolled.
func ConstantTimeCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RunCleanupLoop periodically sweeps expired sessions until stop is
// closed. Intended to be launched as a goroutine from cmd/meetd.
func (r *Registry) RunCleanupLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := r.CleanupExpired(); n > 0 {
				metrics.SessionEvents.Add(ctx, int64(n))
			}
		case <-stop:
			return
		}
	}
}

// Package presence tracks who is actively viewing or editing a document.
// Sessions are ephemeral liveness records keyed by (document, user); display
// callers read them through time-windowed views.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/coedit/commons"
)

// Liveness windows. The values are wire-level constants shared with every
// client; the hard expiry must stay >= the widest display window so the sweep
// never removes a session a display view would still show.
const (
	// RealtimeWindow serves live cursor rendering.
	RealtimeWindow = 30 * time.Second

	// ActiveWindow serves the active-collaborators view.
	ActiveWindow = 2 * time.Minute

	// InclusiveWindow serves low-fidelity "who's around" displays.
	InclusiveWindow = 5 * time.Minute

	// HardExpiry is the age past which the sweep deletes a session outright.
	HardExpiry = 5 * time.Minute
)

// Clock abstracts the timestamp source so window logic is testable without
// real-time sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// User is the minimal display data joined into session views.
type User struct {
	ID          string
	DisplayName string
}

// UserDirectory resolves user IDs to display data. It is an external
// collaborator; lookups may fail for users the directory no longer knows.
type UserDirectory interface {
	Lookup(userID string) (User, error)
}

// Session is one user's liveness record for one document.
type Session struct {
	ID         uuid.UUID
	DocumentID string
	UserID     string
	Cursor     *commons.Cursor
	Selection  *commons.Selection
	LastSeen   time.Time
}

// SessionView is a session joined with user display data for one caller.
type SessionView struct {
	SessionID     uuid.UUID
	UserID        string
	DisplayName   string
	Cursor        *commons.Cursor
	Selection     *commons.Selection
	LastSeen      time.Time
	IsCurrentUser bool
}

// Registry is the in-memory presence store. All methods are safe for
// concurrent use; upserts are atomic because the read-patch-or-insert runs
// under one lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session // documentID -> userID -> session
	clock    Clock
	users    UserDirectory
	logger   *logrus.Logger
}

// NewRegistry creates a registry. A nil clock falls back to the system
// clock; a nil logger falls back to the logrus standard logger.
func NewRegistry(users UserDirectory, clock Clock, logger *logrus.Logger) *Registry {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		sessions: make(map[string]map[string]*Session),
		clock:    clock,
		users:    users,
		logger:   logger,
	}
}

// Upsert inserts or refreshes the one session for (userID, documentID) and
// returns its session ID. Cursor and selection are optional; passing nil
// presence still refreshes liveness.
func (r *Registry) Upsert(documentID, userID string, p *commons.Presence) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser, ok := r.sessions[documentID]
	if !ok {
		byUser = make(map[string]*Session)
		r.sessions[documentID] = byUser
	}

	now := r.clock.Now()
	session, ok := byUser[userID]
	if !ok {
		session = &Session{
			ID:         uuid.New(),
			DocumentID: documentID,
			UserID:     userID,
		}
		byUser[userID] = session
	}

	// LastSeen is monotonically non-decreasing per session.
	if now.After(session.LastSeen) {
		session.LastSeen = now
	}
	if p != nil {
		if p.Cursor != nil {
			session.Cursor = p.Cursor
		}
		if p.Selection != nil {
			session.Selection = p.Selection
		}
	}

	return session.ID
}

// Remove deletes the session for (userID, documentID) on explicit leave.
// Removing an absent session is a no-op.
func (r *Registry) Remove(documentID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser, ok := r.sessions[documentID]
	if !ok {
		return
	}
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(r.sessions, documentID)
	}
}

// ListCursors returns sessions fresh enough for live cursor rendering,
// excluding the requesting user.
func (r *Registry) ListCursors(documentID, requesterID string) []SessionView {
	views := r.listActive(documentID, RealtimeWindow, requesterID)
	filtered := views[:0]
	for _, v := range views {
		if !v.IsCurrentUser {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

// ListActive returns sessions active within the last two minutes, with the
// requesting user flagged IsCurrentUser.
func (r *Registry) ListActive(documentID, requesterID string) []SessionView {
	return r.listActive(documentID, ActiveWindow, requesterID)
}

// ListInclusive returns everyone seen within the widest window.
func (r *Registry) ListInclusive(documentID string) []SessionView {
	return r.listActive(documentID, InclusiveWindow, "")
}

// listActive returns sessions with lastSeen within now-window (inclusive),
// joined with user display data. Sessions whose user lookup fails are
// dropped, not errored; the drop is logged distinctly so referential
// integrity regressions stay detectable.
func (r *Registry) listActive(documentID string, window time.Duration, requesterID string) []SessionView {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var views []SessionView
	for _, session := range r.sessions[documentID] {
		if now.Sub(session.LastSeen) > window {
			continue
		}

		user, err := r.users.Lookup(session.UserID)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"documentID": documentID,
				"userID":     session.UserID,
			}).Warn("dropping presence session: user lookup failed")
			continue
		}

		views = append(views, SessionView{
			SessionID:     session.ID,
			UserID:        session.UserID,
			DisplayName:   user.DisplayName,
			Cursor:        session.Cursor,
			Selection:     session.Selection,
			LastSeen:      session.LastSeen,
			IsCurrentUser: session.UserID == requesterID,
		})
	}

	sort.Slice(views, func(i, j int) bool {
		if !views[i].LastSeen.Equal(views[j].LastSeen) {
			return views[i].LastSeen.After(views[j].LastSeen)
		}
		return views[i].UserID < views[j].UserID
	})
	return views
}

// SweepStale deletes every session strictly older than expiry, irrespective
// of the display windows. It is idempotent and safe to re-run after an
// interruption; it returns the number of sessions deleted.
func (r *Registry) SweepStale(expiry time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for documentID, byUser := range r.sessions {
		for userID, session := range byUser {
			if now.Sub(session.LastSeen) > expiry {
				delete(byUser, userID)
				removed++
			}
		}
		if len(byUser) == 0 {
			delete(r.sessions, documentID)
		}
	}
	return removed
}

// Package websocket tracks live notification sockets per user and pushes
// server frames to every session a user has open.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Frame is the envelope of every server-to-client message.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// EventNotification is the frame event carrying a notification.
const EventNotification = "notification"

// Session is one live connection handle.
type Session interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Pusher delivers a frame to every live session of a user and reports how
// many sessions accepted it. Delivery failures never surface as errors.
type Pusher interface {
	Push(ctx context.Context, userID string, frame Frame) int
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Users    int `json:"connected_users"`
	Sessions int `json:"connected_sessions"`
}

// Registry maps users to their open sessions. State is in-memory only and
// starts empty on every process start.
type Registry struct {
	mu          sync.RWMutex
	users       map[string]map[string]Session
	pushTimeout time.Duration
	logger      zerolog.Logger
}

func NewRegistry(pushTimeout time.Duration, logger zerolog.Logger) *Registry {
	if pushTimeout <= 0 {
		pushTimeout = 2 * time.Second
	}
	return &Registry{
		users:       make(map[string]map[string]Session),
		pushTimeout: pushTimeout,
		logger:      logger.With().Str("component", "ws-registry").Logger(),
	}
}

// Register adds s under userID.
func (r *Registry) Register(userID string, s Session) {
	r.mu.Lock()
	sessions, ok := r.users[userID]
	if !ok {
		sessions = make(map[string]Session)
		r.users[userID] = sessions
	}
	sessions[s.ID()] = s
	n := len(sessions)
	r.mu.Unlock()

	r.logger.Debug().Str("user_id", userID).Str("session_id", s.ID()).Int("sessions", n).Msg("session registered")
}

// Unregister removes the session with sessionID from whichever user holds
// it, dropping the user entry once it has no sessions left. It reports
// whether the session was found.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, sessions := range r.users {
		if _, ok := sessions[sessionID]; !ok {
			continue
		}
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.users, userID)
		}
		r.logger.Debug().Str("user_id", userID).Str("session_id", sessionID).Msg("session unregistered")
		return true
	}
	return false
}

// Push marshals frame once and sends it to each session of userID
// concurrently, each bounded by the push timeout. A session that fails or
// times out is unregistered and closed; its client reconnects and re-fetches.
func (r *Registry) Push(ctx context.Context, userID string, frame Frame) int {
	payload, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("marshal frame")
		return 0
	}
	return r.PushRaw(ctx, userID, payload)
}

// PushRaw is Push for an already encoded frame.
func (r *Registry) PushRaw(ctx context.Context, userID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]Session, 0, len(r.users[userID]))
	for _, s := range r.users[userID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Debug().Str("user_id", userID).Msg("user not connected; notification stays in inbox")
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.pushTimeout)
			defer cancel()

			if err := r.safeSend(sendCtx, s, payload); err != nil {
				r.logger.Warn().Err(err).Str("user_id", userID).Str("session_id", s.ID()).Msg("push to session failed; dropping session")
				r.Unregister(s.ID())
				_ = s.Close()
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return delivered
}

var errSessionPanic = errors.New("session send panicked")

func (r *Registry) safeSend(ctx context.Context, s Session, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errSessionPanic
		}
	}()
	return s.Send(ctx, payload)
}

// Connected reports whether userID has at least one live session.
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// SessionCount returns the number of live sessions for userID.
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Users: len(r.users)}
	for _, sessions := range r.users {
		st.Sessions += len(sessions)
	}
	return st
}

// CloseAll closes every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.users
	r.users = make(map[string]map[string]Session)
	r.mu.Unlock()

	for _, sessions := range all {
		for _, s := range sessions {
			s.Close()
		}
	}
}

// Copyright 2024 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SessionRegistry maps identities to their live sessions and keeps the
// reverse session-to-identity index in lockstep. A session appears under at
// most one identity at a time.
type SessionRegistry interface {
	Stop()
	Count() int
	Get(sessionID uuid.UUID) Session

	// Add registers a session under its identity. Idempotent.
	Add(session Session)

	// Remove drops a session from the registry and returns the identity it
	// belonged to, or "" if the session was unknown. Unknown sessions are a
	// no-op: transports may report closes for already-removed handles.
	// The identity's entry is retained even when its session set becomes
	// empty; removal is deferred to the presence tracker's grace mechanism.
	Remove(sessionID uuid.UUID) string

	// IsOnline reports whether the identity has at least one live session.
	IsOnline(identity string) bool

	// SessionsFor returns the identity's live sessions, possibly empty.
	SessionsFor(identity string) []Session

	// PruneIdentity deletes the identity's entry if it has no sessions.
	// Called by the presence tracker once offline is confirmed.
	PruneIdentity(identity string)

	Range(fn func(session Session) bool)
}

var _ SessionRegistry = (*LocalSessionRegistry)(nil)

// LocalSessionRegistry is the in-process SessionRegistry.
type LocalSessionRegistry struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics Metrics

	sessions   map[uuid.UUID]Session
	byIdentity map[string]map[uuid.UUID]Session
	count      *atomic.Int32
}

func NewLocalSessionRegistry(logger *zap.Logger, metrics Metrics) *LocalSessionRegistry {
	return &LocalSessionRegistry{
		logger:  logger,
		metrics: metrics,

		sessions:   make(map[uuid.UUID]Session),
		byIdentity: make(map[string]map[uuid.UUID]Session),
		count:      atomic.NewInt32(0),
	}
}

func (r *LocalSessionRegistry) Stop() {}

func (r *LocalSessionRegistry) Count() int {
	return int(r.count.Load())
}

func (r *LocalSessionRegistry) Get(sessionID uuid.UUID) Session {
	r.RLock()
	session := r.sessions[sessionID]
	r.RUnlock()
	return session
}

func (r *LocalSessionRegistry) Add(session Session) {
	// Serialize against session teardown. A session whose close ran before
	// registration completed must not be registered, its cleanup has already
	// passed.
	session.CloseLock()
	defer session.CloseUnlock()
	if session.Context().Err() != nil {
		return
	}

	sessionID := session.ID()
	identity := session.Identity()

	r.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.Unlock()
		return
	}
	r.sessions[sessionID] = session

	byIdentity, ok := r.byIdentity[identity]
	if !ok {
		byIdentity = make(map[uuid.UUID]Session, 1)
		r.byIdentity[identity] = byIdentity
	}
	byIdentity[sessionID] = session
	r.Unlock()

	count := r.count.Inc()
	r.metrics.GaugeSessions(float64(count))

	r.logger.Debug("Session added",
		zap.String("sid", sessionID.String()),
		zap.String("identity", identity))
}

func (r *LocalSessionRegistry) Remove(sessionID uuid.UUID) string {
	r.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.Unlock()
		return ""
	}
	delete(r.sessions, sessionID)

	identity := session.Identity()
	if byIdentity, ok := r.byIdentity[identity]; ok {
		delete(byIdentity, sessionID)
	}
	r.Unlock()

	count := r.count.Dec()
	r.metrics.GaugeSessions(float64(count))

	r.logger.Debug("Session removed",
		zap.String("sid", sessionID.String()),
		zap.String("identity", identity))

	return identity
}

func (r *LocalSessionRegistry) IsOnline(identity string) bool {
	r.RLock()
	online := len(r.byIdentity[identity]) > 0
	r.RUnlock()
	return online
}

func (r *LocalSessionRegistry) SessionsFor(identity string) []Session {
	r.RLock()
	byIdentity := r.byIdentity[identity]
	sessions := make([]Session, 0, len(byIdentity))
	for _, session := range byIdentity {
		sessions = append(sessions, session)
	}
	r.RUnlock()
	return sessions
}

func (r *LocalSessionRegistry) PruneIdentity(identity string) {
	r.Lock()
	if byIdentity, ok := r.byIdentity[identity]; ok && len(byIdentity) == 0 {
		delete(r.byIdentity, identity)
	}
	r.Unlock()
}

func (r *LocalSessionRegistry) Range(fn func(session Session) bool) {
	r.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.RUnlock()

	for _, session := range sessions {
		if !fn(session) {
			return
		}
	}
}

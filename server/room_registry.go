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
	"go.uber.org/zap"
)

// RoomRegistry maps room ids to the sessions currently joined. Membership
// authorization happens before Join is called; the registry is a pure
// mutation surface. Rooms have no lifecycle beyond holding at least one live
// session.
type RoomRegistry interface {
	Stop()
	Count() int

	// Join adds a session to a room. Idempotent. The caller must have
	// already verified the session's identity is an active member of the
	// room, or be acting on behalf of the membership authority itself.
	Join(room string, session Session)

	// Leave removes a session from a room, deleting the room entry when its
	// session set becomes empty.
	Leave(room string, sessionID uuid.UUID)

	// RemoveAll removes a session from every room it joined. Called on
	// disconnect. O(rooms) by design; room count per instance is small
	// relative to connection churn.
	RemoveAll(sessionID uuid.UUID)

	// SessionsFor returns the sessions joined to a room, possibly empty.
	SessionsFor(room string) []Session
}

var _ RoomRegistry = (*LocalRoomRegistry)(nil)

// LocalRoomRegistry is the in-process RoomRegistry.
type LocalRoomRegistry struct {
	sync.RWMutex
	logger *zap.Logger

	rooms map[string]map[uuid.UUID]Session
}

func NewLocalRoomRegistry(logger *zap.Logger) *LocalRoomRegistry {
	return &LocalRoomRegistry{
		logger: logger,

		rooms: make(map[string]map[uuid.UUID]Session),
	}
}

func (r *LocalRoomRegistry) Stop() {}

func (r *LocalRoomRegistry) Count() int {
	r.RLock()
	count := len(r.rooms)
	r.RUnlock()
	return count
}

func (r *LocalRoomRegistry) Join(room string, session Session) {
	// Serialize against session teardown; a session already past RemoveAll
	// must not be re-added to a room.
	session.CloseLock()
	defer session.CloseUnlock()
	if session.Context().Err() != nil {
		return
	}

	sessionID := session.ID()

	r.Lock()
	byRoom, ok := r.rooms[room]
	if !ok {
		byRoom = make(map[uuid.UUID]Session, 1)
		r.rooms[room] = byRoom
	}
	if _, joined := byRoom[sessionID]; joined {
		r.Unlock()
		return
	}
	byRoom[sessionID] = session
	r.Unlock()

	r.logger.Debug("Session joined room",
		zap.String("sid", sessionID.String()),
		zap.String("identity", session.Identity()),
		zap.String("room", room))
}

func (r *LocalRoomRegistry) Leave(room string, sessionID uuid.UUID) {
	r.Lock()
	byRoom, ok := r.rooms[room]
	if !ok {
		r.Unlock()
		return
	}
	if _, joined := byRoom[sessionID]; !joined {
		r.Unlock()
		return
	}
	if len(byRoom) == 1 {
		delete(r.rooms, room)
	} else {
		delete(byRoom, sessionID)
	}
	r.Unlock()

	r.logger.Debug("Session left room",
		zap.String("sid", sessionID.String()),
		zap.String("room", room))
}

func (r *LocalRoomRegistry) RemoveAll(sessionID uuid.UUID) {
	r.Lock()
	for room, byRoom := range r.rooms {
		if _, joined := byRoom[sessionID]; !joined {
			continue
		}
		if len(byRoom) == 1 {
			delete(r.rooms, room)
		} else {
			delete(byRoom, sessionID)
		}
	}
	r.Unlock()
}

func (r *LocalRoomRegistry) SessionsFor(room string) []Session {
	r.RLock()
	byRoom := r.rooms[room]
	sessions := make([]Session, 0, len(byRoom))
	for _, session := range byRoom {
		sessions = append(sessions, session)
	}
	r.RUnlock()
	return sessions
}

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
	"encoding/json"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MessageRouter resolves a delivery target to the live session set and
// delivers an envelope to each. Delivery is best-effort and never blocks on
// acknowledgment; a session whose send fails is skipped, its own close event
// will clean it up.
type MessageRouter interface {
	// SendToIdentities delivers to every live session of each identity.
	// Duplicate identities are delivered once.
	SendToIdentities(logger *zap.Logger, identities []string, envelope *Envelope, reliable bool)

	// SendToRoom delivers to every session joined to the room.
	SendToRoom(logger *zap.Logger, room string, envelope *Envelope, reliable bool)

	// SendToAll delivers to every connected session. Used for presence
	// status broadcasts only.
	SendToAll(logger *zap.Logger, envelope *Envelope, reliable bool)
}

var _ MessageRouter = (*LocalMessageRouter)(nil)

// LocalMessageRouter is the in-process MessageRouter.
type LocalMessageRouter struct {
	sessionRegistry SessionRegistry
	roomRegistry    RoomRegistry
}

func NewLocalMessageRouter(sessionRegistry SessionRegistry, roomRegistry RoomRegistry) *LocalMessageRouter {
	return &LocalMessageRouter{
		sessionRegistry: sessionRegistry,
		roomRegistry:    roomRegistry,
	}
}

func (r *LocalMessageRouter) SendToIdentities(logger *zap.Logger, identities []string, envelope *Envelope, reliable bool) {
	if len(identities) == 0 {
		return
	}

	sessions := make([]Session, 0, len(identities))
	for _, identity := range lo.Uniq(identities) {
		sessions = append(sessions, r.sessionRegistry.SessionsFor(identity)...)
	}
	r.sendToSessions(logger, sessions, envelope, reliable)
}

func (r *LocalMessageRouter) SendToRoom(logger *zap.Logger, room string, envelope *Envelope, reliable bool) {
	r.sendToSessions(logger, r.roomRegistry.SessionsFor(room), envelope, reliable)
}

func (r *LocalMessageRouter) SendToAll(logger *zap.Logger, envelope *Envelope, reliable bool) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	r.sessionRegistry.Range(func(session Session) bool {
		if err := session.SendBytes(payload, reliable); err != nil {
			logger.Debug("Failed to route message", zap.String("sid", session.ID().String()), zap.Error(err))
		}
		return true
	})
}

func (r *LocalMessageRouter) sendToSessions(logger *zap.Logger, sessions []Session, envelope *Envelope, reliable bool) {
	if len(sessions) == 0 {
		return
	}

	// Marshal once, deliver many.
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	for _, session := range sessions {
		if err := session.SendBytes(payload, reliable); err != nil {
			logger.Debug("Failed to route message", zap.String("sid", session.ID().String()), zap.Error(err))
		}
	}
}

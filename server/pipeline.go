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
	"time"

	"go.uber.org/zap"
)

// Pipeline processes inbound realtime events from connected sessions and
// drives the registries, the tracker, persistence, and fanout.
//
// Registry mutations are applied synchronously in memory; persistence and
// delivery follow and may briefly trail the in-memory state. Heartbeats and
// the sweep reconcile any drift.
type Pipeline struct {
	logger          *zap.Logger
	config          Config
	sessionRegistry SessionRegistry
	roomRegistry    RoomRegistry
	tracker         Tracker
	router          MessageRouter
	messageStore    MessageStore
	membership      MembershipAuthority
}

func NewPipeline(logger *zap.Logger, config Config, sessionRegistry SessionRegistry, roomRegistry RoomRegistry, tracker Tracker, router MessageRouter, messageStore MessageStore, membership MembershipAuthority) *Pipeline {
	return &Pipeline{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		roomRegistry:    roomRegistry,
		tracker:         tracker,
		router:          router,
		messageStore:    messageStore,
		membership:      membership,
	}
}

// ProcessRequest routes one inbound envelope. Returns false only when the
// envelope carries no recognized message, which disconnects the session.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, in *Envelope) bool {
	switch {
	case in.Login != nil:
		p.handleLogin(logger, session)
	case in.Heartbeat != nil:
		p.handleHeartbeat(logger, session)
	case in.Logout != nil:
		p.handleLogout(logger, session)
	case in.DirectMessage != nil:
		p.handleDirectMessage(logger, session, in.DirectMessage)
	case in.GroupMessage != nil:
		p.handleGroupMessage(logger, session, in.GroupMessage)
	case in.TypingStart != nil:
		p.handleTyping(logger, session, in.TypingStart, true)
	case in.TypingStop != nil:
		p.handleTyping(logger, session, in.TypingStop, false)
	case in.JoinRoom != nil:
		p.handleJoinRoom(logger, session, in.JoinRoom)
	case in.LeaveRoom != nil:
		p.handleLeaveRoom(logger, session, in.LeaveRoom)
	default:
		logger.Warn("Received unrecognized message")
		return false
	}
	return true
}

func (p *Pipeline) handleLogin(logger *zap.Logger, session Session) {
	identity := session.Identity()
	p.tracker.MarkActive(session.Context(), identity)

	// Subscribe this connection to every room the identity is an active
	// member of. Members who were offline when a room was created catch up
	// here.
	rooms, err := p.membership.ActiveRoomsFor(session.Context(), identity)
	if err != nil {
		logger.Error("Failed to list active rooms on login", zap.String("identity", identity), zap.Error(err))
		return
	}
	for _, room := range rooms {
		p.roomRegistry.Join(room, session)
	}
	logger.Debug("Login processed", zap.String("identity", identity), zap.Int("rooms", len(rooms)))
}

func (p *Pipeline) handleHeartbeat(logger *zap.Logger, session Session) {
	p.tracker.Heartbeat(session.Context(), session.Identity())
}

func (p *Pipeline) handleLogout(logger *zap.Logger, session Session) {
	p.tracker.Logout(session.Context(), session.Identity())
}

func (p *Pipeline) handleDirectMessage(logger *zap.Logger, session Session, msg *DirectMessage) {
	msg.Sender = session.Identity()
	if msg.CreateTime == 0 {
		msg.CreateTime = time.Now().UTC().Unix()
	}

	if err := p.messageStore.Append(session.Context(), &MessageRecord{
		Sender:     msg.Sender,
		Receiver:   msg.Receiver,
		Text:       msg.Text,
		Attachment: msg.Attachment,
		CreateTime: time.Unix(msg.CreateTime, 0).UTC(),
	}); err != nil {
		// Persistence failure suppresses the fanout.
		logger.Error("Failed to persist direct message", zap.Error(err))
		return
	}

	// Delivery targets exactly the sender's and receiver's live connections,
	// never the whole server.
	p.router.SendToIdentities(logger, []string{msg.Sender, msg.Receiver}, &Envelope{DirectMessage: msg}, true)
}

func (p *Pipeline) handleGroupMessage(logger *zap.Logger, session Session, msg *GroupMessage) {
	msg.Sender = session.Identity()
	if msg.CreateTime == 0 {
		msg.CreateTime = time.Now().UTC().Unix()
	}

	if err := p.messageStore.Append(session.Context(), &MessageRecord{
		Sender:     msg.Sender,
		Room:       msg.Room,
		Text:       msg.Text,
		Attachment: msg.Attachment,
		CreateTime: time.Unix(msg.CreateTime, 0).UTC(),
	}); err != nil {
		logger.Error("Failed to persist group message", zap.Error(err))
		return
	}

	p.router.SendToRoom(logger, msg.Room, &Envelope{GroupMessage: msg}, true)
}

func (p *Pipeline) handleTyping(logger *zap.Logger, session Session, typing *Typing, start bool) {
	typing.Sender = session.Identity()

	out := &Envelope{}
	if start {
		out.TypingStart = typing
	} else {
		out.TypingStop = typing
	}

	if typing.Mode == TypingModeRoom && typing.Room != "" {
		p.router.SendToRoom(logger, typing.Room, out, false)
		return
	}
	p.router.SendToIdentities(logger, []string{typing.Sender, typing.Receiver}, out, false)
}

func (p *Pipeline) handleJoinRoom(logger *zap.Logger, session Session, join *JoinRoom) {
	identity := session.Identity()

	isMember, err := p.membership.IsActiveMember(session.Context(), identity, join.Room)
	if err != nil {
		logger.Error("Failed to check room membership", zap.String("room", join.Room), zap.Error(err))
		return
	}
	if !isMember {
		// Silently dropped: an unauthorized attempt must not leak whether
		// the room exists.
		logger.Debug("Join request for room without membership", zap.String("identity", identity), zap.String("room", join.Room))
		return
	}

	p.roomRegistry.Join(join.Room, session)
}

func (p *Pipeline) handleLeaveRoom(logger *zap.Logger, session Session, leave *LeaveRoom) {
	p.roomRegistry.Leave(leave.Room, session.ID())
}

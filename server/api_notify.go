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
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Admission endpoints consumed by the trusted backend. Payloads arrive
// pre-validated upstream; validation here only rejects structurally broken
// requests.

type groupCreatedRequest struct {
	Room        string   `json:"room" validate:"required"`
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Creator     string   `json:"creator" validate:"required"`
	Members     []string `json:"members" validate:"required,min=1,dive,required"`
	MemberCount int      `json:"member_count"`
}

type fileMessageRequest struct {
	Sender     string      `json:"sender" validate:"required"`
	Receiver   string      `json:"receiver" validate:"required_without=Room,excluded_with=Room"`
	Room       string      `json:"room"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment" validate:"required"`
}

// handleGroupCreated subscribes every online member's live connections to
// the new room and announces it there. The external call is the membership
// authority, so the usual join-time membership check is bypassed. Offline
// members are picked up by the join-all-rooms step on their next login.
func (s *ApiServer) handleGroupCreated(w http.ResponseWriter, r *http.Request) {
	var req groupCreatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	subscribed := 0
	for _, member := range lo.Uniq(req.Members) {
		for _, session := range s.sessionRegistry.SessionsFor(member) {
			s.roomRegistry.Join(req.Room, session)
			subscribed++
		}
	}

	memberCount := req.MemberCount
	if memberCount == 0 {
		memberCount = len(req.Members)
	}
	s.router.SendToRoom(s.logger, req.Room, &Envelope{GroupCreated: &GroupCreated{
		Room:        req.Room,
		Name:        req.Name,
		Description: req.Description,
		Creator:     req.Creator,
		Members:     req.Members,
		MemberCount: memberCount,
	}}, true)

	s.logger.Debug("Group creation fanned out",
		zap.String("room", req.Room),
		zap.Int("subscribed_connections", subscribed))
	w.WriteHeader(http.StatusOK)
}

// handleFileMessage relays a message carrying attachment metadata, produced
// by the backend's file upload path. Persistence and fanout follow the same
// rules as the live-session message paths.
func (s *ApiServer) handleFileMessage(w http.ResponseWriter, r *http.Request) {
	var req fileMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	if err := s.messageStore.Append(r.Context(), &MessageRecord{
		Sender:     req.Sender,
		Receiver:   req.Receiver,
		Room:       req.Room,
		Text:       req.Text,
		Attachment: req.Attachment,
		CreateTime: now,
	}); err != nil {
		s.logger.Error("Failed to persist file message", zap.Error(err))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	if req.Room != "" {
		s.router.SendToRoom(s.logger, req.Room, &Envelope{GroupMessage: &GroupMessage{
			Sender:     req.Sender,
			Room:       req.Room,
			Text:       req.Text,
			CreateTime: now.Unix(),
			Attachment: req.Attachment,
		}}, true)
	} else {
		s.router.SendToIdentities(s.logger, []string{req.Sender, req.Receiver}, &Envelope{DirectMessage: &DirectMessage{
			Sender:     req.Sender,
			Receiver:   req.Receiver,
			Text:       req.Text,
			CreateTime: now.Unix(),
			Attachment: req.Attachment,
		}}, true)
	}

	w.WriteHeader(http.StatusOK)
}

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

// Presence status values as written to the presence store and carried in
// status update events.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the wire container for all realtime events, inbound and
// outbound. Exactly one message field is expected to be set. The optional
// Cid correlates a response with the client request that produced it.
type Envelope struct {
	Cid string `json:"cid,omitempty"`

	// Inbound (client -> server).
	Login       *Login       `json:"login,omitempty"`
	Heartbeat   *Heartbeat   `json:"heartbeat,omitempty"`
	Logout      *Logout      `json:"logout,omitempty"`
	JoinRoom    *JoinRoom    `json:"join_room,omitempty"`
	LeaveRoom   *LeaveRoom   `json:"leave_room,omitempty"`
	TypingStart *Typing      `json:"typing_start,omitempty"`
	TypingStop  *Typing      `json:"typing_stop,omitempty"`

	// Bidirectional: received from a session, fanned out to targets.
	DirectMessage *DirectMessage `json:"direct_message,omitempty"`
	GroupMessage  *GroupMessage  `json:"group_message,omitempty"`

	// Outbound only (server -> client).
	StatusUpdate *StatusUpdate `json:"status_update,omitempty"`
	GroupCreated *GroupCreated `json:"group_created,omitempty"`
	Error        *ErrorEvent   `json:"error,omitempty"`
}

// Login announces an identity over an established connection.
type Login struct {
	Identity string `json:"identity"`
}

// Heartbeat keeps an identity's presence fresh.
type Heartbeat struct {
	Identity string `json:"identity"`
}

// Logout requests an immediate offline transition for the identity.
type Logout struct {
	Identity string `json:"identity"`
}

// JoinRoom subscribes the sending connection to a room, subject to a
// membership check.
type JoinRoom struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

// LeaveRoom unsubscribes the sending connection from a room.
type LeaveRoom struct {
	Room string `json:"room"`
}

// Typing carries a typing indicator. Exactly one of Receiver or Room is set,
// selected by Mode.
type Typing struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	Room     string `json:"room,omitempty"`
	Mode     string `json:"mode"`
}

// Typing indicator modes.
const (
	TypingModeDirect = "direct"
	TypingModeRoom   = "room"
)

// DirectMessage is a one-to-one chat message.
type DirectMessage struct {
	Sender     string      `json:"sender"`
	Receiver   string      `json:"receiver"`
	Text       string      `json:"text"`
	CreateTime int64       `json:"create_time,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// GroupMessage is a room chat message.
type GroupMessage struct {
	Sender     string      `json:"sender"`
	Room       string      `json:"room"`
	Text       string      `json:"text"`
	CreateTime int64       `json:"create_time,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment is file metadata carried alongside a message. The file itself
// lives elsewhere; only the pointer travels through the relay.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// StatusUpdate announces a presence transition. Broadcast to all connected
// sessions.
type StatusUpdate struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

// GroupCreated announces a newly created room to its online members.
type GroupCreated struct {
	Room        string   `json:"room"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Creator     string   `json:"creator"`
	Members     []string `json:"members"`
	MemberCount int      `json:"member_count"`
}

// ErrorEvent reports a request-level failure back to the originating session.
type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

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
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiTestEnv struct {
	server          *ApiServer
	sessionRegistry *LocalSessionRegistry
	roomRegistry    *LocalRoomRegistry
	messageStore    *fakeMessageStore
}

func newApiTestEnv() *apiTestEnv {
	logger := zap.NewNop()
	sessionRegistry := NewLocalSessionRegistry(logger, testMetrics{})
	roomRegistry := NewLocalRoomRegistry(logger)
	messageStore := &fakeMessageStore{}

	return &apiTestEnv{
		server: &ApiServer{
			logger:          logger,
			config:          NewConfig(),
			sessionRegistry: sessionRegistry,
			roomRegistry:    roomRegistry,
			router:          NewLocalMessageRouter(sessionRegistry, roomRegistry),
			messageStore:    messageStore,
			validate:        validator.New(),
		},
		sessionRegistry: sessionRegistry,
		roomRegistry:    roomRegistry,
		messageStore:    messageStore,
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func TestApiGroupCreated(t *testing.T) {
	env := newApiTestEnv()

	alice1 := newTestSession("alice@example.com")
	alice2 := newTestSession("alice@example.com")
	carol := newTestSession("carol@example.com")
	env.sessionRegistry.Add(alice1)
	env.sessionRegistry.Add(alice2)
	env.sessionRegistry.Add(carol)

	w := postJSON(t, env.server.handleGroupCreated, "/v1/notify/group-created", map[string]interface{}{
		"room":    "room-1",
		"name":    "Project X",
		"creator": "alice@example.com",
		// bob is offline, alice appears twice.
		"members": []string{"alice@example.com", "bob@example.com", "alice@example.com"},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Every live connection of an online member is subscribed to the room.
	assert.Len(t, env.roomRegistry.SessionsFor("room-1"), 2)

	// Each subscribed connection got exactly one announcement.
	for _, session := range []*testSession{alice1, alice2} {
		received := session.received()
		require.Len(t, received, 1)
		require.NotNil(t, received[0].GroupCreated)
		assert.Equal(t, "room-1", received[0].GroupCreated.Room)
		assert.Equal(t, 3, received[0].GroupCreated.MemberCount)
	}
	assert.Equal(t, 0, carol.receivedCount())
}

func TestApiGroupCreatedNoOnlineMembers(t *testing.T) {
	env := newApiTestEnv()

	w := postJSON(t, env.server.handleGroupCreated, "/v1/notify/group-created", map[string]interface{}{
		"room":    "room-1",
		"name":    "Project X",
		"creator": "alice@example.com",
		"members": []string{"alice@example.com"},
	})

	// All members offline: nothing subscribed, still accepted. Members pick
	// the room up on their next login.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.roomRegistry.Count())
}

func TestApiGroupCreatedInvalidPayload(t *testing.T) {
	env := newApiTestEnv()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing room", map[string]interface{}{"name": "x", "creator": "a", "members": []string{"a"}}},
		{"missing creator", map[string]interface{}{"room": "r", "name": "x", "members": []string{"a"}}},
		{"empty members", map[string]interface{}{"room": "r", "name": "x", "creator": "a", "members": []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, env.server.handleGroupCreated, "/v1/notify/group-created", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestApiFileMessageDirect(t *testing.T) {
	env := newApiTestEnv()

	alice := newTestSession("alice@example.com")
	bob := newTestSession("bob@example.com")
	env.sessionRegistry.Add(alice)
	env.sessionRegistry.Add(bob)

	w := postJSON(t, env.server.handleFileMessage, "/v1/notify/message", map[string]interface{}{
		"sender":   "alice@example.com",
		"receiver": "bob@example.com",
		"text":     "report attached",
		"attachment": map[string]interface{}{
			"name": "report.pdf",
			"url":  "https://files.example.com/report.pdf",
		},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, env.messageStore.recordCount())
	record := env.messageStore.records[0]
	assert.Equal(t, "bob@example.com", record.Receiver)
	require.NotNil(t, record.Attachment)
	assert.Equal(t, "report.pdf", record.Attachment.Name)

	received := bob.received()
	require.Len(t, received, 1)
	require.NotNil(t, received[0].DirectMessage)
	require.NotNil(t, received[0].DirectMessage.Attachment)
	assert.Equal(t, "report.pdf", received[0].DirectMessage.Attachment.Name)
	assert.Equal(t, 1, alice.receivedCount())
}

func TestApiFileMessageRoom(t *testing.T) {
	env := newApiTestEnv()

	alice := newTestSession("alice@example.com")
	bob := newTestSession("bob@example.com")
	env.sessionRegistry.Add(alice)
	env.sessionRegistry.Add(bob)
	env.roomRegistry.Join("room-1", bob)

	w := postJSON(t, env.server.handleFileMessage, "/v1/notify/message", map[string]interface{}{
		"sender": "alice@example.com",
		"room":   "room-1",
		"attachment": map[string]interface{}{
			"name": "notes.txt",
			"url":  "https://files.example.com/notes.txt",
		},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, env.messageStore.recordCount())
	assert.Equal(t, "room-1", env.messageStore.records[0].Room)

	received := bob.received()
	require.Len(t, received, 1)
	require.NotNil(t, received[0].GroupMessage)
	assert.Equal(t, "room-1", received[0].GroupMessage.Room)
	assert.Equal(t, 0, alice.receivedCount())
}

func TestApiFileMessageStoreFailure(t *testing.T) {
	env := newApiTestEnv()
	env.messageStore.err = errors.New("connection refused")

	bob := newTestSession("bob@example.com")
	env.sessionRegistry.Add(bob)

	w := postJSON(t, env.server.handleFileMessage, "/v1/notify/message", map[string]interface{}{
		"sender":   "alice@example.com",
		"receiver": "bob@example.com",
		"attachment": map[string]interface{}{
			"name": "report.pdf",
			"url":  "https://files.example.com/report.pdf",
		},
	})

	// Persistence failure suppresses delivery.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, bob.receivedCount())
}

func TestApiParseToken(t *testing.T) {
	env := newApiTestEnv()
	key := []byte(env.server.config.GetSession().TokenKey)

	sign := func(claims jwt.RegisteredClaims, key []byte) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}

	valid := sign(jwt.RegisteredClaims{
		Subject:   "alice@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, key)
	identity, err := env.server.parseToken(valid)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"expired", sign(jwt.RegisteredClaims{
			Subject:   "alice@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}, key)},
		{"wrong key", sign(jwt.RegisteredClaims{
			Subject:   "alice@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, []byte("wrongkey"))},
		{"missing subject", sign(jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, key)},
		{"no expiry", sign(jwt.RegisteredClaims{
			Subject: "alice@example.com",
		}, key)},
		{"lifetime beyond configured bound", sign(jwt.RegisteredClaims{
			Subject:   "alice@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(48 * time.Hour)),
		}, key)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.server.parseToken(tt.token)
			assert.Error(t, err)
		})
	}
}

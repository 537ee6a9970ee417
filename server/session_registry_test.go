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
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSessionRegistryAddRemove(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), testMetrics{})

	session := newTestSession("alice@example.com")
	registry.Add(session)
	assert.Equal(t, 1, registry.Count())
	assert.Equal(t, session, registry.Get(session.ID()))
	assert.True(t, registry.IsOnline("alice@example.com"))

	// Re-adding the same session must not double count.
	registry.Add(session)
	assert.Equal(t, 1, registry.Count())

	identity := registry.Remove(session.ID())
	assert.Equal(t, "alice@example.com", identity)
	assert.Equal(t, 0, registry.Count())
	assert.Nil(t, registry.Get(session.ID()))
	assert.False(t, registry.IsOnline("alice@example.com"))
}

func TestSessionRegistryRemoveUnknown(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), testMetrics{})

	identity := registry.Remove(uuid.Must(uuid.NewV4()))
	assert.Equal(t, "", identity)
	assert.Equal(t, 0, registry.Count())

	// A second close report for an already removed session is a no-op.
	session := newTestSession("alice@example.com")
	registry.Add(session)
	assert.Equal(t, "alice@example.com", registry.Remove(session.ID()))
	assert.Equal(t, "", registry.Remove(session.ID()))
	assert.Equal(t, 0, registry.Count())
}

func TestSessionRegistryAddAfterClose(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), testMetrics{})

	// A session torn down before registration completed must not register:
	// its cleanup already ran and nothing would ever remove it.
	session := newTestSession("alice@example.com")
	session.Close("outgoing queue full")
	registry.Add(session)

	assert.Equal(t, 0, registry.Count())
	assert.Nil(t, registry.Get(session.ID()))
	assert.False(t, registry.IsOnline("alice@example.com"))
}

func TestSessionRegistryMultipleConnections(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), testMetrics{})

	s1 := newTestSession("alice@example.com")
	s2 := newTestSession("alice@example.com")
	s3 := newTestSession("bob@example.com")
	registry.Add(s1)
	registry.Add(s2)
	registry.Add(s3)

	assert.Equal(t, 3, registry.Count())
	assert.Len(t, registry.SessionsFor("alice@example.com"), 2)
	assert.Len(t, registry.SessionsFor("bob@example.com"), 1)
	assert.Empty(t, registry.SessionsFor("carol@example.com"))

	registry.Remove(s1.ID())
	assert.True(t, registry.IsOnline("alice@example.com"))

	registry.Remove(s2.ID())
	assert.False(t, registry.IsOnline("alice@example.com"))
	assert.True(t, registry.IsOnline("bob@example.com"))
}

func TestSessionRegistryPruneIdentity(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), testMetrics{})

	session := newTestSession("alice@example.com")
	registry.Add(session)

	// Pruning an identity with live sessions must leave it intact.
	registry.PruneIdentity("alice@example.com")
	assert.True(t, registry.IsOnline("alice@example.com"))

	registry.Remove(session.ID())
	registry.PruneIdentity("alice@example.com")
	assert.False(t, registry.IsOnline("alice@example.com"))

	// Pruning an unknown identity is a no-op.
	registry.PruneIdentity("carol@example.com")
}

func TestSessionRegistryRange(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), testMetrics{})

	for _, identity := range []string{"alice@example.com", "bob@example.com", "carol@example.com"} {
		registry.Add(newTestSession(identity))
	}

	seen := 0
	registry.Range(func(session Session) bool {
		seen++
		return true
	})
	assert.Equal(t, 3, seen)

	// Returning false stops the iteration.
	seen = 0
	registry.Range(func(session Session) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

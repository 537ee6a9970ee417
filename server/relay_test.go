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
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// testSession is an in-memory Session that records delivered payloads.
type testSession struct {
	sync.Mutex
	id          uuid.UUID
	identity    string
	ctx         context.Context
	ctxCancelFn context.CancelFunc
	closeMu     sync.Mutex
	sendErr     error
	payloads    [][]byte
	closed      bool
}

func newTestSession(identity string) *testSession {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &testSession{
		id:          uuid.Must(uuid.NewV4()),
		identity:    identity,
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

func (s *testSession) ID() uuid.UUID            { return s.id }
func (s *testSession) Identity() string         { return s.identity }
func (s *testSession) ClientIP() string         { return "127.0.0.1" }
func (s *testSession) ClientPort() string       { return "0" }
func (s *testSession) Context() context.Context { return s.ctx }
func (s *testSession) Consume()                 {}

func (s *testSession) Send(envelope *Envelope, reliable bool) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.SendBytes(payload, reliable)
}

func (s *testSession) SendBytes(payload []byte, reliable bool) error {
	s.Lock()
	defer s.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *testSession) CloseLock()   { s.closeMu.Lock() }
func (s *testSession) CloseUnlock() { s.closeMu.Unlock() }

func (s *testSession) Close(msg string) {
	s.CloseLock()
	s.ctxCancelFn()
	s.CloseUnlock()

	s.Lock()
	s.closed = true
	s.Unlock()
}

func (s *testSession) received() []*Envelope {
	s.Lock()
	defer s.Unlock()
	out := make([]*Envelope, 0, len(s.payloads))
	for _, payload := range s.payloads {
		envelope := &Envelope{}
		_ = json.Unmarshal(payload, envelope)
		out = append(out, envelope)
	}
	return out
}

func (s *testSession) receivedCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.payloads)
}

type testMetrics struct{}

func (testMetrics) GaugeSessions(float64)       {}
func (testMetrics) GaugeTracked(float64)        {}
func (testMetrics) Message(int64, bool)         {}
func (testMetrics) MessageBytesSent(int64)      {}
func (testMetrics) CountStatusBroadcast(string) {}
func (testMetrics) CountDroppedEvent()          {}
func (testMetrics) PresenceEvent(time.Duration) {}
func (testMetrics) Handler() http.Handler       { return http.NotFoundHandler() }

type fakePresenceStore struct {
	sync.Mutex
	status map[string]string
	writes []string
	err    error
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{status: make(map[string]string)}
}

func (s *fakePresenceStore) SetStatus(ctx context.Context, identity, status string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	if s.err != nil {
		return false, s.err
	}
	current, ok := s.status[identity]
	if !ok {
		// Identities start out stored as offline.
		current = StatusOffline
	}
	if current == status {
		return false, nil
	}
	s.status[identity] = status
	s.writes = append(s.writes, identity+":"+status)
	return true, nil
}

func (s *fakePresenceStore) setErr(err error) {
	s.Lock()
	s.err = err
	s.Unlock()
}

func (s *fakePresenceStore) statusOf(identity string) string {
	s.Lock()
	defer s.Unlock()
	return s.status[identity]
}

func (s *fakePresenceStore) writeCount(identity, status string) int {
	s.Lock()
	defer s.Unlock()
	count := 0
	for _, w := range s.writes {
		if w == identity+":"+status {
			count++
		}
	}
	return count
}

type fakeMessageStore struct {
	sync.Mutex
	records []*MessageRecord
	err     error
}

func (s *fakeMessageStore) Append(ctx context.Context, record *MessageRecord) error {
	s.Lock()
	defer s.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeMessageStore) recordCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.records)
}

type fakeMembership struct {
	rooms map[string][]string
	err   error
}

func (m *fakeMembership) IsActiveMember(ctx context.Context, identity, room string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	for _, r := range m.rooms[identity] {
		if r == room {
			return true, nil
		}
	}
	return false, nil
}

func (m *fakeMembership) ActiveRoomsFor(ctx context.Context, identity string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rooms[identity], nil
}

// fakeRouter records broadcast envelopes, ignoring targeted sends.
type fakeRouter struct {
	sync.Mutex
	broadcasts []*Envelope
}

func (r *fakeRouter) SendToIdentities(logger *zap.Logger, identities []string, envelope *Envelope, reliable bool) {
}

func (r *fakeRouter) SendToRoom(logger *zap.Logger, room string, envelope *Envelope, reliable bool) {
}

func (r *fakeRouter) SendToAll(logger *zap.Logger, envelope *Envelope, reliable bool) {
	r.Lock()
	r.broadcasts = append(r.broadcasts, envelope)
	r.Unlock()
}

func (r *fakeRouter) statusUpdates(status string) []*StatusUpdate {
	r.Lock()
	defer r.Unlock()
	out := make([]*StatusUpdate, 0, len(r.broadcasts))
	for _, envelope := range r.broadcasts {
		if envelope.StatusUpdate != nil && envelope.StatusUpdate.Status == status {
			out = append(out, envelope.StatusUpdate)
		}
	}
	return out
}

// fakeTracker records pipeline calls without running the state machine.
type fakeTracker struct {
	sync.Mutex
	active        []string
	heartbeats    []string
	logouts       []string
	disconnecteds []string
}

func (t *fakeTracker) Stop()      {}
func (t *fakeTracker) Count() int { return 0 }

func (t *fakeTracker) MarkActive(ctx context.Context, identity string) {
	t.Lock()
	t.active = append(t.active, identity)
	t.Unlock()
}

func (t *fakeTracker) Heartbeat(ctx context.Context, identity string) {
	t.Lock()
	t.heartbeats = append(t.heartbeats, identity)
	t.Unlock()
}

func (t *fakeTracker) Logout(ctx context.Context, identity string) {
	t.Lock()
	t.logouts = append(t.logouts, identity)
	t.Unlock()
}

func (t *fakeTracker) Disconnected(identity string) {
	t.Lock()
	t.disconnecteds = append(t.disconnecteds, identity)
	t.Unlock()
}

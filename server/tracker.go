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
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tracker drives the per-identity presence state machine: no-record, active,
// grace-pending, offline. Activity timestamps exist while an identity is
// connected or awaiting offline confirmation, and are removed once offline
// is confirmed or written through on logout.
//
// The grace timer is never cancelled explicitly. A reconnect during the
// grace window is detected by re-reading the live connection count when the
// timer fires, which tolerates timer/registration races.
type Tracker interface {
	Stop()
	Count() int

	// MarkActive records login or heartbeat activity and asserts online in
	// the presence store, broadcasting a status update only when the stored
	// value actually changed.
	MarkActive(ctx context.Context, identity string)

	// Heartbeat is MarkActive gated on the identity having at least one
	// live connection. Heartbeats for untracked identities are dropped.
	Heartbeat(ctx context.Context, identity string)

	// Logout transitions the identity offline immediately, bypassing the
	// grace period. The transition is gated on a successful store write; on
	// failure in-memory state is left for the sweep to reconcile.
	Logout(ctx context.Context, identity string)

	// Disconnected starts the offline grace window for an identity whose
	// last live connection just closed.
	Disconnected(identity string)
}

var _ Tracker = (*LocalTracker)(nil)

type statusEvent struct {
	identity  string
	status    string
	queueTime time.Time
}

// LocalTracker is the in-process Tracker.
type LocalTracker struct {
	sync.Mutex
	logger          *zap.Logger
	config          *PresenceConfig
	sessionRegistry SessionRegistry
	presenceStore   PresenceStore
	router          MessageRouter
	metrics         Metrics

	lastActivity map[string]time.Time
	eventsCh     chan *statusEvent

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

// StartLocalTracker creates the tracker and starts its event dispatch and
// inactivity sweep routines.
func StartLocalTracker(logger *zap.Logger, config *PresenceConfig, sessionRegistry SessionRegistry, presenceStore PresenceStore, router MessageRouter, metrics Metrics) *LocalTracker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	t := &LocalTracker{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		presenceStore:   presenceStore,
		router:          router,
		metrics:         metrics,

		lastActivity: make(map[string]time.Time),
		eventsCh:     make(chan *statusEvent, config.EventQueueSize),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go t.processEvents()
	go t.sweepLoop()

	return t
}

func (t *LocalTracker) Stop() {
	t.ctxCancelFn()
}

func (t *LocalTracker) Count() int {
	t.Lock()
	count := len(t.lastActivity)
	t.Unlock()
	return count
}

func (t *LocalTracker) MarkActive(ctx context.Context, identity string) {
	now := time.Now()
	t.Lock()
	t.lastActivity[identity] = now
	t.Unlock()

	affected, err := t.presenceStore.SetStatus(ctx, identity, StatusOnline)
	if err != nil {
		// A heartbeat or the sweep reconciles the drift later.
		t.logger.Error("Failed to write online status", zap.String("identity", identity), zap.Error(err))
		return
	}
	if affected {
		t.queueEvent(identity, StatusOnline)
	}
}

func (t *LocalTracker) Heartbeat(ctx context.Context, identity string) {
	if !t.sessionRegistry.IsOnline(identity) {
		// No live connections for this identity, nothing to refresh.
		return
	}
	t.MarkActive(ctx, identity)
}

func (t *LocalTracker) Logout(ctx context.Context, identity string) {
	affected, err := t.presenceStore.SetStatus(ctx, identity, StatusOffline)
	if err != nil {
		t.logger.Error("Failed to write offline status on logout", zap.String("identity", identity), zap.Error(err))
		return
	}

	t.Lock()
	delete(t.lastActivity, identity)
	t.Unlock()
	t.sessionRegistry.PruneIdentity(identity)

	if affected {
		t.queueEvent(identity, StatusOffline)
	}
}

func (t *LocalTracker) Disconnected(identity string) {
	t.Lock()
	if _, tracked := t.lastActivity[identity]; !tracked {
		t.lastActivity[identity] = time.Now()
	}
	t.Unlock()

	time.AfterFunc(t.config.GetGracePeriod(), func() {
		t.confirmOffline(identity)
	})
}

// confirmOffline completes the grace-pending to offline transition, unless a
// reconnect arrived in the meantime.
func (t *LocalTracker) confirmOffline(identity string) {
	if t.sessionRegistry.IsOnline(identity) {
		// Reconnected within the grace window.
		return
	}

	t.Lock()
	_, tracked := t.lastActivity[identity]
	t.Unlock()
	if !tracked {
		// Already confirmed offline by logout, an earlier timer, or the sweep.
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()

	affected, err := t.presenceStore.SetStatus(ctx, identity, StatusOffline)
	if err != nil {
		// Keep the activity entry so the sweep retries the transition.
		t.logger.Error("Failed to write offline status", zap.String("identity", identity), zap.Error(err))
		return
	}

	t.Lock()
	delete(t.lastActivity, identity)
	t.Unlock()
	t.sessionRegistry.PruneIdentity(identity)

	if affected {
		t.logger.Debug("Identity confirmed offline", zap.String("identity", identity))
		t.queueEvent(identity, StatusOffline)
	}
}

// sweepLoop periodically forces offline any identity whose activity is stale
// and which has no live connections. Covers disconnect events lost to abrupt
// transport failure.
func (t *LocalTracker) sweepLoop() {
	ticker := time.NewTicker(t.config.GetSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *LocalTracker) sweep() {
	threshold := t.config.GetInactivityThreshold()
	now := time.Now()

	t.Lock()
	stale := make([]string, 0, len(t.lastActivity))
	for identity, last := range t.lastActivity {
		if now.Sub(last) > threshold {
			stale = append(stale, identity)
		}
	}
	t.Unlock()

	for _, identity := range stale {
		t.confirmOffline(identity)
	}
}

func (t *LocalTracker) queueEvent(identity, status string) {
	select {
	case t.eventsCh <- &statusEvent{identity: identity, status: status, queueTime: time.Now()}:
	default:
		t.logger.Error("Status event dispatch queue is full, status events may be lost")
		t.metrics.CountDroppedEvent()
	}
}

func (t *LocalTracker) processEvents() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case e := <-t.eventsCh:
			t.metrics.PresenceEvent(time.Since(e.queueTime))
			t.metrics.CountStatusBroadcast(e.status)
			t.router.SendToAll(t.logger, &Envelope{StatusUpdate: &StatusUpdate{
				Identity: e.identity,
				Status:   e.status,
			}}, true)
		case <-ticker.C:
			t.metrics.GaugeTracked(float64(t.Count()))
		}
	}
}

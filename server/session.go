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

	"github.com/gofrs/uuid/v5"
)

type (
	// Session is one live transport connection. The registry and router hold
	// non-owning references; the transport layer owns the underlying socket
	// and its lifecycle.
	Session interface {
		ID() uuid.UUID
		Identity() string
		ClientIP() string
		ClientPort() string
		Context() context.Context

		Consume()

		Send(envelope *Envelope, reliable bool) error
		SendBytes(payload []byte, reliable bool) error

		// CloseLock/CloseUnlock serialize in-flight registry operations
		// against session teardown.
		CloseLock()
		CloseUnlock()
		Close(msg string)
	}

	// Keys used for storing request-scoped values on the session context.
	ctxSessionIDKey struct{}
	ctxIdentityKey  struct{}
)

// Copyright 2025 The Steer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package steer

import (
	"context"
	"fmt"
)

// ServerCommand is an administrative command consumed serially by the
// supervisor. The closed set of variants below is the entire admin
// channel; producers block when the channel is full.
type ServerCommand interface {
	isServerCommand()
	fmt.Stringer
}

// AddCert inserts a certificate into the keyring and refreshes the TLS
// material of every port whose server names the certificate covers.
type AddCert struct {
	Cert *Certificate
}

func (AddCert) isServerCommand() {}

func (c AddCert) String() string { return fmt.Sprintf("AddCert{id: %s}", c.Cert.ID) }

// SetConfig replaces the active configuration, draining and rebinding
// only the ports whose socket parameters changed.
type SetConfig struct {
	Config AppConfig
}

func (SetConfig) isServerCommand() {}

func (SetConfig) String() string { return "SetConfig" }

// SetBroadcastEvents toggles whether status events are fanned out to
// subscribers. Internal bookkeeping is unaffected.
type SetBroadcastEvents struct {
	Enabled bool
}

func (SetBroadcastEvents) isServerCommand() {}

func (c SetBroadcastEvents) String() string {
	return fmt.Sprintf("SetBroadcastEvents{enabled: %t}", c.Enabled)
}

// StopHttpChallenges empties the challenge responder's token table and
// closes it for new inserts until the next ACME order begins.
type StopHttpChallenges struct{}

func (StopHttpChallenges) isServerCommand() {}

func (StopHttpChallenges) String() string { return "StopHttpChallenges" }

// CallMethod carries an erased method invocation with its own reply
// slot. The supervisor invokes the method, writes the reply, and
// closes the slot; a dropped slot means the caller is gone and the
// result is discarded.
type CallMethod struct {
	ID     string
	Method ErasedMethod
}

func (CallMethod) isServerCommand() {}

func (c CallMethod) String() string { return fmt.Sprintf("CallMethod{id: %s}", c.ID) }

// ErasedMethod is a request that knows how to invoke itself against
// the supervisor and deliver its own typed reply.
type ErasedMethod interface {
	invoke(s *Server)
}

type methodCall[T any] struct {
	fn    func(s *Server) (T, error)
	reply chan methodReply[T]
}

type methodReply[T any] struct {
	value T
	err   error
}

func (mc *methodCall[T]) invoke(s *Server) {
	value, err := mc.fn(s)
	// buffered slot: the send never blocks, even if the caller is gone
	mc.reply <- methodReply[T]{value: value, err: err}
	close(mc.reply)
}

// Call runs fn on the supervisor task and awaits its reply. fn runs
// serialized with every other command, so it may freely read and
// mutate supervisor state. Call fails if the supervisor has stopped or
// ctx expires first. A call that times out after it was queued still
// executes and its reply is discarded; one that times out while the
// channel is full is never queued and never runs.
func Call[T any](ctx context.Context, s *Server, fn func(s *Server) (T, error)) (T, error) {
	mc := &methodCall[T]{fn: fn, reply: make(chan methodReply[T], 1)}
	var zero T
	if err := s.Command(ctx, CallMethod{ID: "call", Method: mc}); err != nil {
		return zero, err
	}
	select {
	case rep := <-mc.reply:
		return rep.value, rep.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

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
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxNameLen is the longest permitted port entry name.
const MaxNameLen = 32

// SocketState is the externally observable state of a listening socket.
type SocketState int

const (
	SocketStateUnknown SocketState = iota
	SocketStateListening
	SocketStateAddressAlreadyInUse
	SocketStatePermissionDenied
	SocketStateAddressNotAvailable
	SocketStateError
)

var socketStateNames = map[SocketState]string{
	SocketStateUnknown:             "unknown",
	SocketStateListening:           "listening",
	SocketStateAddressAlreadyInUse: "address_already_in_use",
	SocketStatePermissionDenied:    "permission_denied",
	SocketStateAddressNotAvailable: "address_not_available",
	SocketStateError:               "error",
}

func (s SocketState) String() string {
	if name, ok := socketStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the state as its snake_cased name.
func (s SocketState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the state from its snake_cased name.
func (s *SocketState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for state, n := range socketStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown socket state %q", name)
}

// TLSState is the state of the TLS termination material attached to a
// port, present only when the port terminates TLS.
type TLSState int

const (
	// TLSStateNoCertificate means no certificate in the keyring covers
	// any of the port's declared server names. The socket still binds;
	// handshakes are refused until a certificate arrives.
	TLSStateNoCertificate TLSState = iota

	// TLSStateActive means the acceptor holds at least one usable
	// certificate chain.
	TLSStateActive
)

func (s TLSState) String() string {
	if s == TLSStateActive {
		return "active"
	}
	return "no_certificate"
}

// MarshalJSON encodes the state as its snake_cased name.
func (s TLSState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the state from its snake_cased name.
func (s *TLSState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "active":
		*s = TLSStateActive
	case "no_certificate":
		*s = TLSStateNoCertificate
	default:
		return fmt.Errorf("unknown tls state %q", name)
	}
	return nil
}

// PortState is the state portion of a port status snapshot.
type PortState struct {
	Socket SocketState `json:"socket"`
	TLS    *TLSState   `json:"tls"`
}

// PortStatus is a snapshot of one port's observable status. StartedAt
// is set when the socket first reaches Listening and is not reset by
// transient errors; it is reset only when the socket is rebound.
type PortStatus struct {
	State     PortState
	StartedAt *time.Time
}

type portStatusJSON struct {
	State     PortState `json:"state"`
	StartedAt *int64    `json:"started_at"`
}

// MarshalJSON emits started_at as whole seconds since the Unix epoch,
// or null when the port has never listened.
func (ps PortStatus) MarshalJSON() ([]byte, error) {
	out := portStatusJSON{State: ps.State}
	if ps.StartedAt != nil {
		secs := ps.StartedAt.Unix()
		out.StartedAt = &secs
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (ps *PortStatus) UnmarshalJSON(b []byte) error {
	var in portStatusJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	ps.State = in.State
	ps.StartedAt = nil
	if in.StartedAt != nil {
		t := time.Unix(*in.StartedAt, 0)
		ps.StartedAt = &t
	}
	return nil
}

// PortContextEvent is a notification delivered to a port context by
// the supervisor, reflecting something that happened to its socket.
type PortContextEvent interface {
	isPortContextEvent()
}

// SocketStateUpdated reports the outcome of a bind attempt or a
// listener shutdown.
type SocketStateUpdated struct {
	State SocketState
}

func (SocketStateUpdated) isPortContextEvent() {}

// PortContext is the runtime twin of a PortEntry: the authored entry
// plus a kind-specific state machine and an observable status. Port
// contexts are owned exclusively by the supervisor.
type PortContext struct {
	entry PortEntry
	kind  PortContextKind
}

// PortContextKind is a closed tagged union over the supported
// transports. Exactly one field is non-nil. Additional transports are
// added by adding a field here and a case to each dispatch switch
// below; callers are unaffected.
type PortContextKind struct {
	TCP *TCPPortContext
}

// NewPortContext validates entry and constructs its runtime twin.
func NewPortContext(entry PortEntry) (*PortContext, error) {
	if entry.Name == "" || utf8.RuneCountInString(entry.Name) > MaxNameLen {
		return nil, InvalidNameError{Name: entry.Name}
	}
	tcp, err := newTCPPortContext(entry)
	if err != nil {
		return nil, err
	}
	return &PortContext{entry: entry, kind: PortContextKind{TCP: tcp}}, nil
}

// Entry returns the authored port entry.
func (pc *PortContext) Entry() PortEntry { return pc.entry }

// Kind returns the transport-specific state.
func (pc *PortContext) Kind() PortContextKind { return pc.kind }

// Prepare resolves the listen address and records whether TLS
// termination is required. It does not touch the OS beyond name
// resolution.
func (pc *PortContext) Prepare(ctx context.Context, config *AppConfig) error {
	switch {
	case pc.kind.TCP != nil:
		return pc.kind.TCP.prepare(ctx, config)
	}
	panic("unreachable: port context without a kind")
}

// Setup binds TLS material from the keyring. Failure to locate a
// certificate for a declared server name leaves the TLS state at
// NoCertificate but is not an error; the socket still binds.
func (pc *PortContext) Setup(keyring *Keyring) error {
	switch {
	case pc.kind.TCP != nil:
		return pc.kind.TCP.setup(keyring)
	}
	panic("unreachable: port context without a kind")
}

// Apply atomically replaces the mutable portions of the context with
// those of new. It reports whether the socket parameters changed, in
// which case the caller must drain the old socket and bind a new one;
// otherwise the existing socket and accept loop are retained.
func (pc *PortContext) Apply(next *PortContext) (rebind bool) {
	switch {
	case pc.kind.TCP != nil && next.kind.TCP != nil:
		rebind = pc.kind.TCP.apply(next.kind.TCP)
	default:
		// transport kind changed entirely
		pc.kind = next.kind
		rebind = true
	}
	pc.entry = next.entry
	return rebind
}

// Event feeds a socket notification into the context's state machine.
func (pc *PortContext) Event(ev PortContextEvent) {
	switch {
	case pc.kind.TCP != nil:
		pc.kind.TCP.event(ev)
	}
}

// Status returns the current status snapshot.
func (pc *PortContext) Status() PortStatus {
	switch {
	case pc.kind.TCP != nil:
		return pc.kind.TCP.currentStatus()
	}
	panic("unreachable: port context without a kind")
}

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
	"errors"
	"net/http"
	"strings"
	"sync"
)

const challengeBasePath = "/.well-known/acme-challenge/"

// ErrChallengesStopped is returned by Present after StopAll, until the
// next order begins.
var ErrChallengesStopped = errors.New("http challenges are stopped")

// ChallengeResponder holds pending HTTP-01 challenge tokens and serves
// them on the ACME well-known path. Tokens are inserted before an
// order is submitted and removed when the order reaches a terminal
// state or when challenges are stopped.
//
// The token table sits behind a short-lived lock; holders never block
// while holding it. Accept loops consult the responder before site
// routing, so a challenge is never shadowed by an operator route.
type ChallengeResponder struct {
	mu     sync.Mutex
	tokens map[string]string // token -> key authorization
	closed bool
}

// NewChallengeResponder returns an empty, open responder.
func NewChallengeResponder() *ChallengeResponder {
	return &ChallengeResponder{tokens: make(map[string]string)}
}

// Begin reopens the responder for a new ACME order.
func (cr *ChallengeResponder) Begin() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.closed = false
}

// Present registers a token with its key authorization.
func (cr *ChallengeResponder) Present(token, keyAuth string) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.closed {
		return ErrChallengesStopped
	}
	cr.tokens[token] = keyAuth
	return nil
}

// CleanUp removes a token once its challenge reaches a terminal state.
func (cr *ChallengeResponder) CleanUp(token string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.tokens, token)
}

// Lookup returns the key authorization for token.
func (cr *ChallengeResponder) Lookup(token string) (string, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	keyAuth, ok := cr.tokens[token]
	return keyAuth, ok
}

// StopAll atomically empties the token table and refuses new inserts
// until the next order begins.
func (cr *ChallengeResponder) StopAll() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.tokens = make(map[string]string)
	cr.closed = true
}

// HandleRequest intercepts ACME challenge requests. It returns true if
// it handled the request and no more needs to be done; it returns
// false if this call was a no-op and the request still needs handling.
// Any request whose path begins with the well-known challenge prefix
// is answered here, on any host, TLS-terminated or cleartext.
func (cr *ChallengeResponder) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	token, ok := strings.CutPrefix(r.URL.Path, challengeBasePath)
	if !ok {
		return false
	}
	keyAuth, ok := cr.Lookup(token)
	if !ok {
		http.NotFound(w, r)
		return true
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
	return true
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDelivers(t *testing.T) {
	b := NewBroadcaster(4)
	events, cancel := b.Subscribe()
	defer cancel()

	b.Broadcast(CertAdded{ID: "abc"})
	ev := <-events
	added, ok := ev.(CertAdded)
	require.True(t, ok)
	assert.Equal(t, "abc", added.ID)
}

func TestBroadcasterLossyFanOut(t *testing.T) {
	b := NewBroadcaster(2)
	events, cancel := b.Subscribe()
	defer cancel()

	// a slow subscriber loses old events rather than blocking the
	// broadcaster; this must complete promptly with no reader
	for i := 0; i < 100; i++ {
		b.Broadcast(PortStatusUpdated{ID: "p"})
	}

	// the newest events are still there
	assert.Len(t, events, 2)
}

func TestBroadcasterSetEnabled(t *testing.T) {
	b := NewBroadcaster(4)
	events, cancel := b.Subscribe()
	defer cancel()

	b.SetEnabled(false)
	b.Broadcast(CertAdded{ID: "dropped"})
	assert.Len(t, events, 0)

	b.SetEnabled(true)
	b.Broadcast(CertAdded{ID: "delivered"})
	assert.Len(t, events, 1)
}

func TestBroadcasterCancelTwice(t *testing.T) {
	b := NewBroadcaster(1)
	_, cancel := b.Subscribe()
	cancel()
	cancel() // must not panic
}

func TestEventNames(t *testing.T) {
	for _, tc := range []struct {
		ev   Event
		name string
	}{
		{AppConfigUpdated{}, "app_config_updated"},
		{PortTableUpdated{}, "port_table_updated"},
		{PortStatusUpdated{}, "port_status_updated"},
		{CertAdded{}, "cert_added"},
		{AcmeOrderCompleted{}, "acme_order_completed"},
	} {
		assert.Equal(t, tc.name, tc.ev.EventName())
	}
}

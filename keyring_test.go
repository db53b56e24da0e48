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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringInsertIdempotent(t *testing.T) {
	cert, _, _ := mintTestCert(t, testCertSpec{names: []string{"example.com"}})
	kr := NewKeyring().Insert(cert)
	assert.Equal(t, 1, kr.Len())
	assert.Same(t, kr, kr.Insert(cert), "same id: snapshot unchanged")

	got, ok := kr.Get(cert.ID)
	require.True(t, ok)
	assert.Same(t, cert, got)
}

func TestKeyringSnapshotIndependence(t *testing.T) {
	a, _, _ := mintTestCert(t, testCertSpec{names: []string{"a.example.com"}})
	b, _, _ := mintTestCert(t, testCertSpec{names: []string{"b.example.com"}})

	old := NewKeyring().Insert(a)
	next := old.Insert(b)

	assert.Equal(t, 1, old.Len(), "existing snapshot must not change")
	assert.Equal(t, 2, next.Len())

	_, ok := old.Get(b.ID)
	assert.False(t, ok)
}

func TestKeyringFindForSNIExactBeatsWildcard(t *testing.T) {
	wild, _, _ := mintTestCert(t, testCertSpec{names: []string{"*.example.com"}})
	exact, _, _ := mintTestCert(t, testCertSpec{names: []string{"www.example.com"}})
	kr := NewKeyring(wild, exact)

	got, _, ok := kr.FindForSNI("www.example.com")
	require.True(t, ok)
	assert.Equal(t, exact.ID, got.ID)

	got, _, ok = kr.FindForSNI("other.example.com")
	require.True(t, ok)
	assert.Equal(t, wild.ID, got.ID)

	_, _, ok = kr.FindForSNI("example.org")
	assert.False(t, ok)
}

func TestKeyringFindForSNITieBreaks(t *testing.T) {
	older, _, _ := mintTestCert(t, testCertSpec{
		names:     []string{"tie.example.com"},
		notBefore: time.Now().Add(-48 * time.Hour),
	})
	newer, _, _ := mintTestCert(t, testCertSpec{
		names:     []string{"tie.example.com"},
		notBefore: time.Now().Add(-1 * time.Hour),
	})
	kr := NewKeyring(older, newer)

	got, _, ok := kr.FindForSNI("tie.example.com")
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID, "latest not_before wins")
}

func TestKeyringExpiredStillServed(t *testing.T) {
	expired, _, _ := mintTestCert(t, testCertSpec{
		names:     []string{"old.example.com"},
		notBefore: time.Now().Add(-48 * time.Hour),
		notAfter:  time.Now().Add(-24 * time.Hour),
	})
	kr := NewKeyring(expired)

	got, needsRenewal, ok := kr.FindForSNI("old.example.com")
	require.True(t, ok, "freshness is the ACME driver's concern, not the keyring's")
	assert.Equal(t, expired.ID, got.ID)
	assert.True(t, needsRenewal)
}

func TestKeyringRenewalWindow(t *testing.T) {
	fresh, _, _ := mintTestCert(t, testCertSpec{
		names:    []string{"fresh.example.com"},
		notAfter: time.Now().Add(90 * 24 * time.Hour),
	})
	closing, _, _ := mintTestCert(t, testCertSpec{
		names:    []string{"closing.example.com"},
		notAfter: time.Now().Add(10 * 24 * time.Hour),
	})
	kr := NewKeyring(fresh, closing)

	_, needsRenewal, ok := kr.FindForSNI("fresh.example.com")
	require.True(t, ok)
	assert.False(t, needsRenewal)

	_, needsRenewal, ok = kr.FindForSNI("closing.example.com")
	require.True(t, ok)
	assert.True(t, needsRenewal)

	due := kr.NeedingRenewal(time.Now())
	require.Len(t, due, 1)
	assert.Equal(t, closing.ID, due[0].ID)
}

func TestCertificateMetadata(t *testing.T) {
	cert, chainPEM, keyPEM := mintTestCert(t, testCertSpec{
		names: []string{"meta.example.com", "alt.example.com"},
	})
	assert.Len(t, cert.ID, 64, "hex sha-256 of the leaf DER")
	assert.Equal(t, []string{"meta.example.com", "alt.example.com"}, cert.Names)

	// same bytes parse to the same id
	again, err := NewCertificate(chainPEM, keyPEM)
	require.NoError(t, err)
	assert.Equal(t, cert.ID, again.ID)
}

func TestWildcardMatchesSingleLabel(t *testing.T) {
	assert.True(t, wildcardMatches("*.example.com", "www.example.com"))
	assert.False(t, wildcardMatches("*.example.com", "a.b.example.com"))
	assert.False(t, wildcardMatches("*.example.com", "example.com"))
	assert.False(t, wildcardMatches("example.com", "example.com"), "not a wildcard pattern")
}

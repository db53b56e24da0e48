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
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RenewDurationBefore is how long before expiration a certificate
// counts as being inside its renewal window.
const RenewDurationBefore = 30 * 24 * time.Hour

// Certificate is a tls.Certificate with associated metadata tacked on.
// The metadata can be obtained by parsing the leaf, but extracting it
// once onto this struct keeps handshakes cheap.
type Certificate struct {
	tls.Certificate

	// ID is the hex-encoded SHA-256 hash of the leaf's DER bytes.
	// Two certificates with the same ID are byte-identical.
	ID string

	// Names is the list of subject names this certificate is written
	// for, lowercased. The first is the CommonName (if any), the rest
	// are SANs.
	Names []string

	NotBefore time.Time
	NotAfter  time.Time

	// OCSP contains the parsed OCSP staple attached with StapleOCSP.
	// NewCertificate does not look for a staple in the chain, so this
	// is nil until StapleOCSP succeeds.
	OCSP *ocsp.Response
}

// NewCertificate builds a Certificate from PEM-encoded chain and key
// bytes. The leaf must carry at least one subject name.
func NewCertificate(chainPEM, keyPEM []byte) (*Certificate, error) {
	tlsCert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return fillCertFromLeaf(tlsCert)
}

// fillCertFromLeaf populates metadata fields from the leaf of tlsCert.
func fillCertFromLeaf(tlsCert tls.Certificate) (*Certificate, error) {
	if len(tlsCert.Certificate) == 0 {
		return nil, errors.New("certificate is empty")
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, err
	}

	cert := &Certificate{Certificate: tlsCert}
	if leaf.Subject.CommonName != "" {
		cert.Names = []string{strings.ToLower(leaf.Subject.CommonName)}
	}
	for _, name := range leaf.DNSNames {
		if !strings.EqualFold(name, leaf.Subject.CommonName) {
			cert.Names = append(cert.Names, strings.ToLower(name))
		}
	}
	for _, ip := range leaf.IPAddresses {
		if ipStr := ip.String(); ipStr != leaf.Subject.CommonName {
			cert.Names = append(cert.Names, ipStr)
		}
	}
	if len(cert.Names) == 0 {
		return nil, errors.New("certificate has no names")
	}
	if leaf.NotAfter.Before(leaf.NotBefore) {
		return nil, fmt.Errorf("certificate not_after %v precedes not_before %v", leaf.NotAfter, leaf.NotBefore)
	}

	sum := sha256.Sum256(tlsCert.Certificate[0])
	cert.ID = hex.EncodeToString(sum[:])
	cert.NotBefore = leaf.NotBefore
	cert.NotAfter = leaf.NotAfter
	cert.Leaf = leaf
	return cert, nil
}

// StapleOCSP attaches a parsed OCSP response to the certificate. An
// invalid staple is reported but the certificate stays usable.
func (c *Certificate) StapleOCSP(der []byte) error {
	var issuer *x509.Certificate
	if len(c.Certificate.Certificate) > 1 {
		var err error
		issuer, err = x509.ParseCertificate(c.Certificate.Certificate[1])
		if err != nil {
			return err
		}
	}
	resp, err := ocsp.ParseResponse(der, issuer)
	if err != nil {
		return err
	}
	c.OCSP = resp
	c.OCSPStaple = der
	return nil
}

// NeedsRenewal reports whether the certificate is inside its
// renewal window at time now.
func (c *Certificate) NeedsRenewal(now time.Time) bool {
	return c.NotAfter.Sub(now) < RenewDurationBefore
}

// Keyring is an immutable snapshot of the certificate set, keyed by
// certificate ID. There is no separate subject-name index: lookups by
// name scan every certificate in the snapshot. The supervisor owns the
// current snapshot; writers clone to a new snapshot and publish it
// atomically, so accept loops can hold a stable view for the duration
// of a handshake.
type Keyring struct {
	certs map[string]*Certificate
}

// NewKeyring builds a snapshot holding the given certificates.
func NewKeyring(certs ...*Certificate) *Keyring {
	kr := &Keyring{certs: make(map[string]*Certificate, len(certs))}
	for _, cert := range certs {
		kr.certs[cert.ID] = cert
	}
	return kr
}

// Insert returns a new snapshot that also contains cert. Inserting a
// certificate whose ID is already present is a no-op (same snapshot
// contents; IDs are content hashes, so the bytes are identical).
func (kr *Keyring) Insert(cert *Certificate) *Keyring {
	if _, ok := kr.certs[cert.ID]; ok {
		return kr
	}
	next := &Keyring{certs: make(map[string]*Certificate, len(kr.certs)+1)}
	for id, c := range kr.certs {
		next.certs[id] = c
	}
	next.certs[cert.ID] = cert
	return next
}

// Delete returns a new snapshot without the identified certificate.
func (kr *Keyring) Delete(id string) *Keyring {
	if _, ok := kr.certs[id]; !ok {
		return kr
	}
	next := &Keyring{certs: make(map[string]*Certificate, len(kr.certs))}
	for cid, c := range kr.certs {
		if cid != id {
			next.certs[cid] = c
		}
	}
	return next
}

// Get looks up a certificate by ID.
func (kr *Keyring) Get(id string) (*Certificate, bool) {
	cert, ok := kr.certs[id]
	return cert, ok
}

// Len returns the number of certificates in the snapshot.
func (kr *Keyring) Len() int { return len(kr.certs) }

// Certificates returns the certificates ordered by ID.
func (kr *Keyring) Certificates() []*Certificate {
	out := make([]*Certificate, 0, len(kr.certs))
	for _, cert := range kr.certs {
		out = append(out, cert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindForSNI selects the best certificate for the given server name.
// Exact subject matches beat wildcard matches; remaining ties prefer
// the latest NotBefore, then the lexicographically smallest ID so the
// choice is deterministic. Expired certificates are still served;
// freshness is the ACME driver's concern. The second return value
// reports whether the selected certificate is inside its renewal
// window, which the supervisor uses to schedule renewals.
func (kr *Keyring) FindForSNI(serverName string) (cert *Certificate, needsRenewal bool, ok bool) {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))

	var best *Certificate
	bestQuality := 0
	for _, c := range kr.certs {
		q := matchQuality(c, name)
		if q == 0 {
			continue
		}
		if best == nil || q > bestQuality ||
			(q == bestQuality && c.NotBefore.After(best.NotBefore)) ||
			(q == bestQuality && c.NotBefore.Equal(best.NotBefore) && c.ID < best.ID) {
			best, bestQuality = c, q
		}
	}
	if best == nil {
		return nil, false, false
	}
	return best, best.NeedsRenewal(time.Now()), true
}

// NeedingRenewal returns the certificates inside their renewal window
// at time now, ordered by ID.
func (kr *Keyring) NeedingRenewal(now time.Time) []*Certificate {
	var out []*Certificate
	for _, cert := range kr.Certificates() {
		if cert.NeedsRenewal(now) {
			out = append(out, cert)
		}
	}
	return out
}

// matchQuality scores how well cert covers name: 2 for an exact
// subject match, 1 for a wildcard match, 0 for no match.
func matchQuality(cert *Certificate, name string) int {
	for _, subject := range cert.Names {
		if subject == name {
			return 2
		}
	}
	for _, subject := range cert.Names {
		if wildcardMatches(subject, name) {
			return 1
		}
	}
	return 0
}

// wildcardMatches reports whether the wildcard pattern (of the form
// *.example.com) covers name. Per RFC 6125 the wildcard stands in for
// exactly one label.
func wildcardMatches(pattern, name string) bool {
	rest, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return false
	}
	_, domain, found := strings.Cut(name, ".")
	return found && domain == rest
}

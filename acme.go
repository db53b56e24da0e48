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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/mholt/acmez"
	"github.com/mholt/acmez/acme"
	"go.uber.org/zap"
)

// LetsEncryptProductionCA is the default ACME directory.
const LetsEncryptProductionCA = "https://acme-v02.api.letsencrypt.org/directory"

// LetsEncryptStagingCA is the Let's Encrypt staging directory, for
// testing against rate limits.
const LetsEncryptStagingCA = "https://acme-staging-v02.api.letsencrypt.org/directory"

// OrderRequest describes one certificate order.
type OrderRequest struct {
	// Identifiers are the DNS names the certificate must cover.
	Identifiers []string

	// DirectoryURL is the ACME directory endpoint. Defaults to the
	// Let's Encrypt production directory.
	DirectoryURL string

	// Email is the account contact, without the mailto prefix.
	Email string
}

// OrderDriver turns an order descriptor into a certificate. Its only
// contract is: given a descriptor, eventually yield a certificate or
// an error. Completed certificates re-enter the supervisor as AddCert
// commands; the driver never touches the port table.
type OrderDriver interface {
	Order(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// OrderResult is a completed order: the parsed certificate plus the
// PEM material for persisting it to the certificate directory.
type OrderResult struct {
	Cert     *Certificate
	ChainPEM []byte
	KeyPEM   []byte
}

// AcmeDriver is the mholt/acmez-backed OrderDriver. Its HTTP-01
// solver presents challenge tokens into a ChallengeResponder, which
// the data plane serves on the well-known path of every HTTP-capable
// port.
type AcmeDriver struct {
	responder *ChallengeResponder
	logger    *zap.Logger
}

// NewAcmeDriver returns a driver that solves HTTP-01 challenges
// through responder.
func NewAcmeDriver(responder *ChallengeResponder, logger *zap.Logger) *AcmeDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AcmeDriver{responder: responder, logger: logger}
}

// Order runs a complete ACME order: account bootstrap, order
// submission, HTTP-01 challenges, finalization.
func (d *AcmeDriver) Order(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if len(req.Identifiers) == 0 {
		return nil, errors.New("acme order has no identifiers")
	}
	directory := req.DirectoryURL
	if directory == "" {
		directory = LetsEncryptProductionCA
	}

	// a new order reopens the responder after any earlier stop
	d.responder.Begin()

	client := acmez.Client{
		Client: &acme.Client{
			Directory: directory,
			Logger:    d.logger,
		},
		ChallengeSolvers: map[string]acmez.Solver{
			acme.ChallengeTypeHTTP01: httpSolver{responder: d.responder, logger: d.logger},
		},
	}

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating account key: %w", err)
	}
	account := acme.Account{
		TermsOfServiceAgreed: true,
		PrivateKey:           accountKey,
	}
	if req.Email != "" {
		account.Contact = []string{"mailto:" + req.Email}
	}
	account, err = client.NewAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("creating acme account: %w", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating certificate key: %w", err)
	}
	certs, err := client.ObtainCertificate(ctx, account, certKey, req.Identifiers)
	if err != nil {
		return nil, fmt.Errorf("obtaining certificate: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("acme order yielded no certificate")
	}

	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("encoding certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// the CA may offer alternate chains; the first is fine
	chainPEM := certs[0].ChainPEM
	cert, err := NewCertificate(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing obtained certificate: %w", err)
	}
	d.logger.Info("certificate obtained",
		zap.String("cert_id", cert.ID),
		zap.Strings("identifiers", req.Identifiers))
	return &OrderResult{Cert: cert, ChainPEM: chainPEM, KeyPEM: keyPEM}, nil
}

// httpSolver wires acmez challenge callbacks into the responder.
type httpSolver struct {
	responder *ChallengeResponder
	logger    *zap.Logger
}

var _ acmez.Solver = httpSolver{}

// Present registers the challenge token before the order is submitted
// for validation.
func (s httpSolver) Present(ctx context.Context, chal acme.Challenge) error {
	s.logger.Debug("presenting http-01 challenge",
		zap.String("identifier", chal.Identifier.Value),
		zap.String("token", chal.Token))
	return s.responder.Present(chal.Token, chal.KeyAuthorization)
}

// CleanUp removes the token once the challenge reaches a terminal
// state, valid or invalid.
func (s httpSolver) CleanUp(ctx context.Context, chal acme.Challenge) error {
	s.responder.CleanUp(chal.Token)
	return nil
}

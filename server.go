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
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrServerStopped is returned by Command when the supervisor is no
// longer draining its channel.
var ErrServerStopped = errors.New("server stopped")

// Server is the proxy supervisor. It owns the collection of port
// contexts and is the single writer of all of them: commands are
// consumed from the bus serially and run to completion, which is the
// core serialization point that makes hot reconfiguration correct
// without per-field locks. There is exactly one supervisor task per
// Server, started by Run.
type Server struct {
	logger     *zap.Logger
	metrics    *Metrics
	commands   chan ServerCommand
	events     *Broadcaster
	challenges *ChallengeResponder
	driver     OrderDriver

	// supervisor-task state; touched only from Run
	config    AppConfig
	keyring   *Keyring
	ids       []string
	table     map[string]*PortContext
	listeners map[string]*portListener
	runCtx    context.Context

	// in-flight ACME orders, keyed by acme entry ID; short-lived lock
	ordersMu sync.Mutex
	orders   map[string]struct{}

	done chan struct{}
}

// portListener is a bound socket with its running accept loop.
type portListener struct {
	addr   net.Addr
	cancel context.CancelFunc
	done   chan struct{}
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithLogger sets the supervisor logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics registers data-plane collectors with reg.
func WithMetrics(reg prometheus.Registerer) ServerOption {
	return func(s *Server) { s.metrics = NewMetrics(reg) }
}

// WithOrderDriver replaces the default ACME driver.
func WithOrderDriver(driver OrderDriver) ServerOption {
	return func(s *Server) { s.driver = driver }
}

// NewServer builds a supervisor for config. Run starts it.
func NewServer(config AppConfig, opts ...ServerOption) *Server {
	config.FillDefaults()
	s := &Server{
		config:     config,
		commands:   make(chan ServerCommand, config.CommandBuffer),
		events:     NewBroadcaster(DefaultEventBuffer),
		challenges: NewChallengeResponder(),
		keyring:    NewKeyring(),
		table:      make(map[string]*PortContext),
		listeners:  make(map[string]*portListener),
		orders:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = Log().Named("server")
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if s.driver == nil {
		s.driver = NewAcmeDriver(s.challenges, s.logger.Named("acme"))
	}
	return s
}

// Command submits cmd to the supervisor. It blocks while the channel
// is full and fails once the supervisor has stopped; a stopped
// supervisor is fatal for the caller but does not affect other
// callers.
func (s *Server) Command(ctx context.Context, cmd ServerCommand) error {
	select {
	case <-s.done:
		return ErrServerStopped
	default:
	}
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers an event subscriber. Slow subscribers lose old
// events rather than blocking the supervisor.
func (s *Server) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// Challenges exposes the HTTP-01 responder, for tests and for drivers
// constructed outside NewServer.
func (s *Server) Challenges() *ChallengeResponder { return s.challenges }

// Run loads the certificate directory, applies the initial
// configuration, then drains the command channel until ctx is
// canceled. On return every listener has been drained.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)
	s.runCtx = ctx

	if s.config.CertsDir != "" {
		certs, errs := LoadCertsDir(s.config.CertsDir)
		for _, err := range errs {
			s.logger.Warn("skipping stored certificate", zap.Error(err))
		}
		for _, cert := range certs {
			s.keyring = s.keyring.Insert(cert)
			s.logger.Info("certificate loaded",
				zap.String("cert_id", cert.ID), zap.Strings("names", cert.Names))
		}
	}

	s.setConfig(ctx, s.config)

	renew := time.NewTicker(time.Duration(s.config.RenewInterval))
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case cmd := <-s.commands:
			s.logger.Debug("command", zap.Stringer("cmd", cmd))
			s.handleCommand(ctx, cmd)
		case <-renew.C:
			s.renewExpiring()
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, cmd ServerCommand) {
	switch cmd := cmd.(type) {
	case AddCert:
		s.addCert(cmd.Cert)
	case SetConfig:
		s.setConfig(ctx, cmd.Config)
	case SetBroadcastEvents:
		s.events.SetEnabled(cmd.Enabled)
	case StopHttpChallenges:
		s.challenges.StopAll()
	case CallMethod:
		cmd.Method.invoke(s)
	default:
		s.logger.Warn("unknown command", zap.Stringer("cmd", cmd))
	}
}

// setConfig is the hot reconfiguration protocol. Entries that fail
// validation are reported and skipped; the rest proceed. Ports whose
// socket parameters are unchanged keep their socket and accept loop.
func (s *Server) setConfig(ctx context.Context, config AppConfig) {
	config.FillDefaults()

	// step 1: construct, prepare and set up a context per entry
	var newIDs []string
	newTable := make(map[string]*PortContext, len(config.Ports))
	for i := range config.Ports {
		if config.Ports[i].ID == "" {
			config.Ports[i].ID = uuid.NewString()[:8]
		}
		entry := config.Ports[i]
		pc, err := NewPortContext(entry)
		if err != nil {
			s.logger.Error("rejecting port entry",
				zap.String("id", entry.ID), zap.String("name", entry.Name), zap.Error(err))
			continue
		}
		if err := pc.Prepare(ctx, &config); err != nil {
			s.logger.Error("preparing port failed",
				zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		if err := pc.Setup(s.keyring); err != nil {
			s.logger.Error("setting up port failed",
				zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		if _, dup := newTable[entry.ID]; dup {
			s.logger.Error("duplicate port id", zap.String("id", entry.ID))
			continue
		}
		newTable[entry.ID] = pc
		newIDs = append(newIDs, entry.ID)
	}

	// step 2: drain removed ports
	for _, id := range s.ids {
		if _, ok := newTable[id]; !ok {
			s.logger.Info("draining removed port", zap.String("id", id))
			s.stopListener(id)
		}
	}

	// step 3: apply onto surviving ports, add the rest
	var affected []string
	for _, id := range newIDs {
		next := newTable[id]
		if old, ok := s.table[id]; ok {
			if rebind := old.Apply(next); rebind {
				s.logger.Info("rebinding port", zap.String("id", id))
				s.stopListener(id)
				s.startListener(ctx, old)
			}
			newTable[id] = old
		} else {
			s.logger.Info("adding port", zap.String("id", id),
				zap.String("listen", next.Entry().Listen.String()))
			s.startListener(ctx, next)
		}
		affected = append(affected, id)
	}

	s.ids = newIDs
	s.table = newTable
	s.config = config

	// step 4: publish
	s.events.Broadcast(AppConfigUpdated{Config: config})
	s.events.Broadcast(PortTableUpdated{Entries: s.PortEntries()})
	for _, id := range affected {
		s.events.Broadcast(PortStatusUpdated{ID: id, Status: s.table[id].Status()})
	}
}

// startListener binds the port's socket and spins up its accept loop.
// Bind failures become status events, not errors.
func (s *Server) startListener(ctx context.Context, pc *PortContext) {
	tcp := pc.Kind().TCP
	tcp.metrics = s.metrics

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", tcp.addr.String())
	if err != nil {
		state := socketStateFromErr(err)
		s.logger.Error("binding port failed",
			zap.String("id", pc.Entry().ID),
			zap.String("addr", tcp.addr.String()),
			zap.Stringer("state", state),
			zap.Error(err))
		pc.Event(SocketStateUpdated{State: state})
		return
	}
	pc.Event(SocketStateUpdated{State: SocketStateListening})
	s.logger.Info("port listening",
		zap.String("id", pc.Entry().ID), zap.String("addr", ln.Addr().String()))

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.listeners[pc.Entry().ID] = &portListener{addr: ln.Addr(), cancel: cancel, done: done}
	opts := tcp.runParams()
	go func() {
		defer close(done)
		tcp.run(loopCtx, ln, s.challenges, opts)
	}()
}

// stopListener signals the port's accept loop to drain. The loop stops
// accepting immediately; in-flight connections get the grace period.
// The supervisor does not wait for the drain to finish.
func (s *Server) stopListener(id string) {
	pl, ok := s.listeners[id]
	if !ok {
		return
	}
	delete(s.listeners, id)
	pl.cancel()
}

// shutdown drains every listener and waits for completion.
func (s *Server) shutdown() {
	var group errgroup.Group
	for id, pl := range s.listeners {
		pl.cancel()
		done := pl.done
		group.Go(func() error {
			<-done
			return nil
		})
		delete(s.listeners, id)
	}
	group.Wait()
	s.logger.Info("server stopped")
}

// addCert inserts cert into the keyring, then re-runs setup on every
// TLS-terminating port whose declared server names the certificate
// covers. No socket is rebound.
func (s *Server) addCert(cert *Certificate) {
	s.keyring = s.keyring.Insert(cert)
	for _, id := range s.ids {
		pc := s.table[id]
		tcp := pc.Kind().TCP
		if !certCoversAny(cert, tcp.tlsNames) {
			continue
		}
		if err := pc.Setup(s.keyring); err != nil {
			s.logger.Error("refreshing tls material failed",
				zap.String("id", id), zap.Error(err))
			continue
		}
		s.events.Broadcast(PortStatusUpdated{ID: id, Status: pc.Status()})
	}
	s.events.Broadcast(CertAdded{ID: cert.ID})
}

func certCoversAny(cert *Certificate, names []string) bool {
	for _, name := range names {
		if matchQuality(cert, name) > 0 {
			return true
		}
	}
	return false
}

// renewExpiring starts an ACME order for every certificate inside its
// renewal window that an active ACME entry can replace.
func (s *Server) renewExpiring() {
	for _, cert := range s.keyring.NeedingRenewal(time.Now()) {
		for _, entry := range s.config.Acme {
			if !entry.Active || !identifiersCovered(entry.Identifiers, cert) {
				continue
			}
			s.logger.Info("certificate in renewal window",
				zap.String("cert_id", cert.ID), zap.String("acme_id", entry.ID))
			s.startAcmeOrder(entry)
			break
		}
	}
}

func identifiersCovered(identifiers []string, cert *Certificate) bool {
	for _, ident := range identifiers {
		if matchQuality(cert, ident) == 0 {
			return false
		}
	}
	return len(identifiers) > 0
}

// startAcmeOrder launches one order in the background, at most one per
// ACME entry at a time. Completion re-enters the supervisor as an
// AddCert command.
func (s *Server) startAcmeOrder(entry AcmeEntry) {
	s.ordersMu.Lock()
	if _, inFlight := s.orders[entry.ID]; inFlight {
		s.ordersMu.Unlock()
		return
	}
	s.orders[entry.ID] = struct{}{}
	s.ordersMu.Unlock()

	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	certsDir := s.config.CertsDir
	logger := s.logger.Named("acme").With(zap.String("acme_id", entry.ID))
	go func() {
		defer func() {
			s.ordersMu.Lock()
			delete(s.orders, entry.ID)
			s.ordersMu.Unlock()
		}()
		res, err := s.driver.Order(ctx, OrderRequest{
			Identifiers:  entry.Identifiers,
			DirectoryURL: entry.DirectoryURL,
			Email:        entry.Email,
		})
		if err != nil {
			logger.Error("acme order failed", zap.Error(err))
			return
		}
		if certsDir != "" {
			if err := SaveCert(certsDir, res.Cert, res.ChainPEM, res.KeyPEM); err != nil {
				logger.Error("persisting certificate failed", zap.Error(err))
			}
		}
		if err := s.Command(context.Background(), AddCert{Cert: res.Cert}); err != nil {
			logger.Error("delivering certificate failed", zap.Error(err))
			return
		}
		s.events.Broadcast(AcmeOrderCompleted{AcmeID: entry.ID, CertID: res.Cert.ID})
	}()
}

// socketStateFromErr maps a bind error to its terminal socket state.
func socketStateFromErr(err error) SocketState {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return SocketStateAddressAlreadyInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return SocketStatePermissionDenied
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return SocketStateAddressNotAvailable
	default:
		return SocketStateError
	}
}

// PortSummary is the admin view of one port.
type PortSummary struct {
	Entry    PortEntry  `json:"entry"`
	Status   PortStatus `json:"status"`
	Protocol string     `json:"protocol"`
}

// The methods below read or mutate supervisor state and therefore must
// run on the supervisor task; reach them through Call.

// PortEntries returns the live port entries in table order.
func (s *Server) PortEntries() []PortEntry {
	out := make([]PortEntry, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.table[id].Entry())
	}
	return out
}

// ListPorts returns the live ports with their status snapshots.
func (s *Server) ListPorts() []PortSummary {
	out := make([]PortSummary, 0, len(s.ids))
	for _, id := range s.ids {
		pc := s.table[id]
		out = append(out, PortSummary{
			Entry:    pc.Entry(),
			Status:   pc.Status(),
			Protocol: pc.Entry().Listen.ProtocolName(),
		})
	}
	return out
}

// PortStatus returns one port's status snapshot.
func (s *Server) PortStatus(id string) (PortStatus, bool) {
	pc, ok := s.table[id]
	if !ok {
		return PortStatus{}, false
	}
	return pc.Status(), true
}

// ListenerAddr returns the bound address of a listening port. Useful
// when the entry asked for port 0.
func (s *Server) ListenerAddr(id string) (net.Addr, bool) {
	pl, ok := s.listeners[id]
	if !ok {
		return nil, false
	}
	return pl.addr, true
}

// ActiveConfig returns the configuration currently applied.
func (s *Server) ActiveConfig() AppConfig { return s.config }

// Keyring returns the current keyring snapshot.
func (s *Server) Keyring() *Keyring { return s.keyring }

// TriggerAcmeOrder starts an order for the identified ACME entry.
func (s *Server) TriggerAcmeOrder(id string) error {
	for _, entry := range s.config.Acme {
		if entry.ID == id {
			s.startAcmeOrder(entry)
			return nil
		}
	}
	return errors.New("unknown acme entry: " + id)
}

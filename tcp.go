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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TCPPortContext is the TCP variant of a port context. It carries the
// resolved socket parameters, the published serve state consulted by
// the accept loop, and the observable status.
//
// Mutating methods (prepare, setup, apply, event) are called only from
// the supervisor task. The accept loop reads the serve state through
// an atomic pointer, so a snapshot taken for one connection is stable
// through its handshake; swaps become visible on the next accept.
type TCPPortContext struct {
	// id and logger are fixed at construction and metrics is set by the
	// supervisor before the accept loop starts; everything else the
	// accept loop needs travels inside the serve state so that apply
	// never races with a connection in flight
	id     string
	logger *zap.Logger

	entry      PortEntry
	isHTTP     bool
	httpPath   string
	tlsNames   []string // nil when the port does not terminate TLS
	proxyProto bool

	// resolved by prepare
	addr             netip.AddrPort
	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	drainGrace       time.Duration
	pendingRoutes    []*compiledRoute
	pendingUpstreams []string

	serve atomic.Pointer[tcpServeState]

	status  PortStatus
	metrics *Metrics
}

// tcpServeState is the immutable state one accepted connection is
// served under.
type tcpServeState struct {
	tlsConfig *tls.Config // nil when the port does not terminate TLS
	tlsState  *TLSState
	keyring   *Keyring
	routes    []*compiledRoute
	upstreams []string // host:port, raw TCP only
	httpPath  string

	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	drainGrace       time.Duration

	next atomic.Uint64
}

// pickUpstream selects the next raw TCP upstream round-robin.
func (st *tcpServeState) pickUpstream() (string, bool) {
	if len(st.upstreams) == 0 {
		return "", false
	}
	n := st.next.Add(1)
	return st.upstreams[int(n-1)%len(st.upstreams)], true
}

// compiledRoute is one site route bound to this port: a host filter, a
// path prefix, and a ready reverse proxy over its upstream origins.
type compiledRoute struct {
	host  string // lowercased vhost; "" matches any host
	path  string // prefix
	proxy *httputil.ReverseProxy
}

// matchRoute picks the most specific route for (host, path): the
// longest matching path prefix among routes whose host filter accepts
// the request.
func (st *tcpServeState) matchRoute(host, path string) *compiledRoute {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	var best *compiledRoute
	for _, rt := range st.routes {
		if rt.host != "" && rt.host != host {
			continue
		}
		if !strings.HasPrefix(path, rt.path) {
			continue
		}
		if best == nil || len(rt.path) > len(best.path) {
			best = rt
		}
	}
	return best
}

// newTCPPortContext validates the entry's listener address. A listener
// multiaddr must contain exactly one host layer (dns or ip), exactly
// one tcp layer, at most one tls and at most one http layer, with tls
// preceding http.
func newTCPPortContext(entry PortEntry) (*TCPPortContext, error) {
	var hosts, tcps, tlss, https int
	tlsIndex, httpIndex := -1, -1
	for i, p := range entry.Listen.Protocols() {
		switch p.Kind {
		case ProtocolDNS, ProtocolIP:
			hosts++
		case ProtocolTCP:
			tcps++
		case ProtocolTLS:
			tlss++
			tlsIndex = i
		case ProtocolHTTP:
			https++
			httpIndex = i
		}
	}
	if hosts != 1 || tcps != 1 || tlss > 1 || https > 1 ||
		(tlsIndex >= 0 && httpIndex >= 0 && tlsIndex > httpIndex) {
		return nil, InvalidMultiaddrError{Addr: entry.Listen.String()}
	}

	t := &TCPPortContext{
		id:         entry.ID,
		entry:      entry,
		isHTTP:     entry.Listen.IsHTTP(),
		proxyProto: entry.Opts.ProxyProtocol,
		logger:     Log().Named("port").With(zap.String("id", entry.ID)),
	}
	if path, ok := entry.Listen.HTTPPath(); ok {
		t.httpPath = path
	}
	if term := entry.Opts.TLSTermination; term != nil {
		if !entry.Listen.IsTLS() {
			return nil, InvalidMultiaddrError{Addr: entry.Listen.String()}
		}
		t.tlsNames = make([]string, len(term.ServerNames))
		for i, name := range term.ServerNames {
			t.tlsNames[i] = strings.ToLower(name)
		}
	}
	return t, nil
}

// prepare resolves the listen address to a concrete socket address,
// copies the timeout knobs, and compiles this port's routing table
// from the site entries. It does not touch the OS beyond name
// resolution.
func (t *TCPPortContext) prepare(ctx context.Context, config *AppConfig) error {
	port, err := t.entry.Listen.Port()
	if err != nil {
		return err
	}
	addr, err := t.entry.Listen.Addr()
	if err != nil {
		// dns host; resolve to a single address
		host, herr := t.entry.Listen.Host()
		if herr != nil {
			return herr
		}
		addrs, rerr := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if rerr != nil || len(addrs) == 0 {
			return InvalidMultiaddrError{Addr: t.entry.Listen.String()}
		}
		addr = addrs[0]
	}
	t.addr = netip.AddrPortFrom(addr.Unmap(), port)

	t.handshakeTimeout = time.Duration(config.Timeouts.Handshake)
	t.dialTimeout = time.Duration(config.Timeouts.Dial)
	t.drainGrace = time.Duration(config.Timeouts.DrainGrace)

	t.pendingUpstreams = nil
	for _, up := range t.entry.Opts.UpstreamServers {
		host, err := up.Addr.Host()
		if err != nil {
			return err
		}
		port, err := up.Addr.Port()
		if err != nil {
			return err
		}
		t.pendingUpstreams = append(t.pendingUpstreams, net.JoinHostPort(host, fmt.Sprint(port)))
	}

	t.pendingRoutes = nil
	if t.isHTTP {
		routes, err := t.compileRoutes(config)
		if err != nil {
			return err
		}
		t.pendingRoutes = routes
	}
	return nil
}

// compileRoutes builds the reverse proxies for every site route
// attached to this port.
func (t *TCPPortContext) compileRoutes(config *AppConfig) ([]*compiledRoute, error) {
	var routes []*compiledRoute
	for _, site := range config.Sites {
		if !slices.Contains(site.Ports, t.entry.ID) {
			continue
		}
		hosts := site.VHosts
		if len(hosts) == 0 {
			hosts = []string{""}
		}
		for _, rt := range site.Routes {
			targets := make([]*url.URL, 0, len(rt.Servers))
			for _, srv := range rt.Servers {
				target, err := url.Parse(srv.URL)
				if err != nil {
					return nil, fmt.Errorf("site %s: parsing upstream %q: %w", site.ID, srv.URL, err)
				}
				targets = append(targets, target)
			}
			if len(targets) == 0 {
				continue
			}
			path := rt.Path
			if path == "" {
				path = "/"
			}
			proxy := t.newReverseProxy(targets)
			for _, host := range hosts {
				routes = append(routes, &compiledRoute{
					host:  strings.ToLower(host),
					path:  path,
					proxy: proxy,
				})
			}
		}
	}
	return routes, nil
}

// newReverseProxy builds the proxy for one route. Upstream connections
// are fresh dials bounded by the dial timeout; the inbound Host header
// and upgrade headers pass through untouched.
func (t *TCPPortContext) newReverseProxy(targets []*url.URL) *httputil.ReverseProxy {
	var next atomic.Uint64
	transport := &http.Transport{
		DialContext:       (&net.Dialer{Timeout: t.dialTimeout}).DialContext,
		DisableKeepAlives: true,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			n := next.Add(1)
			target := targets[int(n-1)%len(targets)]
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport: transport,
		ErrorLog:  zap.NewStdLog(t.logger),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			t.countDialError()
			t.logger.Debug("upstream request failed", zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// setup binds TLS material from the keyring and publishes a fresh
// serve state. A declared server name with no covering certificate
// leaves the TLS state at NoCertificate; the socket still binds and
// handshakes are refused until a certificate arrives.
func (t *TCPPortContext) setup(keyring *Keyring) error {
	st := &tcpServeState{
		keyring:          keyring,
		routes:           t.pendingRoutes,
		upstreams:        t.pendingUpstreams,
		httpPath:         t.httpPath,
		handshakeTimeout: t.handshakeTimeout,
		dialTimeout:      t.dialTimeout,
		drainGrace:       t.drainGrace,
	}
	if t.tlsNames != nil {
		state := TLSStateNoCertificate
		for _, name := range t.tlsNames {
			if _, _, ok := keyring.FindForSNI(name); ok {
				state = TLSStateActive
				break
			}
		}
		st.tlsState = &state
		st.tlsConfig = t.newTLSConfig(keyring)
	}
	t.serve.Store(st)
	t.status.State.TLS = st.tlsState
	return nil
}

// newTLSConfig builds the acceptor configuration over a keyring
// snapshot. Certificate selection happens per handshake against the
// snapshot the connection was accepted under.
func (t *TCPPortContext) newTLSConfig(keyring *Keyring) *tls.Config {
	serverNames := t.tlsNames
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" && len(serverNames) > 0 {
				// no SNI: fall back to the first declared server name
				name = serverNames[0]
			}
			cert, needsRenewal, ok := keyring.FindForSNI(name)
			if !ok {
				return nil, fmt.Errorf("no certificate available for %q", name)
			}
			if needsRenewal {
				t.logger.Debug("serving certificate inside its renewal window",
					zap.String("cert_id", cert.ID))
			}
			return &cert.Certificate, nil
		},
	}
}

// apply adopts the mutable portions of next, retaining the existing
// socket and accept loop when the socket parameters are unchanged. It
// reports whether the socket must be rebound.
func (t *TCPPortContext) apply(next *TCPPortContext) (rebind bool) {
	rebind = t.addr != next.addr ||
		t.proxyProto != next.proxyProto ||
		t.isHTTP != next.isHTTP ||
		(t.tlsNames == nil) != (next.tlsNames == nil)

	t.entry = next.entry
	t.isHTTP = next.isHTTP
	t.httpPath = next.httpPath
	t.tlsNames = next.tlsNames
	t.proxyProto = next.proxyProto
	t.addr = next.addr
	t.handshakeTimeout = next.handshakeTimeout
	t.dialTimeout = next.dialTimeout
	t.drainGrace = next.drainGrace
	t.pendingRoutes = next.pendingRoutes
	t.pendingUpstreams = next.pendingUpstreams
	if st := next.serve.Load(); st != nil {
		t.serve.Store(st)
		t.status.State.TLS = st.tlsState
	}
	if rebind {
		// started_at belongs to the old socket
		t.status.State.Socket = SocketStateUnknown
		t.status.StartedAt = nil
	}
	return rebind
}

// event feeds a socket notification into the status. The first
// transition to Listening records started_at; transient errors do not
// reset it.
func (t *TCPPortContext) event(ev PortContextEvent) {
	switch ev := ev.(type) {
	case SocketStateUpdated:
		t.status.State.Socket = ev.State
		if ev.State == SocketStateListening && t.status.StartedAt == nil {
			now := time.Now()
			t.status.StartedAt = &now
		}
	}
}

func (t *TCPPortContext) currentStatus() PortStatus { return t.status }

// currentDrainGrace reads the grace period from the live serve state
// so a reload that adjusts it applies to the next drain.
func (t *TCPPortContext) currentDrainGrace() time.Duration {
	if st := t.serve.Load(); st != nil && st.drainGrace > 0 {
		return st.drainGrace
	}
	return DefaultDrainGrace
}

func (t *TCPPortContext) countDialError() {
	if t.metrics != nil {
		t.metrics.DialErrors.WithLabelValues(t.id).Inc()
	}
}

// runOptions freezes the socket-shaped parameters of one accept loop.
// They are captured on the supervisor task before the loop starts. A
// change to isHTTP, proxyProto or terminateTLS forces a rebind, which
// starts a new loop with fresh options; readHeaderTimeout is not part
// of that check, so a later change to the handshake timeout does not
// reach a loop that is already running.
type runOptions struct {
	isHTTP            bool
	proxyProto        bool
	terminateTLS      bool
	readHeaderTimeout time.Duration
}

// runParams captures the options for the accept loop about to start.
// Supervisor task only.
func (t *TCPPortContext) runParams() runOptions {
	return runOptions{
		isHTTP:            t.isHTTP,
		proxyProto:        t.proxyProto,
		terminateTLS:      t.tlsNames != nil,
		readHeaderTimeout: t.handshakeTimeout,
	}
}

// run serves the listener until ctx is canceled, then drains: new
// accepts cease immediately and in-flight connections get the grace
// period before being forcibly closed. It returns when the port is
// fully drained.
func (t *TCPPortContext) run(ctx context.Context, ln net.Listener, challenges *ChallengeResponder, opts runOptions) {
	base := ln
	if opts.proxyProto {
		base = &proxyproto.Listener{Listener: base, ReadHeaderTimeout: opts.readHeaderTimeout}
	}
	if opts.isHTTP {
		t.runHTTP(ctx, base, challenges, opts)
		return
	}
	t.runRaw(ctx, base)
}

// runHTTP serves the port through net/http so upgraded connections
// (WebSocket and friends) pass through the reverse proxy untouched.
func (t *TCPPortContext) runHTTP(ctx context.Context, ln net.Listener, challenges *ChallengeResponder, opts runOptions) {
	if opts.terminateTLS {
		outer := &tls.Config{
			GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
				st := t.serve.Load()
				if st == nil || st.tlsConfig == nil {
					return nil, errors.New("tls is not configured")
				}
				return st.tlsConfig, nil
			},
		}
		ln = tls.NewListener(ln, outer)
	}

	srv := &http.Server{
		Handler:           t.httpHandler(challenges),
		ReadHeaderTimeout: opts.readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(t.logger),
		ConnState: func(conn net.Conn, state http.ConnState) {
			if t.metrics == nil {
				return
			}
			switch state {
			case http.StateNew:
				t.metrics.ConnsAccepted.WithLabelValues(t.id).Inc()
				t.metrics.ActiveConns.WithLabelValues(t.id).Inc()
			case http.StateClosed, http.StateHijacked:
				t.metrics.ActiveConns.WithLabelValues(t.id).Dec()
			}
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-doneServing(srv, ln):
			return
		}
		grace, cancel := context.WithTimeout(context.Background(), t.currentDrainGrace())
		defer cancel()
		if err := srv.Shutdown(grace); err != nil {
			srv.Close()
		}
	}()
	<-done
}

// doneServing runs srv.Serve and signals completion.
func doneServing(srv *http.Server, ln net.Listener) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		srv.Serve(ln)
	}()
	return ch
}

// httpHandler routes one request: the ACME challenge responder is
// consulted before site routing so a challenge is never shadowed by
// an operator route, then the most specific (host, path prefix) route
// wins.
func (t *TCPPortContext) httpHandler(challenges *ChallengeResponder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if challenges != nil && challenges.HandleRequest(w, r) {
			return
		}
		st := t.serve.Load()
		if st == nil {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		if st.httpPath != "" && st.httpPath != "/" && !strings.HasPrefix(r.URL.Path, st.httpPath) {
			http.NotFound(w, r)
			return
		}
		route := st.matchRoute(r.Host, r.URL.Path)
		if route == nil {
			http.NotFound(w, r)
			return
		}
		route.proxy.ServeHTTP(w, r)
	})
}

// runRaw is the raw TCP accept loop: accept, optional TLS handshake,
// upstream dial, bidirectional copy. Per-connection errors are counted
// and logged; they never stop the loop.
func (t *TCPPortContext) runRaw(ctx context.Context, ln net.Listener) {
	var (
		wg      sync.WaitGroup
		connsMu sync.Mutex
		conns   = make(map[net.Conn]struct{})
	)
	logThrottle := rate.NewLimiter(rate.Every(time.Second), 5)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if logThrottle.Allow() {
				t.logger.Error("accept failed", zap.Error(err))
			}
			continue
		}
		if t.metrics != nil {
			t.metrics.ConnsAccepted.WithLabelValues(t.id).Inc()
		}
		connsMu.Lock()
		conns[conn] = struct{}{}
		connsMu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				connsMu.Lock()
				delete(conns, conn)
				connsMu.Unlock()
			}()
			t.handleRawConn(ctx, conn)
		}()
	}

	// drain: let in-flight connections finish within the grace period
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(t.currentDrainGrace()):
		connsMu.Lock()
		for conn := range conns {
			conn.Close()
		}
		connsMu.Unlock()
		<-drained
	}
}

// handleRawConn serves one raw TCP connection under the serve state
// current at accept time.
func (t *TCPPortContext) handleRawConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if t.metrics != nil {
		t.metrics.ActiveConns.WithLabelValues(t.id).Inc()
		defer t.metrics.ActiveConns.WithLabelValues(t.id).Dec()
	}

	st := t.serve.Load()
	if st == nil {
		return
	}

	client := conn
	if st.tlsConfig != nil {
		tlsConn := tls.Server(conn, st.tlsConfig)
		conn.SetDeadline(time.Now().Add(st.handshakeTimeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			if t.metrics != nil {
				t.metrics.HandshakeErrors.WithLabelValues(t.id).Inc()
			}
			t.logger.Debug("tls handshake failed", zap.Error(err))
			return
		}
		conn.SetDeadline(time.Time{})
		client = tlsConn
	}

	upstream, ok := st.pickUpstream()
	if !ok {
		t.logger.Warn("no upstream configured")
		return
	}
	dialer := net.Dialer{Timeout: st.dialTimeout}
	up, err := dialer.DialContext(ctx, "tcp", upstream)
	if err != nil {
		t.countDialError()
		t.logger.Debug("upstream dial failed",
			zap.String("upstream", upstream), zap.Error(err))
		return
	}
	defer up.Close()

	proxyCopy(client, up)
}

// proxyCopy shuttles bytes both ways until either side closes, then
// shuts down both halves.
func proxyCopy(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		closeWrite(a)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		closeWrite(b)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

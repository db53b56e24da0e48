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
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// startTestServer runs a supervisor for cfg and tears it down with the
// test. The returned server has its initial configuration applied.
func startTestServer(t *testing.T, cfg AppConfig, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	srv := NewServer(cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// any command reply implies the initial configuration is applied
	_, err := Call(context.Background(), srv, func(s *Server) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
	return srv
}

// boundPort fetches the ephemeral port a listener actually bound.
func boundPort(t *testing.T, srv *Server, id string) int {
	t.Helper()
	addr, err := Call(context.Background(), srv, func(s *Server) (net.Addr, error) {
		addr, ok := s.ListenerAddr(id)
		if !ok {
			return nil, fmt.Errorf("port %s is not listening", id)
		}
		return addr, nil
	})
	require.NoError(t, err)
	return addr.(*net.TCPAddr).Port
}

// startEchoUpstream runs a TCP echo server for the duration of the
// test and returns its port.
func startEchoUpstream(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func rawPortEntry(id, name string, upstreamPort int) PortEntry {
	return PortEntry{
		ID:     id,
		Name:   name,
		Listen: MustParseMultiaddr("/ip4/127.0.0.1/tcp/0"),
		Opts: PortOptions{
			UpstreamServers: []UpstreamServer{
				{Addr: MustParseMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", upstreamPort))},
			},
		},
	}
}

func TestServerProxiesTCP(t *testing.T) {
	echoPort := startEchoUpstream(t)
	srv := startTestServer(t, AppConfig{
		Ports: []PortEntry{rawPortEntry("echo", "echo port", echoPort)},
	})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", boundPort(t, srv, "echo")))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestServerRejectsBadEntriesKeepsGood(t *testing.T) {
	echoPort := startEchoUpstream(t)
	bad := rawPortEntry("bad", "", echoPort) // empty name
	good := rawPortEntry("good", "good port", echoPort)

	srv := startTestServer(t, AppConfig{Ports: []PortEntry{bad, good}})

	ports, err := Call(context.Background(), srv, func(s *Server) ([]PortSummary, error) {
		return s.ListPorts(), nil
	})
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "good", ports[0].Entry.ID)
	assert.Equal(t, SocketStateListening, ports[0].Status.State.Socket)
	require.NotNil(t, ports[0].Status.StartedAt)
}

func TestServerHotReconfigKeepsUnchangedPort(t *testing.T) {
	echoPort := startEchoUpstream(t)
	entryA := rawPortEntry("a", "port a", echoPort)
	entryB := rawPortEntry("b", "port b", echoPort)
	srv := startTestServer(t, AppConfig{Ports: []PortEntry{entryA, entryB}})

	portB := boundPort(t, srv, "b")
	statusBefore, err := Call(context.Background(), srv, func(s *Server) (PortStatus, error) {
		status, _ := s.PortStatus("b")
		return status, nil
	})
	require.NoError(t, err)

	// a live connection through B must survive the reconfiguration
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", portB))
	require.NoError(t, err)
	defer conn.Close()

	// only A's upstream changes
	otherEcho := startEchoUpstream(t)
	entryA2 := rawPortEntry("a", "port a", otherEcho)
	require.NoError(t, srv.Command(context.Background(),
		SetConfig{Config: AppConfig{Ports: []PortEntry{entryA2, entryB}}}))

	statusAfter, err := Call(context.Background(), srv, func(s *Server) (PortStatus, error) {
		status, _ := s.PortStatus("b")
		return status, nil
	})
	require.NoError(t, err)

	require.NotNil(t, statusBefore.StartedAt)
	assert.Equal(t, statusBefore.StartedAt, statusAfter.StartedAt,
		"untouched port keeps its started_at")
	assert.Equal(t, portB, boundPort(t, srv, "b"), "untouched port keeps its socket")

	// the pre-reconfig connection still proxies
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestServerApplyWithoutDrop(t *testing.T) {
	echoPort := startEchoUpstream(t)
	cfg := AppConfig{Ports: []PortEntry{rawPortEntry("a", "port a", echoPort)}}
	cfg.Timeouts.DrainGrace = Duration(5 * time.Second)
	srv := startTestServer(t, cfg)
	portA := boundPort(t, srv, "a")

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", portA))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	one := make([]byte, 1)
	_, err = io.ReadFull(conn, one)
	require.NoError(t, err)

	// apply a config that no longer mentions the port
	require.NoError(t, srv.Command(context.Background(), SetConfig{Config: AppConfig{}}))

	// new connection attempts are refused once the listener is gone
	require.Eventually(t, func() bool {
		probe, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", portA), 250*time.Millisecond)
		if err == nil {
			probe.Close()
			return false
		}
		return true
	}, 5*time.Second, 50*time.Millisecond)

	// the live connection completes normally within the grace window
	_, err = conn.Write([]byte("y"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, one)
	require.NoError(t, err)
	assert.Equal(t, "y", string(one))
}

func TestServerCertInjection(t *testing.T) {
	echoPort := startEchoUpstream(t)
	entry := rawPortEntry("tls", "tls port", echoPort)
	entry.Listen = MustParseMultiaddr("/ip4/127.0.0.1/tcp/0/tls")
	entry.Opts.TLSTermination = &TLSTermination{ServerNames: []string{"localhost"}}
	srv := startTestServer(t, AppConfig{Ports: []PortEntry{entry}})
	port := boundPort(t, srv, "tls")

	status, err := Call(context.Background(), srv, func(s *Server) (PortStatus, error) {
		status, _ := s.PortStatus("tls")
		return status, nil
	})
	require.NoError(t, err)
	require.NotNil(t, status.State.TLS)
	assert.Equal(t, TLSStateNoCertificate, *status.State.TLS)

	// a handshake without a certificate is refused
	_, err = tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port), &tls.Config{
		ServerName:         "localhost",
		InsecureSkipVerify: true,
	})
	require.Error(t, err)

	cert, _, _ := mintTestCert(t, testCertSpec{names: []string{"localhost"}})
	require.NoError(t, srv.Command(context.Background(), AddCert{Cert: cert}))

	status, err = Call(context.Background(), srv, func(s *Server) (PortStatus, error) {
		status, _ := s.PortStatus("tls")
		return status, nil
	})
	require.NoError(t, err)
	require.NotNil(t, status.State.TLS)
	assert.Equal(t, TLSStateActive, *status.State.TLS, "tls state flips without a rebind")
	assert.Equal(t, port, boundPort(t, srv, "tls"), "no socket rebinding")

	// and the handshake now succeeds, end to end through the echo
	conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port), &tls.Config{
		ServerName:         "localhost",
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("secure"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(buf))
}

func httpPortConfig(upstreamURL string) AppConfig {
	return AppConfig{
		Ports: []PortEntry{{
			ID:     "web",
			Name:   "web port",
			Listen: MustParseMultiaddr("/ip4/127.0.0.1/tcp/0/http"),
		}},
		Sites: []SiteEntry{{
			ID:    "site",
			Ports: []string{"web"},
			Routes: []Route{{
				Path:    "/",
				Servers: []RouteUpstream{{URL: upstreamURL}},
			}},
		}},
	}
}

func TestServerChallengePrecedence(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "site content")
	}))
	t.Cleanup(upstream.Close)

	srv := startTestServer(t, httpPortConfig(upstream.URL))
	base := fmt.Sprintf("http://127.0.0.1:%d", boundPort(t, srv, "web"))

	require.NoError(t, srv.Challenges().Present("tok", "tok.keyauth"))

	// the challenge wins even though the site route also matches "/"
	resp, err := http.Get(base + "/.well-known/acme-challenge/tok")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "tok.keyauth", string(body))

	// ordinary requests reach the site
	resp, err = http.Get(base + "/")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "site content", string(body))

	// after StopHttpChallenges the token is gone
	require.NoError(t, srv.Command(context.Background(), StopHttpChallenges{}))
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/.well-known/acme-challenge/tok")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == 404
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServerHTTPSPreservesUpgradeHeader(t *testing.T) {
	headerSeen := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerSeen <- r.Header.Get("Upgrade")
	}))
	t.Cleanup(upstream.Close)

	cfg := httpPortConfig(upstream.URL)
	cfg.Ports[0].Listen = MustParseMultiaddr("/ip4/127.0.0.1/tcp/0/https")
	cfg.Ports[0].Opts.TLSTermination = &TLSTermination{ServerNames: []string{"localhost"}}
	srv := startTestServer(t, cfg)

	cert, _, _ := mintTestCert(t, testCertSpec{names: []string{"localhost"}})
	require.NoError(t, srv.Command(context.Background(), AddCert{Cert: cert}))

	port := boundPort(t, srv, "web")
	conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port), &tls.Config{
		ServerName:         "localhost",
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /ws HTTP/1.1\r\nHost: localhost:%d\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n", port)
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	select {
	case upgrade := <-headerSeen:
		assert.Equal(t, "websocket", upgrade, "the Upgrade header reaches the upstream")
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the request")
	}
}

func TestServerCallAfterStop(t *testing.T) {
	srv := NewServer(AppConfig{}, WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	cancel()
	<-done

	err := srv.Command(context.Background(), StopHttpChallenges{})
	assert.ErrorIs(t, err, ErrServerStopped)

	_, err = Call(context.Background(), srv, func(s *Server) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrServerStopped)
}

func TestServerSetBroadcastEvents(t *testing.T) {
	srv := startTestServer(t, AppConfig{})
	events, cancelSub := srv.Subscribe()
	defer cancelSub()

	require.NoError(t, srv.Command(context.Background(), SetBroadcastEvents{Enabled: false}))
	cert, _, _ := mintTestCert(t, testCertSpec{names: []string{"quiet.example.com"}})
	require.NoError(t, srv.Command(context.Background(), AddCert{Cert: cert}))

	// internal bookkeeping is unaffected while broadcasts are off
	certs, err := Call(context.Background(), srv, func(s *Server) (int, error) {
		return s.Keyring().Len(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, certs)
	assert.Len(t, events, 0)

	require.NoError(t, srv.Command(context.Background(), SetBroadcastEvents{Enabled: true}))
	cert2, _, _ := mintTestCert(t, testCertSpec{names: []string{"loud.example.com"}})
	require.NoError(t, srv.Command(context.Background(), AddCert{Cert: cert2}))

	require.Eventually(t, func() bool { return len(events) > 0 }, 5*time.Second, 10*time.Millisecond)
}

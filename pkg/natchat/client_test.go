package natchat

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/natchat/internal/config"
	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/internal/rendezvous"
	"github.com/saintparish4/natchat/pkg/holepunch"
	"github.com/saintparish4/natchat/pkg/stun"
	"github.com/saintparish4/natchat/pkg/types"
)

// scriptedService fails the first registrations and lookups it sees.
type scriptedService struct {
	mu            sync.Mutex
	failRegisters int
	missLookups   int
	registers     int
	lookups       int
	endpoint      types.Endpoint
}

func (s *scriptedService) Register(ctx context.Context, id types.PeerID, ep types.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers++
	if s.registers <= s.failRegisters {
		return errors.New("connection refused")
	}
	return nil
}

func (s *scriptedService) Lookup(ctx context.Context, id types.PeerID) (types.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lookups <= s.missLookups {
		return types.Endpoint{}, rendezvous.ErrNotFound
	}
	return s.endpoint, nil
}

func (s *scriptedService) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers, s.lookups
}

func testConfig(stunServers ...string) config.Client {
	cfg := config.DefaultClient()
	cfg.STUN.Servers = stunServers
	cfg.STUN.Timeout = 500 * time.Millisecond
	cfg.Client.PunchInterval = 20 * time.Millisecond
	cfg.Client.PunchAttempts = 25
	cfg.Client.PunchTimeout = 5 * time.Second
	cfg.Client.KeepAliveInterval = 50 * time.Millisecond
	cfg.Client.RegisterDelay = 5 * time.Millisecond
	cfg.Client.LookupDelay = 10 * time.Millisecond
	cfg.Client.LookupAttempts = 200
	cfg.Client.RefreshInterval = time.Hour
	return cfg
}

func testClient(cfg config.Client, svc rendezvous.Service) *Client {
	c := NewClient(cfg, svc)
	c.Logger = logging.Discard()
	c.localIP = func() (net.IP, error) { return net.IPv4(127, 0, 0, 1), nil }
	return c
}

func startSTUN(t *testing.T) string {
	t.Helper()
	srv, err := stun.Listen("127.0.0.1:0")
	require.NoError(t, err)
	srv.Logger = logging.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return srv.Addr().String()
}

func listen(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDiscoverViaSTUN(t *testing.T) {
	c := testClient(testConfig(startSTUN(t)), &scriptedService{})
	conn := listen(t)

	disc, err := c.Discover(context.Background(), conn)
	require.NoError(t, err)
	assert.False(t, disc.Fallback)
	assert.False(t, disc.Private)
	assert.True(t, disc.Consistent)
	assert.True(t, disc.Endpoint.Equal(conn.LocalAddr()))
}

func TestDiscoverFallsBackToLocalAddress(t *testing.T) {
	silent := listen(t)
	cfg := testConfig(silent.LocalAddr().String())
	cfg.STUN.Timeout = 50 * time.Millisecond
	c := testClient(cfg, &scriptedService{})
	conn := listen(t)

	disc, err := c.Discover(context.Background(), conn)
	require.NoError(t, err)
	assert.True(t, disc.Fallback)
	assert.Equal(t, "127.0.0.1", disc.Endpoint.IP)
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, disc.Endpoint.Port)
	assert.False(t, disc.Private)
	require.Len(t, disc.Responses, 1)
	assert.Error(t, disc.Responses[0].Err)
}

func TestDiscoverFlagsPrivateFallback(t *testing.T) {
	silent := listen(t)
	cfg := testConfig(silent.LocalAddr().String())
	cfg.STUN.Timeout = 50 * time.Millisecond
	c := testClient(cfg, &scriptedService{})
	c.localIP = func() (net.IP, error) { return net.IPv4(100, 64, 3, 7), nil }

	disc, err := c.Discover(context.Background(), listen(t))
	require.NoError(t, err)
	assert.True(t, disc.Fallback)
	assert.True(t, disc.Private)
	assert.Equal(t, "100.64.3.7", disc.Endpoint.IP)
}

func TestDiscoverRequired(t *testing.T) {
	silent := listen(t)
	cfg := testConfig(silent.LocalAddr().String())
	cfg.STUN.Timeout = 50 * time.Millisecond
	cfg.STUN.RequireDiscovery = true
	c := testClient(cfg, &scriptedService{})

	_, err := c.Discover(context.Background(), listen(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDiscovery)
}

func TestRegisterRetries(t *testing.T) {
	svc := &scriptedService{failRegisters: 2}
	c := testClient(testConfig("unused:1"), svc)

	ep := types.Endpoint{IP: "203.0.113.5", Port: 40000}
	require.NoError(t, c.Register(context.Background(), "alice", ep))
	registers, _ := svc.counts()
	assert.Equal(t, 3, registers)
}

func TestRegisterGivesUp(t *testing.T) {
	svc := &scriptedService{failRegisters: 10}
	c := testClient(testConfig("unused:1"), svc)

	err := c.Register(context.Background(), "alice", types.Endpoint{IP: "203.0.113.5", Port: 40000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attempts")
	registers, _ := svc.counts()
	assert.Equal(t, 3, registers)
}

func TestRegisterDoesNotRetryInvalidRequests(t *testing.T) {
	reg := rendezvous.NewRegistry()
	reg.Logger = logging.Discard()
	c := testClient(testConfig("unused:1"), rendezvous.NewLocal(reg))

	err := c.Register(context.Background(), "", types.Endpoint{IP: "203.0.113.5", Port: 40000})
	assert.ErrorIs(t, err, rendezvous.ErrInvalidRequest)
}

func TestWaitForPeer(t *testing.T) {
	want := types.Endpoint{IP: "198.51.100.7", Port: 41000}
	svc := &scriptedService{missLookups: 3, endpoint: want}
	c := testClient(testConfig("unused:1"), svc)

	got, err := c.WaitForPeer(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	_, lookups := svc.counts()
	assert.Equal(t, 4, lookups)
}

func TestWaitForPeerExhausted(t *testing.T) {
	svc := &scriptedService{missLookups: 100}
	cfg := testConfig("unused:1")
	cfg.Client.LookupAttempts = 4
	c := testClient(cfg, svc)

	_, err := c.WaitForPeer(context.Background(), "bob")
	assert.ErrorIs(t, err, rendezvous.ErrNotFound)
	_, lookups := svc.counts()
	assert.Equal(t, 4, lookups)
}

func TestWaitForPeerCancelled(t *testing.T) {
	svc := &scriptedService{missLookups: 1000}
	cfg := testConfig("unused:1")
	cfg.Client.LookupDelay = time.Second
	c := testClient(cfg, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.WaitForPeer(ctx, "bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartRefresh(t *testing.T) {
	svc := &scriptedService{}
	cfg := testConfig("unused:1")
	cfg.Client.RefreshInterval = 10 * time.Millisecond
	c := testClient(cfg, svc)

	stop := c.StartRefresh(context.Background(), "alice", types.Endpoint{IP: "203.0.113.5", Port: 40000})
	assert.Eventually(t, func() bool {
		registers, _ := svc.counts()
		return registers >= 3
	}, time.Second, 5*time.Millisecond)

	stop()
	after, _ := svc.counts()
	time.Sleep(30 * time.Millisecond)
	registers, _ := svc.counts()
	assert.Equal(t, after, registers)
}

func TestPunchConfig(t *testing.T) {
	cfg := testConfig("unused:1")
	cfg.Client.PunchBackoff = "exponential"
	c := testClient(cfg, &scriptedService{})

	pcfg, err := c.PunchConfig()
	require.NoError(t, err)
	assert.Equal(t, holepunch.BackoffExponential, pcfg.Backoff)
	assert.Equal(t, 25, pcfg.MaxAttempts)

	c.Config.Client.PunchInterval = 10 * time.Second
	pcfg, err = c.PunchConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, pcfg.MaxInterval)

	c.Config.Client.PunchBackoff = "random"
	_, err = c.PunchConfig()
	assert.Error(t, err)
}

func TestConnectTwoPeers(t *testing.T) {
	stunAddr := startSTUN(t)
	reg := rendezvous.NewRegistry()
	reg.Logger = logging.Discard()
	svc := rendezvous.NewLocal(reg)

	alice := testClient(testConfig(stunAddr), svc)
	bob := testClient(testConfig(stunAddr), svc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg    sync.WaitGroup
		connA *Connection
		connB *Connection
		errA  error
		errB  error
	)
	wg.Add(2)
	go func() { defer wg.Done(); connA, errA = alice.Connect(ctx, "alice", "bob") }()
	go func() { defer wg.Done(); connB, errB = bob.Connect(ctx, "bob", "alice") }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	defer connA.Close()
	defer connB.Close()

	assert.Equal(t, holepunch.StateEstablished, connA.Session.State())
	assert.Equal(t, holepunch.StateEstablished, connB.Session.State())
	assert.Equal(t, connB.Public, connA.Peer)
	assert.Equal(t, connA.Public, connB.Peer)
	assert.Equal(t, 2, reg.Count())

	require.NoError(t, connA.Session.Send([]byte("ping")))
	body, err := connB.Session.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(body))

	require.NoError(t, connA.Close())
	assert.NoError(t, connA.Close())
}

func TestConnectRejectsSelf(t *testing.T) {
	c := testClient(testConfig("unused:1"), &scriptedService{})

	_, err := c.Connect(context.Background(), "alice", "alice")
	assert.Error(t, err)
	_, err = c.Connect(context.Background(), "", "bob")
	assert.Error(t, err)
}

func TestConnectPeerNeverShows(t *testing.T) {
	svc := &scriptedService{missLookups: 1000}
	cfg := testConfig(startSTUN(t))
	cfg.Client.LookupAttempts = 3
	c := testClient(cfg, svc)

	_, err := c.Connect(context.Background(), "alice", "bob")
	assert.ErrorIs(t, err, rendezvous.ErrNotFound)
}

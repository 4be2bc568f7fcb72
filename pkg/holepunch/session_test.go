package holepunch

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/types"
)

// tapConn counts outgoing datagrams per tag and can drop or fail them.
type tapConn struct {
	net.PacketConn

	mu         sync.Mutex
	writes     map[Tag]int
	dropProbes int
	failWrites atomic.Bool
	failReads  atomic.Int32
}

func newTapConn(conn net.PacketConn) *tapConn {
	return &tapConn{PacketConn: conn, writes: make(map[Tag]int)}
}

func (c *tapConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.failWrites.Load() {
		return 0, errors.New("injected write failure")
	}

	c.mu.Lock()
	var tag Tag
	if len(p) > 0 {
		tag = Tag(p[0])
	}
	c.writes[tag]++
	drop := tag == TagProbe && c.dropProbes > 0
	if drop {
		c.dropProbes--
	}
	c.mu.Unlock()

	if drop {
		return len(p), nil
	}
	return c.PacketConn.WriteTo(p, addr)
}

func (c *tapConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if n := c.failReads.Load(); n > 0 && c.failReads.CompareAndSwap(n, n-1) {
		return 0, nil, errors.New("read: connection reset by peer")
	}
	return c.PacketConn.ReadFrom(p)
}

func (c *tapConn) count(tag Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[tag]
}

func listen(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func endpointOf(t *testing.T, conn net.PacketConn) types.Endpoint {
	t.Helper()
	ep, err := types.EndpointFromAddr(conn.LocalAddr())
	require.NoError(t, err)
	return ep
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = 30 * time.Millisecond
	cfg.MaxAttempts = 10
	return cfg
}

func newTestSession(t *testing.T, conn net.PacketConn, peer types.Endpoint, cfg Config) *Session {
	t.Helper()
	s, err := NewSession(conn, peer, cfg)
	require.NoError(t, err)
	s.Logger = logging.Discard()
	t.Cleanup(func() { s.Close() })
	return s
}

func punchBoth(t *testing.T, a, b *Session) (error, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errA = a.Punch(ctx) }()
	go func() { defer wg.Done(); errB = b.Punch(ctx) }()
	wg.Wait()
	return errA, errB
}

// readTag reads datagrams until one with the wanted tag arrives.
func readTag(t *testing.T, conn net.PacketConn, want Tag) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err, "waiting for %s", want)
		body, tag, err := DetachTag(buf[:n])
		if err == nil && tag == want {
			return append([]byte(nil), body...)
		}
	}
}

func TestPunchBothSidesEstablish(t *testing.T) {
	connA, connB := listen(t), listen(t)
	a := newTestSession(t, connA, endpointOf(t, connB), fastConfig())
	b := newTestSession(t, connB, endpointOf(t, connA), fastConfig())

	errA, errB := punchBoth(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, StateEstablished, a.State())
	assert.Equal(t, StateEstablished, b.State())
	assert.False(t, a.LastReceived().IsZero())
	assert.Equal(t, Reason(""), a.Reason())
}

func TestPunchSurvivesLostProbes(t *testing.T) {
	connX := newTapConn(listen(t))
	connY := listen(t)
	connX.dropProbes = 3

	x := newTestSession(t, connX, endpointOf(t, connY), fastConfig())
	y := newTestSession(t, connY, endpointOf(t, connX), fastConfig())

	errX, errY := punchBoth(t, x, y)
	require.NoError(t, errX)
	require.NoError(t, errY)

	assert.Equal(t, StateEstablished, x.State())
	assert.Equal(t, StateEstablished, y.State())
	assert.LessOrEqual(t, x.Attempts(), fastConfig().MaxAttempts)
	assert.LessOrEqual(t, y.Attempts(), fastConfig().MaxAttempts)
}

func TestPunchSilentPeerFailsAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 5

	silent := listen(t)
	conn := newTapConn(listen(t))
	s := newTestSession(t, conn, endpointOf(t, silent), cfg)

	start := time.Now()
	err := s.Punch(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPunchFailed))

	var pe *PunchError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ReasonNoResponse, pe.Reason)
	assert.Equal(t, cfg.MaxAttempts, pe.Attempts)

	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, ReasonNoResponse, s.Reason())
	assert.Equal(t, cfg.MaxAttempts, conn.count(TagProbe))
	assert.GreaterOrEqual(t, elapsed, cfg.Ceiling())

	// The socket was released.
	_, werr := conn.PacketConn.WriteTo([]byte{0}, silent.LocalAddr())
	assert.Error(t, werr)

	time.Sleep(3 * cfg.RetryInterval)
	assert.Equal(t, cfg.MaxAttempts, conn.count(TagProbe), "no probes after FAILED")
}

func TestPunchIgnoresOtherSources(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 4

	silent := listen(t)
	conn := listen(t)
	s := newTestSession(t, conn, endpointOf(t, silent), cfg)

	stranger := listen(t)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				stranger.WriteTo([]byte{byte(TagProbe)}, conn.LocalAddr())
			}
		}
	}()

	err := s.Punch(context.Background())
	assert.True(t, errors.Is(err, ErrPunchFailed))
	assert.Equal(t, StateFailed, s.State())
}

func TestPunchCancel(t *testing.T) {
	silent := listen(t)
	conn := newTapConn(listen(t))
	s := newTestSession(t, conn, endpointOf(t, silent), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := s.Punch(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrPunchFailed))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, ReasonCancelled, s.Reason())

	sent := conn.count(TagProbe)
	time.Sleep(3 * fastConfig().RetryInterval)
	assert.Equal(t, sent, conn.count(TagProbe))

	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPunchDeadline(t *testing.T) {
	silent := listen(t)
	conn := listen(t)
	s := newTestSession(t, conn, endpointOf(t, silent), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := s.Punch(ctx)
	require.Error(t, err)

	var pe *PunchError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ReasonDeadline, pe.Reason)
	assert.Less(t, pe.Attempts, fastConfig().MaxAttempts)
}

func TestPunchCloseWhilePunching(t *testing.T) {
	silent := listen(t)
	s := newTestSession(t, listen(t), endpointOf(t, silent), fastConfig())

	time.AfterFunc(50*time.Millisecond, func() { s.Close() })

	err := s.Punch(context.Background())
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, StateFailed, s.State())
}

func TestPunchTwice(t *testing.T) {
	silent := listen(t)
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	s := newTestSession(t, listen(t), endpointOf(t, silent), cfg)

	require.Error(t, s.Punch(context.Background()))
	err := s.Punch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILED")
}

func TestPunchSendErrorsCountAsAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3

	silent := listen(t)
	conn := newTapConn(listen(t))
	conn.failWrites.Store(true)
	s := newTestSession(t, conn, endpointOf(t, silent), cfg)

	err := s.Punch(context.Background())
	var pe *PunchError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Attempts)
}

func TestProbeAnsweredWithAck(t *testing.T) {
	peer := listen(t)
	conn := listen(t)
	s := newTestSession(t, conn, endpointOf(t, peer), fastConfig())

	done := make(chan error, 1)
	go func() { done <- s.Punch(context.Background()) }()

	readTag(t, peer, TagProbe)
	_, err := peer.WriteTo([]byte{byte(TagProbe)}, conn.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, StateEstablished, s.State())
	readTag(t, peer, TagAck)

	// Still answered once established; the peer may have missed the first ack.
	_, err = peer.WriteTo([]byte{byte(TagProbe)}, conn.LocalAddr())
	require.NoError(t, err)
	readTag(t, peer, TagAck)
}

func TestEarlyDataEstablishesAndIsDelivered(t *testing.T) {
	peer := listen(t)
	conn := listen(t)
	s := newTestSession(t, conn, endpointOf(t, peer), fastConfig())

	done := make(chan error, 1)
	go func() { done <- s.Punch(context.Background()) }()

	readTag(t, peer, TagProbe)
	_, err := peer.WriteTo(AttachTag([]byte("early"), TagData), conn.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, <-done)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	body, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early", string(body))
}

func TestSendRecv(t *testing.T) {
	connA, connB := listen(t), listen(t)
	a := newTestSession(t, connA, endpointOf(t, connB), fastConfig())
	b := newTestSession(t, connB, endpointOf(t, connA), fastConfig())

	errA, errB := punchBoth(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send([]byte("hello bob")))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(got))

	require.NoError(t, b.Send([]byte("hi alice")))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(got))
}

func TestReadErrorDoesNotStopSession(t *testing.T) {
	connA := newTapConn(listen(t))
	connB := listen(t)
	a := newTestSession(t, connA, endpointOf(t, connB), fastConfig())
	b := newTestSession(t, connB, endpointOf(t, connA), fastConfig())

	errA, errB := punchBoth(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.NoError(t, a.StartKeepAlive(context.Background(), 20*time.Millisecond, nil))

	connA.failReads.Store(3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, b.Send([]byte(msg)))
		got, err := a.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	assert.Zero(t, connA.failReads.Load())
	assert.Equal(t, StateEstablished, a.State())

	sent := connA.count(TagKeepAlive)
	assert.Eventually(t, func() bool {
		return connA.count(TagKeepAlive) > sent
	}, time.Second, 10*time.Millisecond, "keep-alive stopped after a read error")
}

func TestCloseWhileReadsFail(t *testing.T) {
	connA := newTapConn(listen(t))
	connB := listen(t)
	a := newTestSession(t, connA, endpointOf(t, connB), fastConfig())
	b := newTestSession(t, connB, endpointOf(t, connA), fastConfig())

	errA, errB := punchBoth(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	connA.failReads.Store(1 << 20)
	// Wake the reader so it starts hitting the failures.
	require.NoError(t, b.Send([]byte("wake")))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := a.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "wake", string(got))
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close blocked behind read backoff")
	}

	_, err = a.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSocketClosedUnderneathClosesSession(t *testing.T) {
	connA, connB := listen(t), listen(t)
	a := newTestSession(t, connA, endpointOf(t, connB), fastConfig())
	b := newTestSession(t, connB, endpointOf(t, connA), fastConfig())

	errA, errB := punchBoth(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	require.NoError(t, connA.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendBeforeEstablished(t *testing.T) {
	s := newTestSession(t, listen(t), types.Endpoint{IP: "127.0.0.1", Port: 9}, fastConfig())

	assert.ErrorIs(t, s.Send([]byte("x")), ErrNotEstablished)
	assert.ErrorIs(t, s.StartKeepAlive(context.Background(), time.Second, nil), ErrNotEstablished)
}

func TestSendAfterClose(t *testing.T) {
	s := newTestSession(t, listen(t), types.Endpoint{IP: "127.0.0.1", Port: 9}, fastConfig())

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send([]byte("x")), ErrClosed)
	assert.ErrorIs(t, s.SendKeepAlive(), ErrClosed)
}

func TestRecvHonoursContext(t *testing.T) {
	s := newTestSession(t, listen(t), types.Endpoint{IP: "127.0.0.1", Port: 9}, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSessionValidation(t *testing.T) {
	conn := listen(t)

	_, err := NewSession(conn, types.Endpoint{IP: "nope", Port: 1}, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	_, err = NewSession(conn, types.Endpoint{IP: "127.0.0.1", Port: 1}, cfg)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "PUNCHING", StatePunching.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

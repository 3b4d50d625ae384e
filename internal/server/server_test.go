package server

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

	"labdevice-gateway/config"
	"labdevice-gateway/internal/dedup"
	"labdevice-gateway/internal/ingest"
	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/store"
	"labdevice-gateway/internal/store/storetest"
	"labdevice-gateway/internal/wire"
)

const (
	statusFrame = "#S\xaaLD0000000\xaa0\xaa14:18:2826:02:2025\xaa1\xaaD7\xfd"
	dataFrame   = "#D\xaaLD0000000\xaa14:18:2826:02:2025\xaaM\xaa120\xaaII\xaaPASSED\xaaC1\xfd\n"
)

type recordingRouter struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingRouter) Deliver(deviceID, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, deviceID+" "+text)
	return false
}

func (r *recordingRouter) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testListenerConfig() config.ListenerConfig {
	return config.ListenerConfig{
		BindAddress:   "127.0.0.1",
		Port:          0,
		MaxFrameBytes: 1024,
		IdleTimeout:   5 * time.Second,
		WriteTimeout:  time.Second,
	}
}

func startServer(t *testing.T, cfg config.ListenerConfig, router Router) (*TCPServer, store.Store) {
	t.Helper()
	s := storetest.New(t)
	ing := ingest.New(s, dedup.NewWindow(1000, time.Hour), nil)
	srv := NewTCPServer(cfg, ing, router)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, s
}

func dial(t *testing.T, srv *TCPServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStatusFrameGetsPullRequest(t *testing.T) {
	srv, s := startServer(t, testListenerConfig(), nil)
	conn := dial(t, srv)

	_, err := conn.Write([]byte(statusFrame))
	require.NoError(t, err)

	reply, err := wire.NewReader(conn, 1024).Next()
	require.NoError(t, err)
	assert.Equal(t, "#u\xaaLD0000000\xaa", string(reply))

	current, err := s.CurrentStatus(context.Background(), "LD0000000")
	require.NoError(t, err)
	assert.Equal(t, 1, current.Available)
}

func TestDuplicateDataIsAckedTwiceAndStoredOnce(t *testing.T) {
	srv, s := startServer(t, testListenerConfig(), nil)
	conn := dial(t, srv)

	_, err := conn.Write([]byte(dataFrame + dataFrame))
	require.NoError(t, err)

	r := wire.NewReader(conn, 1024)
	for i := 0; i < 2; i++ {
		reply, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "#A\xaaLD0000000\xaa", string(reply))
	}

	donations, err := s.ListDonations(context.Background(), "LD0000000",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, donations, 1)
}

func TestFrameSplitAcrossWrites(t *testing.T) {
	srv, _ := startServer(t, testListenerConfig(), nil)
	conn := dial(t, srv)

	half := len(statusFrame) / 2
	_, err := conn.Write([]byte(statusFrame[:half]))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write([]byte(statusFrame[half:]))
	require.NoError(t, err)

	reply, err := wire.NewReader(conn, 1024).Next()
	require.NoError(t, err)
	assert.Equal(t, "#u\xaaLD0000000\xaa", string(reply))
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	srv, _ := startServer(t, testListenerConfig(), nil)
	conn := dial(t, srv)

	_, err := conn.Write([]byte("#S\xaa\xfd#X\xaaLD1\xfd" + statusFrame))
	require.NoError(t, err)

	reply, err := wire.NewReader(conn, 1024).Next()
	require.NoError(t, err)
	assert.Equal(t, "#u\xaaLD0000000\xaa", string(reply))
}

func TestConnectRegistersPlaceholder(t *testing.T) {
	srv, s := startServer(t, testListenerConfig(), nil)
	dial(t, srv)

	assert.Eventually(t, func() bool {
		_, err := s.GetDevice(context.Background(), ingest.PlaceholderID("127.0.0.1"))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFramesAreOfferedToRouter(t *testing.T) {
	router := &recordingRouter{}
	srv, _ := startServer(t, testListenerConfig(), router)
	conn := dial(t, srv)

	_, err := conn.Write([]byte("#I\xaaLD1\xaaLD2\xaaOK\xaa\xfd" + statusFrame))
	require.NoError(t, err)

	// The status reply is written after both frames were routed.
	_, err = wire.NewReader(conn, 1024).Next()
	require.NoError(t, err)

	delivered := router.delivered()
	require.Len(t, delivered, 2)
	assert.Equal(t, "LD1 #I\xaaLD1\xaaLD2\xaaOK\xaa", delivered[0])
	assert.Contains(t, delivered[1], "LD0000000 #S")
}

// setupCheckingRouter records whether the setup row existed when a reply
// was delivered.
type setupCheckingRouter struct {
	store  store.Store
	stored chan bool
}

func (r *setupCheckingRouter) Deliver(deviceID, text string) bool {
	if parse.Classify(text) == parse.KindConfigResponse {
		_, err := r.store.GetSetup(context.Background(), deviceID)
		r.stored <- err == nil
	}
	return true
}

func TestDeliverRunsAfterFrameIsStored(t *testing.T) {
	s := storetest.New(t)
	router := &setupCheckingRouter{store: s, stored: make(chan bool, 1)}
	srv := NewTCPServer(testListenerConfig(), ingest.New(s, dedup.NewWindow(10, time.Hour), nil), router)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	conn := dial(t, srv)

	cfg := &parse.Configuration{DeviceID: "LD1", SSID: "lab-net", RemotePort: 5000}
	_, err := conn.Write(cfg.Frame(parse.KindConfigResponse))
	require.NoError(t, err)

	select {
	case stored := <-router.stored:
		assert.True(t, stored, "setup must be saved before the waiter is woken")
	case <-time.After(2 * time.Second):
		t.Fatal("configuration reply was not delivered")
	}
}

// flakyListener fails every Accept until closed.
type flakyListener struct {
	net.Listener
	calls atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	return nil, errors.New("accept: too many open files")
}

func TestAcceptErrorsBackOff(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}

	srv := NewTCPServer(testListenerConfig(), nil, nil)
	srv.listener = ln
	srv.wg.Add(1)
	go srv.acceptLoop()

	time.Sleep(150 * time.Millisecond)
	srv.Stop()

	// 5+10+20+40+80ms fits about five retries in the window.
	assert.Less(t, ln.calls.Load(), int32(10))
	assert.GreaterOrEqual(t, ln.calls.Load(), int32(2))
}

func TestNextAcceptDelay(t *testing.T) {
	d := nextAcceptDelay(0)
	assert.Equal(t, minAcceptDelay, d)
	assert.Equal(t, 2*minAcceptDelay, nextAcceptDelay(d))
	assert.Equal(t, maxAcceptDelay, nextAcceptDelay(maxAcceptDelay))
	assert.Equal(t, maxAcceptDelay, nextAcceptDelay(700*time.Millisecond))
}

func TestSessionsTracksDeviceID(t *testing.T) {
	srv, _ := startServer(t, testListenerConfig(), nil)
	conn := dial(t, srv)

	_, err := conn.Write([]byte(statusFrame))
	require.NoError(t, err)
	_, err = wire.NewReader(conn, 1024).Next()
	require.NoError(t, err)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "LD0000000", sessions[0].DeviceID)
	assert.Equal(t, "127.0.0.1", sessions[0].RemoteIP)
	assert.Equal(t, 1, sessions[0].Frames)
}

func TestConnectionRateLimit(t *testing.T) {
	cfg := testListenerConfig()
	cfg.ConnectionsPerSec = 0.001
	cfg.ConnectionBurst = 1
	srv, _ := startServer(t, cfg, nil)

	first := dial(t, srv)
	second := dial(t, srv)

	buf := make([]byte, 1)
	_, err := second.Read(buf)
	assert.Error(t, err, "second connection should be closed by the server")

	_, err = first.Write([]byte(statusFrame))
	require.NoError(t, err)
	_, err = wire.NewReader(first, 1024).Next()
	assert.NoError(t, err)
}

func TestOversizedPendingIsDiscarded(t *testing.T) {
	cfg := testListenerConfig()
	cfg.MaxFrameBytes = 64
	srv, _ := startServer(t, cfg, nil)
	conn := dial(t, srv)

	junk := make([]byte, 200)
	junk[0] = '#'
	for i := 1; i < len(junk); i++ {
		junk[i] = 'x'
	}
	_, err := conn.Write(junk)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = conn.Write([]byte(statusFrame))
	require.NoError(t, err)
	reply, err := wire.NewReader(conn, 1024).Next()
	require.NoError(t, err)
	assert.Equal(t, "#u\xaaLD0000000\xaa", string(reply))
}

func TestStopClosesSessions(t *testing.T) {
	s := storetest.New(t)
	srv := NewTCPServer(testListenerConfig(), ingest.New(s, dedup.NewWindow(10, time.Hour), nil), nil)
	require.NoError(t, srv.Start())

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, srv.Sessions())
}

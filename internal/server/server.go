// Package server accepts device connections and runs one session loop per
// connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"labdevice-gateway/config"
	"labdevice-gateway/internal/ingest"
	"labdevice-gateway/internal/mw"
	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/wire"
)

// Handler processes frames. *ingest.Ingestor satisfies it.
type Handler interface {
	Process(ctx context.Context, f ingest.Frame) ingest.Result
	RegisterPeer(ctx context.Context, ip string, port int, at time.Time) error
}

// Router takes replies awaited by an outstanding command.
// *correlator.Correlator satisfies it.
type Router interface {
	Deliver(deviceID, text string) bool
}

// TCPServer handles TCP connections from laboratory devices.
type TCPServer struct {
	cfg      config.ListenerConfig
	handler  Handler
	router   Router
	limiter  *mw.KeyedLimiter
	listener net.Listener
	sessions sync.Map // map[string]*Session
	connSeq  atomic.Uint64
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// Session represents a device connection.
type Session struct {
	ConnID      string
	RemoteIP    string
	RemotePort  int
	ConnectedAt time.Time
	Conn        net.Conn

	mu         sync.RWMutex
	deviceID   string
	lastActive time.Time
	frames     int
}

// SessionInfo is a point in time view of a Session.
type SessionInfo struct {
	ConnID      string    `json:"conn_id"`
	DeviceID    string    `json:"device_id"`
	RemoteIP    string    `json:"remote_ip"`
	RemotePort  int       `json:"remote_port"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	Frames      int       `json:"frames"`
}

func (s *Session) info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ConnID:      s.ConnID,
		DeviceID:    s.deviceID,
		RemoteIP:    s.RemoteIP,
		RemotePort:  s.RemotePort,
		ConnectedAt: s.ConnectedAt,
		LastActive:  s.lastActive,
		Frames:      s.frames,
	}
}

func (s *Session) seen(deviceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deviceID != "" {
		s.deviceID = deviceID
	}
	s.lastActive = at
	s.frames++
}

// NewTCPServer creates a new TCP server. router may be nil.
func NewTCPServer(cfg config.ListenerConfig, h Handler, router Router) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if cfg.ConnectionsPerSec > 0 {
		limit = rate.Limit(cfg.ConnectionsPerSec)
	}
	return &TCPServer{
		cfg:     cfg,
		handler: h,
		router:  router,
		limiter: mw.NewKeyedLimiter(limit, cfg.ConnectionBurst, mw.DefaultIdle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and runs the accept loop in the background.
func (s *TCPServer) Start() error {
	addr := net.JoinHostPort(s.cfg.BindAddress, fmt.Sprint(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	log.Printf("Device listener on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every session and waits for them to end.
func (s *TCPServer) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.sessions.Range(func(key, value interface{}) bool {
		if session, ok := value.(*Session); ok {
			session.Conn.Close()
		}
		return true
	})
	s.wg.Wait()
}

// Sessions returns the open sessions ordered by connection id.
func (s *TCPServer) Sessions() []SessionInfo {
	sessions := make([]SessionInfo, 0)
	s.sessions.Range(func(key, value interface{}) bool {
		if session, ok := value.(*Session); ok {
			sessions = append(sessions, session.info())
		}
		return true
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ConnID < sessions[j].ConnID })
	return sessions
}

// Accept failures such as EMFILE are retried with a growing delay.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = nextAcceptDelay(delay)
			log.Printf("Accept error: %v; retrying in %v", err, delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		ip, port := splitAddr(conn.RemoteAddr())
		if !s.limiter.Allow(ip) {
			log.Printf("Rejecting connection from %s: rate limit exceeded", ip)
			conn.Close()
			continue
		}

		session := &Session{
			ConnID:      fmt.Sprintf("conn-%06d", s.connSeq.Add(1)),
			RemoteIP:    ip,
			RemotePort:  port,
			ConnectedAt: time.Now(),
			Conn:        conn,
			lastActive:  time.Now(),
		}
		s.sessions.Store(session.ConnID, session)

		s.wg.Add(1)
		go s.handleConnection(session)
	}
}

func (s *TCPServer) handleConnection(session *Session) {
	defer s.wg.Done()
	defer func() {
		s.sessions.Delete(session.ConnID)
		session.Conn.Close()
		log.Printf("Connection closed: %s (%s:%d)", session.ConnID, session.RemoteIP, session.RemotePort)
	}()

	log.Printf("New connection: %s from %s:%d", session.ConnID, session.RemoteIP, session.RemotePort)
	if err := s.handler.RegisterPeer(s.ctx, session.RemoteIP, session.RemotePort, session.ConnectedAt); err != nil {
		log.Printf("Error: %v", err)
	}

	buffer := make([]byte, 4096)
	var pending []byte

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.cfg.IdleTimeout > 0 {
			session.Conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := session.Conn.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			pending = s.drain(session, pending)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from %s: %v", session.ConnID, err)
			}
			return
		}
	}
}

// drain handles every complete frame in pending and returns the remainder.
func (s *TCPServer) drain(session *Session, pending []byte) []byte {
	for len(pending) > 0 {
		frame, rest, ok := wire.ExtractFrame(pending)
		if !ok {
			if s.cfg.MaxFrameBytes > 0 && len(rest) > s.cfg.MaxFrameBytes {
				log.Printf("Discarding %d unterminated bytes from %s", len(rest), session.ConnID)
				return nil
			}
			return rest
		}
		s.handleFrame(session, frame)
		pending = rest
	}
	return pending
}

// handleFrame routes one frame and writes the reply. A failure is confined
// to the frame.
func (s *TCPServer) handleFrame(session *Session, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered handling frame from %s: %v", session.ConnID, r)
		}
	}()

	now := time.Now()
	text := wire.Normalize(frame)
	deviceID := parse.DeviceID(text)
	session.seen(deviceID, now)

	res := s.handler.Process(s.ctx, ingest.Frame{
		Raw:        append([]byte(nil), frame...),
		RemoteIP:   session.RemoteIP,
		RemotePort: session.RemotePort,
		ReceivedAt: now,
	})

	// Waiting commands are woken only after the frame is stored.
	if s.router != nil && deviceID != "" && s.router.Deliver(deviceID, text) {
		log.Printf("Routed %s reply from %s to waiting command", parse.Classify(text), deviceID)
	}
	if res.Reply == nil {
		return
	}

	if s.cfg.WriteTimeout > 0 {
		session.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if _, err := session.Conn.Write(res.Reply); err != nil {
		log.Printf("Failed to reply to %s: %v", session.ConnID, err)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	if d *= 2; d > maxAcceptDelay {
		return maxAcceptDelay
	}
	return d
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port int
	fmt.Sscan(portStr, &port)
	return host, port
}

// Package retrieval periodically pulls buffered records from devices that
// did not push them on their own.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"labdevice-gateway/config"
	"labdevice-gateway/internal/ingest"
	"labdevice-gateway/internal/model"
	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/store"
	"labdevice-gateway/internal/wire"
)

// ErrNoAddress is returned for a device without a known IP.
var ErrNoAddress = errors.New("device has no known address")

// Processor handles each frame read from a device. *ingest.Ingestor
// satisfies it.
type Processor interface {
	Process(ctx context.Context, f ingest.Frame) ingest.Result
}

// Dialer opens retrieval connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Service orchestrates buffer retrieval.
type Service struct {
	cfg        config.RetrievalConfig
	devicePort int
	store      store.Store
	processor  Processor
	dialer     Dialer
	maxFrame   int
}

// NewService creates a retrieval service. A nil dialer uses net.Dialer.
func NewService(cfg config.RetrievalConfig, devicePort int, s store.Store, p Processor, d Dialer) *Service {
	if d == nil {
		d = &net.Dialer{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Service{cfg: cfg, devicePort: devicePort, store: s, processor: p, dialer: d, maxFrame: 64 * 1024}
}

// Run starts the retrieval loop.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Println("Buffer retrieval is disabled. Not starting.")
		return
	}
	log.Println("Starting buffer retrieval service...")

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Buffer retrieval service shutting down.")
			return
		case <-timer.C:
			if _, err := s.RetrieveOnce(ctx); err != nil {
				log.Printf("Error during retrieval cycle: %v", err)
			}
			timer.Reset(s.cfg.Interval)
		}
	}
}

// RetrieveOnce pulls from every active device with a known address and
// returns the number of stored records.
func (s *Service) RetrieveOnce(ctx context.Context) (int, error) {
	log.Println("Executing retrieval cycle...")
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range devices {
		d := &devices[i]
		if !d.IsActive || d.LastIP == "" || d.IsPlaceholder() {
			continue
		}
		g.Go(func() error {
			n, err := s.RetrieveDevice(gctx, d)
			if err != nil {
				log.Printf("Error retrieving from %s: %v", d.SerialNumber, err)
				return nil
			}
			total.Add(int64(n))
			return nil
		})
	}
	g.Wait()

	log.Printf("Retrieval cycle finished: %d records stored.", total.Load())
	return int(total.Load()), nil
}

// RetrieveSerial looks up serial and pulls its buffer.
func (s *Service) RetrieveSerial(ctx context.Context, serial string) (int, error) {
	d, err := s.store.GetDevice(ctx, serial)
	if err != nil {
		return 0, err
	}
	return s.RetrieveDevice(ctx, d)
}

// RetrieveDevice dials the device, requests its buffered records and handles
// each frame until the device reports no more data or the timeout expires.
func (s *Service) RetrieveDevice(ctx context.Context, d *model.Device) (int, error) {
	if d.LastIP == "" {
		return 0, fmt.Errorf("%s: %w", d.SerialNumber, ErrNoAddress)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(d.LastIP, strconv.Itoa(s.devicePort))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to dial %s at %s: %w", d.SerialNumber, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(wire.Encode(parse.KindPullRequest.Byte(), d.SerialNumber)); err != nil {
		return 0, fmt.Errorf("failed to request buffer from %s: %w", d.SerialNumber, err)
	}

	stored := 0
	reader := wire.NewReader(conn, s.maxFrame)
	for {
		frame, err := reader.Next()
		if err != nil {
			var netErr net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &netErr) && netErr.Timeout()) {
				log.Printf("Retrieval from %s ended without end-of-data marker: %v", d.SerialNumber, err)
				return stored, nil
			}
			return stored, fmt.Errorf("failed to read from %s: %w", d.SerialNumber, err)
		}

		res := s.processor.Process(ctx, ingest.Frame{
			Raw:        frame,
			RemoteIP:   d.LastIP,
			RemotePort: s.devicePort,
			ReceivedAt: time.Now(),
		})
		if res.Stored {
			stored++
		}
		if res.Kind == parse.KindNoMoreData {
			log.Printf("Retrieved %d records from %s", stored, d.SerialNumber)
			return stored, nil
		}
		if res.Reply != nil {
			if _, err := conn.Write(res.Reply); err != nil {
				return stored, fmt.Errorf("failed to acknowledge %s: %w", d.SerialNumber, err)
			}
		}
	}
}

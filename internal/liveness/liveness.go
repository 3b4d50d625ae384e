// Package liveness decides which devices are online, passively from their
// last connection time and actively by probing their last known address.
package liveness

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"labdevice-gateway/config"
	"labdevice-gateway/internal/events"
	"labdevice-gateway/internal/model"
	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/store"
	"labdevice-gateway/internal/wire"
)

// Notifier is told about every device that went inactive.
type Notifier interface {
	Dispatch(serial string)
}

// Dialer opens probe connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Tracker runs the passive sweep and the active probe.
type Tracker struct {
	store      store.Store
	cfg        config.LivenessConfig
	devicePort int
	dialer     Dialer
	notifier   Notifier
	publisher  events.Publisher

	mu       sync.Mutex
	failures map[string]int

	now func() time.Time
}

// New creates a Tracker. notifier and publisher may be nil.
func New(s store.Store, cfg config.LivenessConfig, devicePort int, d Dialer, n Notifier, p events.Publisher) *Tracker {
	if d == nil {
		d = &net.Dialer{}
	}
	if p == nil {
		p = events.Nop{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 1
	}
	return &Tracker{
		store:      s,
		cfg:        cfg,
		devicePort: devicePort,
		dialer:     d,
		notifier:   n,
		publisher:  p,
		failures:   make(map[string]int),
		now:        time.Now,
	}
}

// Run sweeps and probes on their intervals until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	sweep := time.NewTicker(t.cfg.SweepInterval)
	defer sweep.Stop()

	var probe <-chan time.Time
	if t.cfg.ProbeEnabled {
		ticker := time.NewTicker(t.cfg.ProbeInterval)
		defer ticker.Stop()
		probe = ticker.C
	}

	log.Printf("Liveness tracker started: sweep every %v, probe enabled %v", t.cfg.SweepInterval, t.cfg.ProbeEnabled)
	for {
		select {
		case <-ctx.Done():
			log.Println("Liveness tracker stopped.")
			return
		case <-sweep.C:
			if _, err := t.SweepOnce(ctx); err != nil {
				log.Printf("Error during liveness sweep: %v", err)
			}
		case <-probe:
			if err := t.ProbeOnce(ctx); err != nil {
				log.Printf("Error during device probe: %v", err)
			}
		}
	}
}

// SweepOnce marks every active device silent for longer than the inactivity
// threshold as inactive and returns their serials.
func (t *Tracker) SweepOnce(ctx context.Context) ([]string, error) {
	now := t.now()
	serials, err := t.store.MarkInactiveBefore(ctx, now.Add(-t.cfg.InactivityThreshold))
	if err != nil {
		return nil, err
	}
	for _, serial := range serials {
		log.Printf("Device %s inactive: no contact for %v", serial, t.cfg.InactivityThreshold)
		t.wentInactive(serial, now)
	}
	return serials, nil
}

// ProbeOnce dials every device with a known address, bounded by the probe
// concurrency.
func (t *Tracker) ProbeOnce(ctx context.Context) error {
	devices, err := t.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices for probing: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.ProbeConcurrency)
	for _, d := range devices {
		if d.LastIP == "" || d.IsPlaceholder() {
			continue
		}
		d := d
		g.Go(func() error {
			t.record(gctx, d, t.probe(gctx, d))
			return nil
		})
	}
	return g.Wait()
}

// Failures returns the current consecutive probe failure count for serial.
func (t *Tracker) Failures(serial string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[serial]
}

func (t *Tracker) probe(ctx context.Context, d model.Device) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	addr := net.JoinHostPort(d.LastIP, strconv.Itoa(t.devicePort))
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.ProbeTimeout))
	_, err = conn.Write(wire.Encode(parse.KindStatus.Byte(), d.SerialNumber))
	return err
}

func (t *Tracker) record(ctx context.Context, d model.Device, probeErr error) {
	now := t.now()
	if probeErr == nil {
		t.mu.Lock()
		delete(t.failures, d.SerialNumber)
		t.mu.Unlock()

		if d.IsActive {
			return
		}
		if err := t.store.SetDeviceActive(ctx, d.SerialNumber, true, now); err != nil {
			log.Printf("Error marking device %s active: %v", d.SerialNumber, err)
			return
		}
		log.Printf("Device %s answered probe, marked active", d.SerialNumber)
		t.publisher.Publish(events.Event{Type: events.TypeActive, DeviceID: d.SerialNumber, At: now})
		return
	}

	t.mu.Lock()
	t.failures[d.SerialNumber]++
	failures := t.failures[d.SerialNumber]
	t.mu.Unlock()

	if !d.IsActive || failures < t.cfg.FailureThreshold {
		return
	}
	if err := t.store.SetDeviceActive(ctx, d.SerialNumber, false, time.Time{}); err != nil {
		log.Printf("Error marking device %s inactive: %v", d.SerialNumber, err)
		return
	}
	log.Printf("Device %s failed %d probes, marked inactive: %v", d.SerialNumber, failures, probeErr)
	t.wentInactive(d.SerialNumber, now)
}

func (t *Tracker) wentInactive(serial string, at time.Time) {
	if t.notifier != nil {
		t.notifier.Dispatch(serial)
	}
	t.publisher.Publish(events.Event{Type: events.TypeInactive, DeviceID: serial, At: at})
}

// Package events publishes device activity to the uplink bus.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types.
const (
	TypeStatus    = "status"
	TypeDonation  = "donation"
	TypeSetup     = "setup"
	TypeActive    = "active"
	TypeInactive  = "inactive"
	TypeSerialSet = "serial_changed"
)

// Event is one device activity notice.
type Event struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"device_id"`
	At       time.Time   `json:"at"`
	Data     interface{} `json:"data,omitempty"`
}

// Publisher delivers events. Implementations must not block the caller on
// a slow or absent bus.
type Publisher interface {
	Publish(ev Event)
	Close()
}

// conn is the subset of *nats.Conn used for publishing.
type conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes every event to <prefix>.uplink.<type> and
// <prefix>.uplink.all.
type NATSPublisher struct {
	nc     conn
	prefix string
}

// Connect dials the NATS server at url.
func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("labgateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject is the per-type subject for t.
func (p *NATSPublisher) Subject(t string) string {
	return fmt.Sprintf("%s.uplink.%s", p.prefix, t)
}

func (p *NATSPublisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Failed to encode %s event for %s: %v", ev.Type, ev.DeviceID, err)
		return
	}
	for _, subject := range []string{p.Subject(ev.Type), p.Subject("all")} {
		if err := p.nc.Publish(subject, data); err != nil {
			log.Printf("Failed to publish %s: %v", subject, err)
		}
	}
}

func (p *NATSPublisher) Close() {
	p.nc.Close()
}

// Nop discards every event. It is used when no bus is configured.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close()        {}

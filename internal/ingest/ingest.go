// Package ingest turns one received frame into stored records and the
// protocol reply the device expects.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"labdevice-gateway/internal/dedup"
	"labdevice-gateway/internal/events"
	"labdevice-gateway/internal/model"
	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/store"
	"labdevice-gateway/internal/wire"
)

// Frame is one raw frame as read from a connection.
type Frame struct {
	Raw        []byte
	RemoteIP   string
	RemotePort int
	ReceivedAt time.Time
}

// Result describes what Process did with a frame. Reply is nil when the
// device expects no answer.
type Result struct {
	Kind      parse.Kind
	DeviceID  string
	Message   *parse.Message
	Reply     []byte
	Duplicate bool
	Stored    bool
}

// Ingestor runs the decode, register, dedup, persist, publish and reply
// steps for every frame. It is shared by all sessions.
type Ingestor struct {
	store     store.Store
	window    *dedup.Window
	publisher events.Publisher
}

// New creates an Ingestor. A nil publisher discards events.
func New(s store.Store, w *dedup.Window, p events.Publisher) *Ingestor {
	if p == nil {
		p = events.Nop{}
	}
	return &Ingestor{store: s, window: w, publisher: p}
}

// PlaceholderID is the temporary device id of a peer at ip.
func PlaceholderID(ip string) string {
	return model.PlaceholderSerial(ip)
}

// RegisterPeer records a bare TCP connect under the placeholder id.
func (i *Ingestor) RegisterPeer(ctx context.Context, ip string, port int, at time.Time) error {
	if err := i.store.RegisterPeer(ctx, ip, port, at); err != nil {
		return fmt.Errorf("register peer %s:%d: %w", ip, port, err)
	}
	return nil
}

// RegisterDevice records contact from deviceID over f's connection.
func (i *Ingestor) RegisterDevice(ctx context.Context, deviceID string, f Frame) error {
	if err := i.store.RegisterDevice(ctx, deviceID, f.RemoteIP, f.RemotePort, f.ReceivedAt); err != nil {
		return fmt.Errorf("register device %s: %w", deviceID, err)
	}
	return nil
}

// Process handles one frame. It never panics on device input; persistence
// failures are logged and the reply is still computed.
func (i *Ingestor) Process(ctx context.Context, f Frame) Result {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}

	text := wire.Normalize(f.Raw)
	msg := parse.Decode(text)
	if msg == nil {
		return Result{Kind: parse.Classify(text)}
	}

	res := Result{Kind: msg.Kind, DeviceID: msg.DeviceID, Message: msg}
	switch msg.Kind {
	case parse.KindStatus:
		i.handleStatus(ctx, f, msg.Status, &res)
	case parse.KindData:
		i.handleDonation(ctx, f, msg, &res)
	case parse.KindConfigResponse:
		i.touch(ctx, msg.DeviceID, f)
		i.handleSetup(ctx, f, msg.Config, &res)
	case parse.KindNoMoreData:
		i.touch(ctx, msg.DeviceID, f)
		log.Printf("Device %s has no more buffered data.", msg.DeviceID)
	case parse.KindAck, parse.KindSerialChangeResult, parse.KindConfigWriteAck, parse.KindConfigWriteConfirm:
		i.touch(ctx, msg.DeviceID, f)
		log.Printf("Received %s from %s (%s:%d).", msg.Kind, msg.DeviceID, f.RemoteIP, f.RemotePort)
	case parse.KindPullRequest, parse.KindSerialChange, parse.KindTimeSync, parse.KindConfigRequest, parse.KindConfigWrite:
		log.Printf("Dropping server-only %s frame from %s:%d.", msg.Kind, f.RemoteIP, f.RemotePort)
	case parse.KindUnknown:
		log.Printf("Dropping unknown frame from %s:%d.", f.RemoteIP, f.RemotePort)
	}
	return res
}

func (i *Ingestor) handleStatus(ctx context.Context, f Frame, s *parse.Status, res *Result) {
	if s.DeviceID == "" {
		log.Printf("Warning: status frame from %s:%d has no device id, not replying.", f.RemoteIP, f.RemotePort)
		return
	}
	i.touch(ctx, s.DeviceID, f)

	if s.Available > 0 {
		res.Reply = wire.Encode(parse.KindPullRequest.Byte(), s.DeviceID)
	} else {
		res.Reply = wire.Encode(parse.KindAck.Byte(), s.DeviceID)
	}

	fp, fresh := i.admit(f)
	if !fresh {
		res.Duplicate = true
		return
	}

	rec := &model.StatusRecord{
		DeviceSerial: s.DeviceID,
		ReceivedAt:   f.ReceivedAt,
		DeviceTime:   s.DeviceTime,
		StatusCode:   s.StatusCode,
		State:        s.State.String(),
		Available:    s.Available,
		Checksum:     s.Checksum,
		SourceIP:     f.RemoteIP,
		SourcePort:   f.RemotePort,
		Fingerprint:  fp,
	}
	if err := i.store.SaveStatus(ctx, rec); err != nil {
		log.Printf("Error saving status from %s: %v", s.DeviceID, err)
		return
	}
	res.Stored = true
	i.publisher.Publish(events.Event{Type: events.TypeStatus, DeviceID: s.DeviceID, At: f.ReceivedAt, Data: rec})
}

func (i *Ingestor) handleDonation(ctx context.Context, f Frame, msg *parse.Message, res *Result) {
	d := msg.Donation
	if d.DeviceID == "" {
		log.Printf("Warning: data frame from %s:%d has no device id, not replying.", f.RemoteIP, f.RemotePort)
		return
	}
	i.touch(ctx, d.DeviceID, f)
	res.Reply = wire.Encode(parse.KindAck.Byte(), d.DeviceID)

	fp, fresh := i.admit(f)
	if !fresh {
		res.Duplicate = true
		return
	}

	rec := donationRecord(f, msg.Kind, d)
	rec.Fingerprint = fp
	if err := i.store.SaveDonation(ctx, rec); err != nil {
		log.Printf("Error saving donation from %s: %v", d.DeviceID, err)
		return
	}
	res.Stored = true
	i.publisher.Publish(events.Event{Type: events.TypeDonation, DeviceID: d.DeviceID, At: f.ReceivedAt, Data: rec})
}

func (i *Ingestor) handleSetup(ctx context.Context, f Frame, cfg *parse.Configuration, res *Result) {
	setup := model.NewDeviceSetup(cfg, f.ReceivedAt)
	if err := i.store.SaveSetup(ctx, setup); err != nil {
		log.Printf("Error saving configuration from %s: %v", cfg.DeviceID, err)
		return
	}
	res.Stored = true
	if !cfg.Complete {
		log.Printf("Configuration from %s was truncated, stored the decoded part.", cfg.DeviceID)
	}
	i.publisher.Publish(events.Event{Type: events.TypeSetup, DeviceID: cfg.DeviceID, At: f.ReceivedAt})
}

func donationRecord(f Frame, kind parse.Kind, d *parse.Donation) *model.DonationRecord {
	rec := &model.DonationRecord{
		DeviceSerial: d.DeviceID,
		ReceivedAt:   f.ReceivedAt,
		DeviceTime:   d.DeviceTime,
		Kind:         kind.Prefix(),
		RawPayload:   wire.Latin1(f.Raw),
		SourceIP:     f.RemoteIP,
		SourcePort:   f.RemotePort,
		Checksum:     d.Checksum,
	}
	if b := d.Barcode; b != nil {
		rec.RefCode = b.RefCode
		rec.DonationID = b.DonationID
		rec.OperatorID = b.OperatorID
		rec.LotNumber = b.LotNumber
	}
	if l := d.Lipemic; l != nil {
		value := l.Value
		rec.LipemicValue = &value
		rec.LipemicGroup = string(l.Group)
		rec.LipemicStatus = l.Status
		rec.IsLipemic = l.IsLipemic()
	}
	return rec
}

// admit fingerprints f and reports whether it is new within the window.
func (i *Ingestor) admit(f Frame) (string, bool) {
	fp := dedup.Fingerprint(f.Raw, f.RemoteIP, f.RemotePort, f.ReceivedAt)
	if !i.window.TryAdd(fp) {
		log.Printf("Duplicate frame from %s:%d, acknowledging without storing.", f.RemoteIP, f.RemotePort)
		return fp, false
	}
	return fp, true
}

// touch registers contact and logs a failure without interrupting the frame.
func (i *Ingestor) touch(ctx context.Context, deviceID string, f Frame) {
	if deviceID == "" {
		return
	}
	if err := i.RegisterDevice(ctx, deviceID, f); err != nil {
		log.Printf("Error: %v", err)
	}
}

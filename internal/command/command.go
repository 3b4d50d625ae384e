// Package command drives admin-issued device commands: direct-dial serial
// change and time sync, and correlated configuration read and write.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"labdevice-gateway/config"
	"labdevice-gateway/internal/correlator"
	"labdevice-gateway/internal/events"
	"labdevice-gateway/internal/model"
	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/store"
	"labdevice-gateway/internal/wire"
)

// ErrNoAddress is returned for a device that never connected from a known IP.
var ErrNoAddress = errors.New("device has no known address")

// timeSyncFlag is the literal trailing flag of a #t frame.
const timeSyncFlag = "N"

// Dialer opens outbound device connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Service issues commands to devices and records each one as a DeviceCommand.
type Service struct {
	store      store.Store
	correlator *correlator.Correlator
	dialer     Dialer
	publisher  events.Publisher
	cfg        config.DeviceConfig
	maxFrame   int
}

// NewService creates a command service. A nil dialer uses net.Dialer.
func NewService(s store.Store, c *correlator.Correlator, d Dialer, p events.Publisher, cfg config.DeviceConfig) *Service {
	if d == nil {
		d = &net.Dialer{}
	}
	if p == nil {
		p = events.Nop{}
	}
	return &Service{store: s, correlator: c, dialer: d, publisher: p, cfg: cfg, maxFrame: 64 * 1024}
}

// ChangeSerial asks the device to rename itself. It returns false without
// an error when the device answered but did not confirm the change.
func (s *Service) ChangeSerial(ctx context.Context, serial, newSerial string) (bool, error) {
	addr, err := s.address(ctx, serial)
	if err != nil {
		return false, err
	}
	cmdID := s.begin(ctx, serial, model.CmdSerialChange, newSerial)

	reply, err := s.exchange(ctx, addr, wire.Encode(parse.KindSerialChange.Byte(), serial, newSerial), s.cfg.SerialChangeTimeout)
	if err != nil {
		s.finish(ctx, cmdID, model.CommandFailed, "", err)
		return false, err
	}
	response := wire.Latin1(reply)

	if !parse.ValidateSerialChange(string(reply), serial, newSerial) {
		log.Printf("Device %s did not confirm serial change to %s: %q", serial, newSerial, reply)
		s.finish(ctx, cmdID, model.CommandFailed, response, errors.New("serial change not confirmed"))
		return false, nil
	}

	if err := s.store.RenameDevice(ctx, serial, newSerial); err != nil {
		s.finish(ctx, cmdID, model.CommandFailed, response, err)
		return true, fmt.Errorf("device accepted serial %s but rename failed: %w", newSerial, err)
	}
	s.finish(ctx, cmdID, model.CommandSuccess, response, nil)
	s.publisher.Publish(events.Event{Type: events.TypeSerialSet, DeviceID: newSerial, At: time.Now(), Data: map[string]string{"old": serial}})
	return true, nil
}

// SyncTime sets the device clock to t. Devices send no reply.
func (s *Service) SyncTime(ctx context.Context, serial string, t time.Time) error {
	addr, err := s.address(ctx, serial)
	if err != nil {
		return err
	}
	value := wire.FormatTimeSync(t)
	cmdID := s.begin(ctx, serial, model.CmdTimeSync, value)

	if err := s.send(ctx, addr, wire.Encode(parse.KindTimeSync.Byte(), serial, value, timeSyncFlag)); err != nil {
		s.finish(ctx, cmdID, model.CommandFailed, "", err)
		return err
	}
	s.finish(ctx, cmdID, model.CommandSuccess, "", nil)
	return nil
}

// ReadConfiguration requests the device configuration. The #R reply arrives
// on the device's passive connection and is routed back by the correlator.
func (s *Service) ReadConfiguration(ctx context.Context, serial string) (*parse.Configuration, error) {
	addr, err := s.address(ctx, serial)
	if err != nil {
		return nil, err
	}
	cmdID := s.begin(ctx, serial, model.CmdConfigRead, "")

	reply, err := s.correlator.QueueCommand(ctx, serial, parse.KindConfigResponse.Prefix(), s.cfg.ConfigReplyTimeout,
		func(ctx context.Context) error {
			return s.send(ctx, addr, wire.Encode(parse.KindConfigRequest.Byte(), serial))
		})
	if err != nil {
		s.finish(ctx, cmdID, statusFor(err), "", err)
		return nil, err
	}

	cfg, err := parse.ParseConfiguration(reply)
	if err != nil {
		s.finish(ctx, cmdID, model.CommandFailed, wire.Latin1([]byte(reply)), err)
		return nil, err
	}
	s.finish(ctx, cmdID, model.CommandSuccess, wire.Latin1([]byte(reply)), nil)
	return cfg, nil
}

// WriteConfiguration sends cfg as a #W frame and waits for the device's
// final #f confirmation. The confirmed configuration becomes the stored setup.
func (s *Service) WriteConfiguration(ctx context.Context, serial string, cfg *parse.Configuration) error {
	addr, err := s.address(ctx, serial)
	if err != nil {
		return err
	}
	written := *cfg
	written.DeviceID = serial
	if err := written.Validate(); err != nil {
		return err
	}
	frame := written.Frame(parse.KindConfigWrite)
	cmdID := s.begin(ctx, serial, model.CmdConfigWrite, wire.Latin1(frame))

	reply, err := s.correlator.QueueCommand(ctx, serial, parse.KindConfigWriteConfirm.Prefix(), s.cfg.ConfigReplyTimeout,
		func(ctx context.Context) error {
			return s.send(ctx, addr, frame)
		})
	if err != nil {
		s.finish(ctx, cmdID, statusFor(err), "", err)
		return err
	}

	written.Complete = true
	if err := s.store.SaveSetup(ctx, model.NewDeviceSetup(&written, time.Now())); err != nil {
		log.Printf("Error saving written configuration for %s: %v", serial, err)
	}
	s.finish(ctx, cmdID, model.CommandSuccess, wire.Latin1([]byte(reply)), nil)
	return nil
}

func (s *Service) address(ctx context.Context, serial string) (string, error) {
	device, err := s.store.GetDevice(ctx, serial)
	if err != nil {
		return "", fmt.Errorf("device %s: %w", serial, err)
	}
	if device.LastIP == "" {
		return "", fmt.Errorf("device %s: %w", serial, ErrNoAddress)
	}
	return net.JoinHostPort(device.LastIP, strconv.Itoa(s.cfg.Port)), nil
}

func (s *Service) dial(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// send writes one frame over a fresh connection.
func (s *Service) send(ctx context.Context, addr string, frame []byte) error {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// exchange writes one frame and reads one reply frame on the same connection.
func (s *Service) exchange(ctx context.Context, addr string, frame []byte, replyTimeout time.Duration) ([]byte, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write to %s: %w", addr, err)
	}

	if replyTimeout <= 0 {
		replyTimeout = s.cfg.IOTimeout
	}
	conn.SetReadDeadline(time.Now().Add(replyTimeout))
	r := wire.NewReader(conn, s.maxFrame)
	reply, err := r.Next()
	if err != nil {
		// Some firmware omits the terminator on #I and keeps the socket open.
		if partial := r.Partial(); len(partial) > 0 && (isTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF)) {
			log.Printf("Using unterminated reply from %s: %q", addr, partial)
			return partial, nil
		}
		return nil, fmt.Errorf("read reply from %s: %w", addr, err)
	}
	return reply, nil
}

func (s *Service) begin(ctx context.Context, serial, command, params string) string {
	id := uuid.NewString()
	cmd := &model.DeviceCommand{
		ID:           id,
		DeviceSerial: serial,
		Command:      command,
		Params:       params,
		Status:       model.CommandPending,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		log.Printf("Error recording %s command for %s: %v", command, serial, err)
	}
	log.Printf("Sending %s to device %s (command %s).", command, serial, id)
	return id
}

func (s *Service) finish(ctx context.Context, id, status, response string, cause error) {
	var errMsg string
	if cause != nil {
		errMsg = cause.Error()
		log.Printf("Command %s %s: %v", id, status, cause)
	}
	// The command row is updated even when the caller's context is done.
	if err := s.store.CompleteCommand(context.WithoutCancel(ctx), id, status, response, errMsg, time.Now()); err != nil {
		log.Printf("Error completing command %s: %v", id, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusFor(err error) string {
	if errors.Is(err, correlator.ErrTimeout) {
		return model.CommandTimeout
	}
	return model.CommandFailed
}

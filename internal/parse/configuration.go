package parse

import (
	"fmt"
	"strconv"
	"strings"

	"labdevice-gateway/internal/wire"
)

const (
	profileMarker     = "P"
	profileCount      = 20
	barcodeRuleMarker = "B"
	barcodeRuleCount  = 6
	thresholdCount    = 3

	defaultRemotePort = 5000

	// emptyCode stands in for an empty barcode start code.
	emptyCode = "-"
)

// Profile is one of the fixed profile slots of a device configuration.
type Profile struct {
	Name    string `json:"name"`
	RefCode string `json:"ref_code"`
	Offset  int    `json:"offset"`
}

// BarcodeRule describes how the device validates a scanned barcode.
type BarcodeRule struct {
	MinLength int    `json:"min_length"`
	MaxLength int    `json:"max_length"`
	StartCode string `json:"start_code"`
	StopCode  string `json:"stop_code"`
}

// Configuration is a decoded #R frame. Complete is false when the frame ended
// before the last section; the fields decoded up to that point are kept.
type Configuration struct {
	DeviceID        string
	SoftwareVersion string
	HardwareVersion string
	ServerAddress   string
	DeviceIP        string
	SubnetMask      string
	RemotePort      int
	LocalPort       int
	Thresholds      [thresholdCount]int

	Profiles []Profile

	TransferEnabled bool
	BarcodeEnabled  bool
	OperatorEnabled bool
	LotEnabled      bool

	SSID         string
	WiFiMode     string
	SecurityType string
	WiFiPassword string

	BarcodeRules []BarcodeRule

	Complete bool
}

// ParseConfiguration decodes the long positional #R record.
func ParseConfiguration(text string) (*Configuration, error) {
	fields := wire.Split(text)
	if len(fields) < 2 || fields[1] == "" {
		return nil, fmt.Errorf("configuration frame has no device id: %w", ErrTooFewFields)
	}

	cfg := &Configuration{RemotePort: defaultRemotePort}
	c := newCursor(fields)
	c.next() // prefix

	if !readIdentity(c, cfg) || !readThresholds(c, cfg) {
		return cfg, nil
	}
	if c.marker(profileMarker) && !readProfiles(c, cfg) {
		return cfg, nil
	}
	if !readFlags(c, cfg) || !readWiFi(c, cfg) {
		return cfg, nil
	}
	if c.marker(barcodeRuleMarker) && !readBarcodeRules(c, cfg) {
		return cfg, nil
	}
	cfg.Complete = true
	return cfg, nil
}

func readIdentity(c *cursor, cfg *Configuration) bool {
	for _, dst := range []*string{
		&cfg.DeviceID, &cfg.SoftwareVersion, &cfg.HardwareVersion,
		&cfg.ServerAddress, &cfg.DeviceIP, &cfg.SubnetMask,
	} {
		v, ok := c.next()
		if !ok {
			return false
		}
		*dst = v
	}

	var ok bool
	if cfg.RemotePort, ok = c.nextInt(defaultRemotePort); !ok {
		return false
	}
	cfg.LocalPort, ok = c.nextInt(0)
	return ok
}

func readThresholds(c *cursor, cfg *Configuration) bool {
	for i := range cfg.Thresholds {
		v, ok := c.nextInt(0)
		if !ok {
			return false
		}
		cfg.Thresholds[i] = v
	}
	return true
}

func readProfiles(c *cursor, cfg *Configuration) bool {
	cfg.Profiles = make([]Profile, 0, profileCount)
	for i := 0; i < profileCount; i++ {
		name, ok := c.next()
		if !ok {
			return false
		}
		ref, ok := c.next()
		if !ok {
			cfg.Profiles = append(cfg.Profiles, Profile{Name: name})
			return false
		}
		offset, ok := c.nextInt(0)
		cfg.Profiles = append(cfg.Profiles, Profile{Name: name, RefCode: ref, Offset: offset})
		if !ok {
			return false
		}
	}
	return true
}

func readFlags(c *cursor, cfg *Configuration) bool {
	for _, dst := range []*bool{&cfg.TransferEnabled, &cfg.BarcodeEnabled, &cfg.OperatorEnabled, &cfg.LotEnabled} {
		v, ok := c.nextFlag()
		if !ok {
			return false
		}
		*dst = v
	}
	return true
}

func readWiFi(c *cursor, cfg *Configuration) bool {
	for _, dst := range []*string{&cfg.SSID, &cfg.WiFiMode, &cfg.SecurityType, &cfg.WiFiPassword} {
		v, ok := c.next()
		if !ok {
			return false
		}
		*dst = v
	}
	return true
}

func readBarcodeRules(c *cursor, cfg *Configuration) bool {
	cfg.BarcodeRules = make([]BarcodeRule, 0, barcodeRuleCount)
	for i := 0; i < barcodeRuleCount; i++ {
		entry, ok := c.next()
		if !ok {
			return false
		}
		cfg.BarcodeRules = append(cfg.BarcodeRules, parseBarcodeRule(entry))
	}
	return true
}

// parseBarcodeRule decodes a space separated "min max start stop" entry.
func parseBarcodeRule(entry string) BarcodeRule {
	parts := strings.Fields(entry)
	get := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}
	return BarcodeRule{
		MinLength: atoi(get(0), 0),
		MaxLength: atoi(get(1), 0),
		StartCode: code(get(2)),
		StopCode:  get(3),
	}
}

func code(s string) string {
	if s == emptyCode {
		return ""
	}
	return s
}

// Fields renders the configuration in #R wire order, without the prefix.
// Profile and barcode rule sections are padded to their fixed sizes.
func (cfg *Configuration) Fields() []string {
	fields := []string{
		cfg.DeviceID, cfg.SoftwareVersion, cfg.HardwareVersion,
		cfg.ServerAddress, cfg.DeviceIP, cfg.SubnetMask,
		strconv.Itoa(cfg.RemotePort), strconv.Itoa(cfg.LocalPort),
	}
	for _, t := range cfg.Thresholds {
		fields = append(fields, strconv.Itoa(t))
	}

	fields = append(fields, profileMarker)
	for i := 0; i < profileCount; i++ {
		var p Profile
		if i < len(cfg.Profiles) {
			p = cfg.Profiles[i]
		}
		fields = append(fields, p.Name, p.RefCode, strconv.Itoa(p.Offset))
	}

	fields = append(fields,
		flag(cfg.TransferEnabled), flag(cfg.BarcodeEnabled), flag(cfg.OperatorEnabled), flag(cfg.LotEnabled),
		cfg.SSID, cfg.WiFiMode, cfg.SecurityType, cfg.WiFiPassword,
	)

	fields = append(fields, barcodeRuleMarker)
	for i := 0; i < barcodeRuleCount; i++ {
		var r BarcodeRule
		if i < len(cfg.BarcodeRules) {
			r = cfg.BarcodeRules[i]
		}
		fields = append(fields, r.field())
	}
	return fields
}

// field renders "min max start stop". An empty start code before a stop
// code is written as emptyCode so that the stop code keeps its position.
func (r BarcodeRule) field() string {
	start := r.StartCode
	if start == "" && r.StopCode != "" {
		start = emptyCode
	}
	return strings.TrimSpace(fmt.Sprintf("%d %d %s %s", r.MinLength, r.MaxLength, start, r.StopCode))
}

// Validate checks that every field survives encoding unchanged. Codes and
// texts must not contain spaces where the wire form is space separated.
func (cfg *Configuration) Validate() error {
	for i, f := range cfg.Fields() {
		if !wire.ValidField(f) {
			return fmt.Errorf("configuration field %d %q: %w", i+1, f, ErrInvalidField)
		}
	}
	for i, r := range cfg.BarcodeRules {
		if strings.ContainsAny(r.StartCode, " ") || strings.ContainsAny(r.StopCode, " ") || r.StartCode == emptyCode {
			return fmt.Errorf("barcode rule %d: %w", i+1, ErrInvalidField)
		}
	}
	return nil
}

// Frame encodes the configuration with the given kind, #R for a response
// and #W for a write command.
func (cfg *Configuration) Frame(kind Kind) []byte {
	return wire.Encode(kind.Byte(), cfg.Fields()...)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

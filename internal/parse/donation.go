package parse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"labdevice-gateway/internal/wire"
)

const (
	// barcodeMarker follows the timestamp of a data frame in barcode mode.
	barcodeMarker = "B"
	// barcodeFieldCount is refCode, donationId, operatorId, lotNumber.
	barcodeFieldCount = 4
	// lipemicMarker precedes value, group and status.
	lipemicMarker = "M"
	// lipemicFieldCount is value, group, status.
	lipemicFieldCount = 3
)

// LipemicGroup is the I–IV lipemia classification.
type LipemicGroup string

const (
	LipemicGroupI   LipemicGroup = "I"
	LipemicGroupII  LipemicGroup = "II"
	LipemicGroupIII LipemicGroup = "III"
	LipemicGroupIV  LipemicGroup = "IV"
)

// Valid reports whether g is one of the four known groups.
func (g LipemicGroup) Valid() bool {
	switch g {
	case LipemicGroupI, LipemicGroupII, LipemicGroupIII, LipemicGroupIV:
		return true
	}
	return false
}

// Barcode holds the optional barcode-mode fields of a data frame.
type Barcode struct {
	RefCode    string
	DonationID string
	OperatorID string
	LotNumber  string
}

// Lipemic is the lipemia measurement of a data frame.
type Lipemic struct {
	Value  int
	Group  LipemicGroup
	Status string
}

// IsLipemic reports whether the device flagged the sample as failing.
func (l *Lipemic) IsLipemic() bool {
	s := strings.TrimSpace(l.Status)
	return strings.EqualFold(s, "FAILED") || strings.EqualFold(s, "FAIL")
}

// Donation is a decoded #D frame.
type Donation struct {
	DeviceID   string
	DeviceTime time.Time
	Barcode    *Barcode
	Lipemic    *Lipemic
	Checksum   string
}

// ParseDonation decodes [prefix, deviceId, timestamp, [B ref don op lot], ..., [M value group status], checksum].
// The final field is the checksum unless it was consumed by a section.
func ParseDonation(text string) (*Donation, error) {
	fields := wire.Split(text)
	if len(fields) < minRecordFields {
		return nil, fmt.Errorf("data frame has %d fields: %w", len(fields), ErrTooFewFields)
	}

	d := &Donation{
		DeviceID:   fields[1],
		DeviceTime: wire.ParseTimestamp(fields[2]),
	}

	pos := 3
	consumed := 2
	if field(fields, pos) == barcodeMarker {
		d.Barcode = &Barcode{
			RefCode:    field(fields, pos+1),
			DonationID: field(fields, pos+2),
			OperatorID: field(fields, pos+3),
			LotNumber:  field(fields, pos+4),
		}
		consumed = min(pos+barcodeFieldCount, len(fields)-1)
		pos += 1 + barcodeFieldCount
	}

	if m := find(fields, pos, lipemicMarker); m >= 0 {
		d.Lipemic = &Lipemic{
			Value:  atoi(field(fields, m+1), 0),
			Group:  LipemicGroup(strings.ToUpper(field(fields, m+2))),
			Status: field(fields, m+3),
		}
		consumed = min(m+lipemicFieldCount, len(fields)-1)
	}

	if last := len(fields) - 1; last > consumed {
		d.Checksum = fields[last]
	}
	return d, nil
}

// Fields renders the donation in wire order, without the prefix.
func (d *Donation) Fields() []string {
	fields := []string{d.DeviceID, wire.FormatTimestamp(d.DeviceTime)}
	if d.Barcode != nil {
		fields = append(fields, barcodeMarker,
			d.Barcode.RefCode, d.Barcode.DonationID, d.Barcode.OperatorID, d.Barcode.LotNumber)
	}
	if d.Lipemic != nil {
		fields = append(fields, lipemicMarker,
			strconv.Itoa(d.Lipemic.Value), string(d.Lipemic.Group), d.Lipemic.Status)
	}
	if d.Checksum != "" {
		fields = append(fields, d.Checksum)
	}
	return fields
}

// Frame encodes the donation as a #D frame.
func (d *Donation) Frame() []byte {
	return wire.Encode(KindData.Byte(), d.Fields()...)
}

package parse

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labdevice-gateway/internal/wire"
)

func join(fields ...string) string {
	return strings.Join(fields, separator)
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		text     string
		expected Kind
	}{
		{"#S\xaaLD1", KindStatus},
		{"#D\xaaLD1", KindData},
		{"#u\xaaLD1", KindPullRequest},
		{"#A", KindAck},
		{"#U\xaaLD1", KindNoMoreData},
		{"#I\xaaA\xaaB\xaaOK", KindSerialChangeResult},
		{"#R\xaaLD1", KindConfigResponse},
		{"#w\xaaLD1", KindConfigWriteAck},
		{"#f\xaaLD1", KindConfigWriteConfirm},
		{"#X\xaaLD1", KindUnknown},
		{"S\xaaLD1", KindUnknown},
		{"#", KindUnknown},
		{"", KindUnknown},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%q", tc.text), func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.text))
		})
	}
}

func TestKindPrefix(t *testing.T) {
	assert.Equal(t, "#u", KindPullRequest.Prefix())
	assert.Equal(t, "#R", KindConfigResponse.Prefix())
	assert.Equal(t, "", KindUnknown.Prefix())
	assert.True(t, KindStatus.Inbound())
	assert.False(t, KindPullRequest.Inbound())
	assert.Equal(t, "no_more_data", KindNoMoreData.String())
}

func TestParseStatus(t *testing.T) {
	text := wire.Normalize([]byte("#S\xaaLD0000000\xaa0\xaa14:18:2826:02:2025\xaa1\xaaD7\xfd"))

	s, err := ParseStatus(text)
	require.NoError(t, err)
	assert.Equal(t, "LD0000000", s.DeviceID)
	assert.Equal(t, 0, s.StatusCode)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, "D7", s.Checksum)
	assert.True(t, s.DeviceTime.Equal(time.Date(2025, time.February, 26, 14, 18, 28, 0, time.Local)))
}

func TestParseStatusNumericFallback(t *testing.T) {
	testCases := []struct {
		name      string
		text      string
		code      int
		state     DeviceState
		available int
	}{
		{"non numeric", join("#S", "LD1", "abc", "T", "xyz"), 0, StateIdle, 0},
		{"negative available", join("#S", "LD1", "1", "T", "-3"), 1, StateProcessing, 0},
		{"unknown state", join("#S", "LD1", "7", "T", "4"), 7, StateUnknown, 4},
		{"complete", join("#S", "LD1", "2", "T", "0", "CS"), 2, StateComplete, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ParseStatus(tc.text)
			require.NoError(t, err)
			assert.Equal(t, "LD1", s.DeviceID)
			assert.Equal(t, tc.code, s.StatusCode)
			assert.Equal(t, tc.state, s.State)
			assert.Equal(t, tc.available, s.Available)
		})
	}
}

func TestParseStatusTooFewFields(t *testing.T) {
	_, err := ParseStatus(join("#S", "LD1", "0", "T"))
	assert.ErrorIs(t, err, ErrTooFewFields)
}

func TestSeparatorEquivalence(t *testing.T) {
	canonical, err := ParseStatus(wire.Normalize([]byte("#S\xaaLD1\xaa1\xaa14:18:2826:02:2025\xaa3\xaaD7\xfd")))
	require.NoError(t, err)

	for _, sep := range []string{"|", "?", "*"} {
		t.Run(sep, func(t *testing.T) {
			raw := strings.Join([]string{"#S", "LD1", "1", "14:18:2826:02:2025", "3", "D7"}, sep) + "\n"
			got, err := ParseStatus(wire.Normalize([]byte(raw)))
			require.NoError(t, err)
			assert.Equal(t, canonical, got)
		})
	}
}

func TestParseDonationBarcodeAndLipemic(t *testing.T) {
	raw := "#D\xaaLD1\xaa14:18:2826:02:2025\xaaB\xaaREF1\xaaDON1\xaaOP1\xaaLOT1\xaaM\xaa850\xaaII\xaaPASSED\xaaC3\xfd"

	d, err := ParseDonation(wire.Normalize([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, "LD1", d.DeviceID)
	require.NotNil(t, d.Barcode)
	assert.Equal(t, Barcode{RefCode: "REF1", DonationID: "DON1", OperatorID: "OP1", LotNumber: "LOT1"}, *d.Barcode)
	require.NotNil(t, d.Lipemic)
	assert.Equal(t, 850, d.Lipemic.Value)
	assert.Equal(t, LipemicGroupII, d.Lipemic.Group)
	assert.Equal(t, "PASSED", d.Lipemic.Status)
	assert.False(t, d.Lipemic.IsLipemic())
	assert.Equal(t, "C3", d.Checksum)
}

func TestParseDonationWithoutBarcode(t *testing.T) {
	d, err := ParseDonation(join("#D", "LD1", "14182826022025", "M", "900", "iii", "FAILED", "AB"))
	require.NoError(t, err)
	assert.Nil(t, d.Barcode)
	require.NotNil(t, d.Lipemic)
	assert.Equal(t, LipemicGroupIII, d.Lipemic.Group)
	assert.True(t, d.Lipemic.Group.Valid())
	assert.True(t, d.Lipemic.IsLipemic())
	assert.Equal(t, "AB", d.Checksum)
}

func TestParseDonationEmptyBarcodeFields(t *testing.T) {
	d, err := ParseDonation(join("#D", "LD1", "T", "B", "REF1", "", "", "LOT9", "CS"))
	require.NoError(t, err)
	require.NotNil(t, d.Barcode)
	assert.Equal(t, "", d.Barcode.DonationID)
	assert.Equal(t, "", d.Barcode.OperatorID)
	assert.Equal(t, "LOT9", d.Barcode.LotNumber)
	assert.Nil(t, d.Lipemic)
	assert.Equal(t, "CS", d.Checksum)
}

func TestParseDonationTooFewFields(t *testing.T) {
	_, err := ParseDonation(join("#D", "LD1", "T", "B"))
	assert.ErrorIs(t, err, ErrTooFewFields)
}

func TestDonationRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		in   Donation
	}{
		{
			name: "barcode and lipemic",
			in: Donation{
				DeviceID:   "LD0000042",
				DeviceTime: time.Date(2025, time.March, 4, 9, 5, 7, 0, time.Local),
				Barcode:    &Barcode{RefCode: "R-7", DonationID: "D123", OperatorID: "", LotNumber: "L55"},
				Lipemic:    &Lipemic{Value: 1200, Group: LipemicGroupIV, Status: "FAILED"},
				Checksum:   "9F",
			},
		},
		{
			name: "lipemic only",
			in: Donation{
				DeviceID:   "LD7",
				DeviceTime: time.Date(2024, time.December, 31, 23, 59, 59, 0, time.Local),
				Lipemic:    &Lipemic{Value: 10, Group: LipemicGroupI, Status: "PASSED"},
				Checksum:   "01",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDonation(wire.Normalize(tc.in.Frame()))
			require.NoError(t, err)
			require.True(t, got.DeviceTime.Equal(tc.in.DeviceTime), "device time %v", got.DeviceTime)
			got.DeviceTime = tc.in.DeviceTime
			assert.Equal(t, tc.in, *got)
		})
	}
}

func fullConfiguration() *Configuration {
	cfg := &Configuration{
		DeviceID:        "LD0000001",
		SoftwareVersion: "2.1.0",
		HardwareVersion: "B",
		ServerAddress:   "192.168.1.10",
		DeviceIP:        "192.168.1.50",
		SubnetMask:      "255.255.255.0",
		RemotePort:      5000,
		LocalPort:       6000,
		Thresholds:      [3]int{400, 800, 1200},
		TransferEnabled: true,
		BarcodeEnabled:  true,
		OperatorEnabled: false,
		LotEnabled:      true,
		SSID:            "lab-net",
		WiFiMode:        "STA",
		SecurityType:    "WPA2",
		WiFiPassword:    "s3cret",
	}
	for i := 0; i < profileCount; i++ {
		cfg.Profiles = append(cfg.Profiles, Profile{Name: fmt.Sprintf("P%02d", i), RefCode: fmt.Sprintf("R%d", i), Offset: i - 5})
	}
	for i := 0; i < barcodeRuleCount; i++ {
		cfg.BarcodeRules = append(cfg.BarcodeRules, BarcodeRule{MinLength: i, MaxLength: 10 + i, StartCode: "A", StopCode: "Z"})
	}
	cfg.Complete = true
	return cfg
}

func TestConfigurationRoundTrip(t *testing.T) {
	want := fullConfiguration()

	got, err := ParseConfiguration(wire.Normalize(want.Frame(KindConfigResponse)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConfigurationRoundTrip_EmptyStartCode(t *testing.T) {
	want := fullConfiguration()
	want.BarcodeRules[0] = BarcodeRule{MinLength: 4, MaxLength: 12, StopCode: "Z"}
	want.BarcodeRules[1] = BarcodeRule{MinLength: 4, MaxLength: 12, StartCode: "A"}

	frame := want.Frame(KindConfigResponse)
	assert.Contains(t, string(frame), "4 12 - Z")

	got, err := ParseConfiguration(wire.Normalize(frame))
	require.NoError(t, err)
	assert.Equal(t, want.BarcodeRules, got.BarcodeRules)
}

func TestConfigurationValidate(t *testing.T) {
	assert.NoError(t, fullConfiguration().Validate())

	tests := map[string]func(*Configuration){
		"pipe in name":      func(c *Configuration) { c.Profiles[0].Name = "a|b" },
		"question mark":     func(c *Configuration) { c.Profiles[1].RefCode = "why?" },
		"star in ip":        func(c *Configuration) { c.DeviceIP = "10.0.0.*" },
		"control byte":      func(c *Configuration) { c.DeviceID = "LD\x01" },
		"space in code":     func(c *Configuration) { c.BarcodeRules[0].StopCode = "Z Z" },
		"placeholder start": func(c *Configuration) { c.BarcodeRules[0].StartCode = "-" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := fullConfiguration()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidField)
		})
	}
}

func TestParseConfigurationPartial(t *testing.T) {
	text := join("#R", "LD1", "1.2", "3.4", "10.0.0.1", "10.0.0.9", "255.255.255.0", "x", "5001",
		"10", "20", "30", "P", "Prof1", "REF1", "5", "Prof2")

	cfg, err := ParseConfiguration(text)
	require.NoError(t, err)
	assert.False(t, cfg.Complete)
	assert.Equal(t, "LD1", cfg.DeviceID)
	assert.Equal(t, 5000, cfg.RemotePort)
	assert.Equal(t, 5001, cfg.LocalPort)
	assert.Equal(t, [3]int{10, 20, 30}, cfg.Thresholds)
	assert.Equal(t, []Profile{{Name: "Prof1", RefCode: "REF1", Offset: 5}, {Name: "Prof2"}}, cfg.Profiles)
	assert.Empty(t, cfg.SSID)
	assert.Nil(t, cfg.BarcodeRules)
}

func TestParseConfigurationWithoutProfileMarker(t *testing.T) {
	text := join("#R", "LD1", "1.2", "3.4", "10.0.0.1", "10.0.0.9", "255.255.255.0", "5000", "5000",
		"10", "20", "30", "1", "0", "1", "0", "ssid", "AP", "OPEN", "", "B", "4 12 A B")

	cfg, err := ParseConfiguration(text)
	require.NoError(t, err)
	assert.Nil(t, cfg.Profiles)
	assert.True(t, cfg.TransferEnabled)
	assert.False(t, cfg.BarcodeEnabled)
	assert.True(t, cfg.OperatorEnabled)
	assert.Equal(t, "ssid", cfg.SSID)
	assert.Equal(t, []BarcodeRule{{MinLength: 4, MaxLength: 12, StartCode: "A", StopCode: "B"}}, cfg.BarcodeRules)
	assert.False(t, cfg.Complete)
}

func TestParseConfigurationNoDeviceID(t *testing.T) {
	_, err := ParseConfiguration("#R")
	assert.ErrorIs(t, err, ErrTooFewFields)
}

func TestValidateSerialChange(t *testing.T) {
	testCases := []struct {
		name     string
		resp     string
		expected bool
	}{
		{"canonical", "#I\xaaOLD\xaaNEW\xaaOK\xfd", true},
		{"pipe", "#I|OLD|NEW|OK\n", true},
		{"comma", "#I,OLD,NEW,OK", true},
		{"semicolon with trailer", "#I;OLD;NEW;OK;99", true},
		{"swapped serials", "#I|NEW|OLD|OK", false},
		{"failure status", "#I|OLD|NEW|fail", false},
		{"lowercase ok", "#I|OLD|NEW|ok", false},
		{"missing status", "#I|OLD|NEW", false},
		{"wrong prefix", "#S|OLD|NEW|OK", false},
		{"wrong new serial", "#I|OLD|NEW2|OK", false},
		{"empty", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ValidateSerialChange(tc.resp, "OLD", "NEW"))
		})
	}
}

func TestDecode(t *testing.T) {
	msg := Decode(wire.Normalize([]byte("#S\xaaLD0000000\xaa0\xaa14:18:2826:02:2025\xaa1\xaaD7\xfd")))
	require.NotNil(t, msg)
	assert.Equal(t, KindStatus, msg.Kind)
	assert.Equal(t, "LD0000000", msg.DeviceID)
	require.NotNil(t, msg.Status)
	assert.Nil(t, msg.Donation)

	msg = Decode(join("#U", "LD1"))
	require.NotNil(t, msg)
	assert.Equal(t, KindNoMoreData, msg.Kind)
	assert.Equal(t, "LD1", msg.DeviceID)

	assert.Nil(t, Decode(join("#S", "LD1")))
	assert.Nil(t, Decode("#Zgarbage"))
	assert.Nil(t, Decode(""))
}

func TestDecodeNeverPanics(t *testing.T) {
	inputs := []string{
		"#", "#D", "#R\xaa", "#D\xaa\xaa\xaa\xaa\xaaM", "#D\xaaX\xaaT\xaaB\xaa\xaa\xaa\xaa\xaaM",
		"#R\xaaLD1\xaaP\xaaP\xaaP\xaaB\xaaB", "#S\xaa\xaa\xaa\xaa\xaa", strings.Repeat("\xaa", 64),
		"#R\xaa" + strings.Repeat("1\xaa", 200),
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Decode(in) }, "%q", in)
	}
}

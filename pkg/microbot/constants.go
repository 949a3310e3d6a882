package microbot

import "github.com/microbotd/microbotd/pkg/transport"

// Service UUIDs, bit-exact with the devices in the field.
const (
	InfoService     transport.UUID = "180A"
	PushService     transport.UUID = "1821"
	MicrobotService transport.UUID = "1831"
)

// Characteristic UUIDs, scoped under the service they belong to.
const (
	CharExtend            transport.UUID = "2A11"
	CharRetract           transport.UUID = "2A12"
	CharDeviceBlink       transport.UUID = "2A13"
	CharLED               transport.UUID = "2A14"
	CharDeviceStatus      transport.UUID = "2A15"
	CharBattery           transport.UUID = "2A19"
	CharFirmwareVersion   transport.UUID = "2A21"
	CharDeviceCalibration transport.UUID = "2A35"
	CharButtonMode        transport.UUID = "2A53"
	CharAuth              transport.UUID = "2A98"
	CharPair              transport.UUID = "2A90"
)

// ButtonMode selects how the physical button on the device behaves.
type ButtonMode byte

const (
	ButtonModeDefault  ButtonMode = 0
	ButtonModeInverted ButtonMode = 1
)

// Auth/pair status bytes reported in the first byte of a notification.
const (
	StatusOK           byte = 0x01
	StatusUninitialied byte = 0x02
	StatusKeyMismatch  byte = 0x03
	StatusNotTouched   byte = 0x04
	// StatusNoReply is synthesized locally when no notification arrives in time.
	StatusNoReply byte = 0xFF
)

// FirmwareVersion is the 3-byte value read from CharFirmwareVersion.
type FirmwareVersion [3]byte

// IsV010 reports whether the version is exactly (0,1,0), the only version
// using the FirmwareV010 overlay.
func (v FirmwareVersion) IsV010() bool {
	return v == FirmwareVersion{0, 1, 0}
}

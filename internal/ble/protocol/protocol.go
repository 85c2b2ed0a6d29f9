// Package protocol defines the SoundLeap hub wire format: single-byte commands,
// the paced chunk layout for game code, the advertised-name scheme and the
// decimal status notifications sent back by the hub.
package protocol

// Command bytes understood by the hub firmware.
const (
	CancelGame byte = 0xFF
	GameEnded  byte = 0xEE
	StartGame  byte = 0x14
)

// GameEndedStatus is GameEnded as it appears in a decoded notification.
const GameEndedStatus = int(GameEnded)

// ChunkSize is the largest payload written per chunk of game code.
const ChunkSize = 200

// DevicePrefix is prepended to the pairing code in the hub's advertised name.
const DevicePrefix = "SL-"

// CodeLength is the number of digits in a pairing code.
const CodeLength = 6

// Command returns the one-byte payload for cmd.
func Command(cmd byte) []byte {
	return []byte{cmd}
}

// ValidCode reports whether code is exactly CodeLength ASCII digits.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// DeviceName returns the advertised name of the hub with the given code.
func DeviceName(code string) string {
	return DevicePrefix + code
}

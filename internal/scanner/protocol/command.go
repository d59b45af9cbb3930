package protocol

// Command payloads understood by the firmware.
var (
	CmdVersion = []byte{'y'}
	CmdSingle  = []byte{'q'}
)

// CmdGainPrefix starts a gain-set command; the level byte follows.
const CmdGainPrefix byte = 'a'

// Gain builds the gain-set payload for level.
func Gain(level uint8) []byte {
	return []byte{CmdGainPrefix, level}
}

// Encode appends the CR terminator to a command payload.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, CR)
}

// Signature is the identification frame a device with the given name sends
// when its port is opened.
func Signature(deviceName string) string {
	return "<id:" + deviceName + ">"
}

// Package dircon serves the GATT registry to TCP clients using the Wahoo
// Direct Connect framing.
package dircon

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

const (
	protocolVersion = 1
	headerLen       = 6
	uuidLen         = 16

	// MaxPayload bounds a single frame. Anything larger closes the client.
	MaxPayload = 512
	// MaxValue is the longest characteristic value that fits in a read
	// response or notification next to its UUID.
	MaxValue = MaxPayload - uuidLen
)

// Message ids
const (
	MsgDiscoverServices        byte = 0x01
	MsgDiscoverCharacteristics byte = 0x02
	MsgReadCharacteristic      byte = 0x03
	MsgWriteCharacteristic     byte = 0x04
	MsgEnableNotifications     byte = 0x05
	MsgNotification            byte = 0x06
)

// Response codes
const (
	RespSuccess                byte = 0x00
	RespUnknownMessageType     byte = 0x01
	RespUnexpectedError        byte = 0x02
	RespServiceNotFound        byte = 0x03
	RespCharacteristicNotFound byte = 0x04
	RespOperationNotSupported  byte = 0x05
	RespWriteFailed            byte = 0x06
	RespUnknownProtocol        byte = 0x07
)

// Characteristic property bits on the wire
const (
	wirePropRead   byte = 0x01
	wirePropWrite  byte = 0x02
	wirePropNotify byte = 0x04
)

var (
	ErrMalformedFrame = errors.New("malformed dircon frame")
	ErrFrameTooLarge  = errors.New("dircon frame too large")
)

// Message is one DirCon frame.
type Message struct {
	ID       byte
	Seq      byte
	RespCode byte
	Payload  []byte
}

// Encode serialises m. The caller keeps the payload within MaxPayload.
func (m Message) Encode() []byte {
	b := make([]byte, headerLen, headerLen+len(m.Payload))
	b[0] = protocolVersion
	b[1] = m.ID
	b[2] = m.Seq
	b[3] = m.RespCode
	binary.BigEndian.PutUint16(b[4:6], uint16(len(m.Payload)))
	return append(b, m.Payload...)
}

// Decode parses one frame from the front of buf. It returns the number of
// bytes consumed, or 0 with a nil error when buf holds only part of a frame.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < headerLen {
		return Message{}, 0, nil
	}
	if buf[0] != protocolVersion {
		return Message{}, 0, fmt.Errorf("%w: version %d", ErrMalformedFrame, buf[0])
	}
	n := int(binary.BigEndian.Uint16(buf[4:6]))
	if n > MaxPayload {
		return Message{}, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if len(buf) < headerLen+n {
		return Message{}, 0, nil
	}
	m := Message{
		ID:       buf[1],
		Seq:      buf[2],
		RespCode: buf[3],
		Payload:  append([]byte(nil), buf[headerLen:headerLen+n]...),
	}
	return m, headerLen + n, nil
}

func appendUUID(b []byte, u gatt.UUID) []byte {
	return append(b, u[:]...)
}

// readUUID takes the UUID at the front of p.
func readUUID(p []byte) (gatt.UUID, []byte, error) {
	if len(p) < uuidLen {
		return gatt.UUID{}, nil, fmt.Errorf("%w: payload of %d bytes has no uuid", ErrMalformedFrame, len(p))
	}
	var u gatt.UUID
	copy(u[:], p[:uuidLen])
	return u, p[uuidLen:], nil
}

func wireProperties(p gatt.Properties) byte {
	var b byte
	if p.Has(gatt.PropRead) {
		b |= wirePropRead
	}
	if p.Has(gatt.PropWrite) {
		b |= wirePropWrite
	}
	if p.CanSubscribe() {
		b |= wirePropNotify
	}
	return b
}

// Request builders used by clients and tests.

func DiscoverServicesRequest(seq byte) Message {
	return Message{ID: MsgDiscoverServices, Seq: seq}
}

func DiscoverCharacteristicsRequest(seq byte, service gatt.UUID) Message {
	return Message{ID: MsgDiscoverCharacteristics, Seq: seq, Payload: appendUUID(nil, service)}
}

func ReadRequest(seq byte, char gatt.UUID) Message {
	return Message{ID: MsgReadCharacteristic, Seq: seq, Payload: appendUUID(nil, char)}
}

func WriteRequest(seq byte, char gatt.UUID, value []byte) Message {
	return Message{ID: MsgWriteCharacteristic, Seq: seq, Payload: append(appendUUID(nil, char), value...)}
}

func EnableNotificationsRequest(seq byte, char gatt.UUID, enable bool) Message {
	flag := byte(0)
	if enable {
		flag = 1
	}
	return Message{ID: MsgEnableNotifications, Seq: seq, Payload: append(appendUUID(nil, char), flag)}
}

// ServiceUUIDs parses a discover services response.
func ServiceUUIDs(m Message) ([]gatt.UUID, error) {
	if len(m.Payload)%uuidLen != 0 {
		return nil, fmt.Errorf("%w: service list of %d bytes", ErrMalformedFrame, len(m.Payload))
	}
	out := make([]gatt.UUID, 0, len(m.Payload)/uuidLen)
	for p := m.Payload; len(p) > 0; {
		u, rest, _ := readUUID(p)
		out = append(out, u)
		p = rest
	}
	return out, nil
}

// CharacteristicEntry is one entry of a discover characteristics response.
type CharacteristicEntry struct {
	UUID       gatt.UUID
	Properties byte
}

// CharacteristicEntries parses a discover characteristics response.
func CharacteristicEntries(m Message) (gatt.UUID, []CharacteristicEntry, error) {
	svc, p, err := readUUID(m.Payload)
	if err != nil {
		return gatt.UUID{}, nil, err
	}
	if len(p)%(uuidLen+1) != 0 {
		return gatt.UUID{}, nil, fmt.Errorf("%w: characteristic list of %d bytes", ErrMalformedFrame, len(p))
	}
	var out []CharacteristicEntry
	for len(p) > 0 {
		u, rest, _ := readUUID(p)
		out = append(out, CharacteristicEntry{UUID: u, Properties: rest[0]})
		p = rest[1:]
	}
	return svc, out, nil
}

// CharacteristicValue splits a read response or notification into its uuid
// and value.
func CharacteristicValue(m Message) (gatt.UUID, []byte, error) {
	return readUUID(m.Payload)
}

// MessageName returns a readable message id.
func MessageName(id byte) string {
	switch id {
	case MsgDiscoverServices:
		return "DiscoverServices"
	case MsgDiscoverCharacteristics:
		return "DiscoverCharacteristics"
	case MsgReadCharacteristic:
		return "ReadCharacteristic"
	case MsgWriteCharacteristic:
		return "WriteCharacteristic"
	case MsgEnableNotifications:
		return "EnableNotifications"
	case MsgNotification:
		return "Notification"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", id)
	}
}

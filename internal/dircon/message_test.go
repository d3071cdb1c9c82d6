package dircon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

func TestMessage_EncodeLayout(t *testing.T) {
	b := Message{ID: MsgReadCharacteristic, Seq: 7, RespCode: RespSuccess, Payload: []byte{0xAA, 0xBB}}.Encode()
	assert.Equal(t, []byte{0x01, 0x03, 0x07, 0x00, 0x00, 0x02, 0xAA, 0xBB}, b)
}

func TestDecode_PartialFrames(t *testing.T) {
	frame := WriteRequest(3, gatt.UUID16(0x2AD9), []byte{0x00}).Encode()

	for i := 0; i < len(frame); i++ {
		_, n, err := Decode(frame[:i])
		require.NoError(t, err)
		assert.Zero(t, n, "prefix of %d bytes", i)
	}

	m, n, err := Decode(append(frame, 0x01))
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, MsgWriteCharacteristic, m.ID)
	assert.Equal(t, byte(3), m.Seq)

	u, v, err := CharacteristicValue(m)
	require.NoError(t, err)
	assert.Equal(t, gatt.UUID16(0x2AD9), u)
	assert.Equal(t, []byte{0x00}, v)
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode([]byte{0x02, 0x01, 0x00, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, _, err = Decode([]byte{0x01, 0x01, 0x00, 0x00, 0x02, 0x01})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCharacteristicEntries(t *testing.T) {
	svc := gatt.UUID16(0x1826)
	payload := appendUUID(nil, svc)
	payload = append(appendUUID(payload, gatt.UUID16(0x2AD2)), wirePropNotify)
	payload = append(appendUUID(payload, gatt.UUID16(0x2AD9)), wirePropWrite|wirePropNotify)

	gotSvc, entries, err := CharacteristicEntries(Message{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, svc, gotSvc)
	assert.Equal(t, []CharacteristicEntry{
		{UUID: gatt.UUID16(0x2AD2), Properties: 0x04},
		{UUID: gatt.UUID16(0x2AD9), Properties: 0x06},
	}, entries)

	_, _, err = CharacteristicEntries(Message{Payload: payload[:20]})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWireProperties(t *testing.T) {
	assert.Equal(t, byte(0x01), wireProperties(gatt.PropRead))
	assert.Equal(t, byte(0x06), wireProperties(gatt.PropWrite|gatt.PropIndicate))
	assert.Equal(t, byte(0x05), wireProperties(gatt.PropRead|gatt.PropNotify))
}

func TestAdvertisement_TXTRecords(t *testing.T) {
	a := Advertisement{
		Name:         "SHIFTR",
		Port:         8080,
		ServiceUUIDs: []gatt.UUID{gatt.UUID16(0x1826), gatt.UUID16(0x1818)},
		MACAddress:   "AA-BB-CC-DD-EE-FF",
		SerialNumber: "1234",
	}
	assert.Equal(t, []string{
		"ble-service-uuids=0x1826,0x1818",
		"mac-address=AA-BB-CC-DD-EE-FF",
		"serial-number=1234",
	}, a.TXTRecords())
}

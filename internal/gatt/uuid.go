package gatt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UUID identifies a service or characteristic. The byte order is the
// canonical big endian order used on the DirCon wire.
type UUID = uuid.UUID

var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit Bluetooth SIG assigned number.
func UUID16(short uint16) UUID {
	u := bluetoothBase
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return u
}

// Short returns the 16-bit assigned number when u lies on the Bluetooth base UUID.
func Short(u UUID) (uint16, bool) {
	if u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	for i := 4; i < 16; i++ {
		if u[i] != bluetoothBase[i] {
			return 0, false
		}
	}
	return uint16(u[2])<<8 | uint16(u[3]), true
}

// ParseUUID accepts the canonical 36 character form, or a 16-bit number
// written as "2ad2" or "0x2AD2".
func ParseUUID(s string) (UUID, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(trimmed) == 4 {
		v, err := strconv.ParseUint(trimmed, 16, 16)
		if err != nil {
			return UUID{}, fmt.Errorf("invalid 16-bit UUID %q: %w", s, err)
		}
		return UUID16(uint16(v)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

// MustParseUUID is ParseUUID for package level constants.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// DisplayUUID renders SIG numbers as "0x2AD2" and everything else in full.
func DisplayUUID(u UUID) string {
	if short, ok := Short(u); ok {
		return fmt.Sprintf("0x%04X", short)
	}
	return u.String()
}

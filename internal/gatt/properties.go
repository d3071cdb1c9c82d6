package gatt

import "strings"

// Properties is the characteristic property bitmask.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropNotify
	PropIndicate
)

// Has reports whether every bit of q is set.
func (p Properties) Has(q Properties) bool {
	return p&q == q
}

// CanSubscribe reports whether notify or indicate is set.
func (p Properties) CanSubscribe() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// DeliveryMode picks the subscription mode for p, preferring notify.
func (p Properties) DeliveryMode() (DeliveryMode, bool) {
	switch {
	case p.Has(PropNotify):
		return DeliverNotify, true
	case p.Has(PropIndicate):
		return DeliverIndicate, true
	default:
		return 0, false
	}
}

func (p Properties) String() string {
	var parts []string
	if p.Has(PropRead) {
		parts = append(parts, "READ")
	}
	if p.Has(PropWrite) {
		parts = append(parts, "WRITE")
	}
	if p.Has(PropNotify) {
		parts = append(parts, "NOTIFY")
	}
	if p.Has(PropIndicate) {
		parts = append(parts, "INDICATE")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// DeliveryMode is how a subscriber is sent value updates.
type DeliveryMode uint8

const (
	DeliverNotify DeliveryMode = iota + 1
	DeliverIndicate
)

// Property returns the property bit that permits this mode.
func (m DeliveryMode) Property() Properties {
	if m == DeliverIndicate {
		return PropIndicate
	}
	return PropNotify
}

func (m DeliveryMode) String() string {
	switch m {
	case DeliverNotify:
		return "notify"
	case DeliverIndicate:
		return "indicate"
	default:
		return "unknown"
	}
}

package gatt

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrPropertyDenied          = errors.New("operation not permitted by characteristic properties")
	ErrServiceNotFound         = errors.New("service not found")
	ErrCharacteristicNotFound  = errors.New("characteristic not found")
	ErrDuplicateService        = errors.New("service already registered")
	ErrDuplicateCharacteristic = errors.New("characteristic already registered in service")
)

// maxPendingWrites bounds unconsumed client writes per characteristic; the
// oldest is discarded first.
const maxPendingWrites = 16

// ServiceID and CharID index into the Registry. They stay valid for the
// lifetime of the Registry because services are never removed.
type (
	ServiceID int
	CharID    int
)

// ClientID names the owner of a subscription, typically a DirCon connection.
type ClientID string

// CharacteristicDef describes a characteristic to register.
type CharacteristicDef struct {
	UUID       UUID
	Properties Properties
	Value      []byte
}

// ServiceDef describes a service and its characteristics, in discovery order.
type ServiceDef struct {
	UUID            UUID
	Primary         bool
	Advertised      bool
	Characteristics []CharacteristicDef
}

// ServiceInfo is a read-only view of a registered service.
type ServiceInfo struct {
	ID              ServiceID
	UUID            UUID
	Primary         bool
	Advertised      bool
	Characteristics []CharID
}

// CharacteristicInfo is a read-only view of a registered characteristic.
type CharacteristicInfo struct {
	ID         CharID
	Service    ServiceID
	UUID       UUID
	Properties Properties
}

// Subscription pairs a client with a characteristic.
type Subscription struct {
	Client ClientID
	Char   CharID
	Mode   DeliveryMode

	delivered uint64
}

// Delivery is a value owed to one subscriber.
type Delivery struct {
	Client ClientID
	Char   CharID
	UUID   UUID
	Mode   DeliveryMode
	Value  []byte
}

type service struct {
	uuid       UUID
	primary    bool
	advertised bool
	chars      []CharID
}

type characteristic struct {
	uuid    UUID
	service ServiceID
	props   Properties
	value   []byte
	version uint64
	pending [][]byte
	subs    []Subscription
}

type charKey struct {
	service UUID
	char    UUID
}

// Registry is the in-memory GATT model shared by the DirCon server, the
// shifting engine and the BLE bridge. It is owned by the polling loop and is
// not safe for concurrent use.
type Registry struct {
	services   []service
	chars      []characteristic
	serviceIdx map[UUID]ServiceID
	charIdx    map[charKey]CharID
	charByUUID map[UUID]CharID
}

func NewRegistry() *Registry {
	return &Registry{
		serviceIdx: make(map[UUID]ServiceID),
		charIdx:    make(map[charKey]CharID),
		charByUUID: make(map[UUID]CharID),
	}
}

// RegisterService adds a service and its characteristics. The registration is
// all or nothing.
func (r *Registry) RegisterService(def ServiceDef) (ServiceID, error) {
	if _, ok := r.serviceIdx[def.UUID]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateService, DisplayUUID(def.UUID))
	}
	seen := make(map[UUID]struct{}, len(def.Characteristics))
	for _, c := range def.Characteristics {
		if _, dup := seen[c.UUID]; dup {
			return 0, fmt.Errorf("%w: %s in %s", ErrDuplicateCharacteristic, DisplayUUID(c.UUID), DisplayUUID(def.UUID))
		}
		if c.Properties == 0 {
			return 0, fmt.Errorf("characteristic %s has no properties", DisplayUUID(c.UUID))
		}
		seen[c.UUID] = struct{}{}
	}

	id := ServiceID(len(r.services))
	svc := service{
		uuid:       def.UUID,
		primary:    def.Primary,
		advertised: def.Advertised,
	}
	for _, c := range def.Characteristics {
		cid := CharID(len(r.chars))
		r.chars = append(r.chars, characteristic{
			uuid:    c.UUID,
			service: id,
			props:   c.Properties,
			value:   bytes.Clone(c.Value),
		})
		svc.chars = append(svc.chars, cid)
		r.charIdx[charKey{def.UUID, c.UUID}] = cid
		if _, taken := r.charByUUID[c.UUID]; !taken {
			r.charByUUID[c.UUID] = cid
		}
	}
	r.services = append(r.services, svc)
	r.serviceIdx[def.UUID] = id
	return id, nil
}

// FindService looks a service up by UUID.
func (r *Registry) FindService(u UUID) (ServiceInfo, error) {
	id, ok := r.serviceIdx[u]
	if !ok {
		return ServiceInfo{}, fmt.Errorf("%w: %s", ErrServiceNotFound, DisplayUUID(u))
	}
	return r.serviceInfo(id), nil
}

// FindCharacteristic looks a characteristic up by its service and own UUID.
func (r *Registry) FindCharacteristic(serviceUUID, charUUID UUID) (CharID, error) {
	if _, ok := r.serviceIdx[serviceUUID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrServiceNotFound, DisplayUUID(serviceUUID))
	}
	id, ok := r.charIdx[charKey{serviceUUID, charUUID}]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, DisplayUUID(charUUID))
	}
	return id, nil
}

// LookupCharacteristic finds a characteristic by its UUID alone. When two
// services carry the same characteristic UUID the first registered wins.
func (r *Registry) LookupCharacteristic(charUUID UUID) (CharID, error) {
	id, ok := r.charByUUID[charUUID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, DisplayUUID(charUUID))
	}
	return id, nil
}

// Services returns every service in registration order.
func (r *Registry) Services() []ServiceInfo {
	out := make([]ServiceInfo, len(r.services))
	for i := range r.services {
		out[i] = r.serviceInfo(ServiceID(i))
	}
	return out
}

// Characteristics returns the characteristics of a service in registration order.
func (r *Registry) Characteristics(id ServiceID) []CharacteristicInfo {
	if !r.validService(id) {
		return nil
	}
	chars := r.services[id].chars
	out := make([]CharacteristicInfo, len(chars))
	for i, cid := range chars {
		out[i] = r.Characteristic(cid)
	}
	return out
}

// Characteristic returns the description of id.
func (r *Registry) Characteristic(id CharID) CharacteristicInfo {
	c := r.mustChar(id)
	return CharacteristicInfo{
		ID:         id,
		Service:    c.service,
		UUID:       c.uuid,
		Properties: c.props,
	}
}

// ReadValue returns a copy of the value, provided READ is set.
func (r *Registry) ReadValue(id CharID) ([]byte, error) {
	c := r.mustChar(id)
	if !c.props.Has(PropRead) {
		return nil, fmt.Errorf("read %s: %w", DisplayUUID(c.uuid), ErrPropertyDenied)
	}
	return bytes.Clone(c.value), nil
}

// WriteValue stores a client write, provided WRITE is set, and queues it
// for ConsumeWrite. A client write is not echoed to subscribers.
func (r *Registry) WriteValue(id CharID, value []byte) error {
	c := r.mustChar(id)
	if !c.props.Has(PropWrite) {
		return fmt.Errorf("write %s: %w", DisplayUUID(c.uuid), ErrPropertyDenied)
	}
	v := bytes.Clone(value)
	c.value = v
	if len(c.pending) == maxPendingWrites {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, v)
	return nil
}

// ConsumeWrite pops the oldest unconsumed client write.
func (r *Registry) ConsumeWrite(id CharID) ([]byte, bool) {
	c := r.mustChar(id)
	if len(c.pending) == 0 {
		return nil, false
	}
	v := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return v, true
}

// PendingWrites returns how many client writes wait to be consumed.
func (r *Registry) PendingWrites(id CharID) int {
	return len(r.mustChar(id).pending)
}

// Value returns a copy of the current value without checking properties.
func (r *Registry) Value(id CharID) []byte {
	return bytes.Clone(r.mustChar(id).value)
}

// SetValue commits a new value produced inside the bridge. Every commit counts
// as a change for subscribers, even when the bytes repeat.
func (r *Registry) SetValue(id CharID, value []byte) {
	c := r.mustChar(id)
	c.value = bytes.Clone(value)
	c.version++
}

// Version increases with every value committed through SetValue.
func (r *Registry) Version(id CharID) uint64 {
	return r.mustChar(id).version
}

// Subscribe registers client for updates of id. Subscribing again replaces
// the delivery mode. Only changes after the call are delivered.
func (r *Registry) Subscribe(id CharID, client ClientID, mode DeliveryMode) error {
	c := r.mustChar(id)
	if !c.props.Has(mode.Property()) {
		return fmt.Errorf("subscribe %s (%s): %w", DisplayUUID(c.uuid), mode, ErrPropertyDenied)
	}
	for i := range c.subs {
		if c.subs[i].Client == client {
			c.subs[i].Mode = mode
			return nil
		}
	}
	c.subs = append(c.subs, Subscription{
		Client:    client,
		Char:      id,
		Mode:      mode,
		delivered: c.version,
	})
	return nil
}

// Unsubscribe removes the client's subscription to id, if any.
func (r *Registry) Unsubscribe(id CharID, client ClientID) error {
	c := r.mustChar(id)
	if !c.props.CanSubscribe() {
		return fmt.Errorf("unsubscribe %s: %w", DisplayUUID(c.uuid), ErrPropertyDenied)
	}
	c.subs = removeClient(c.subs, client)
	return nil
}

// RemoveClient drops every subscription held by client and returns how many
// were removed.
func (r *Registry) RemoveClient(client ClientID) int {
	removed := 0
	for i := range r.chars {
		before := len(r.chars[i].subs)
		r.chars[i].subs = removeClient(r.chars[i].subs, client)
		removed += before - len(r.chars[i].subs)
	}
	return removed
}

// Subscribers returns the subscriptions of id in subscription order.
func (r *Registry) Subscribers(id CharID) []Subscription {
	subs := r.mustChar(id).subs
	out := make([]Subscription, len(subs))
	copy(out, subs)
	return out
}

// ClientSubscriptions returns the characteristics client is subscribed to.
func (r *Registry) ClientSubscriptions(client ClientID) []CharID {
	var out []CharID
	for i := range r.chars {
		for _, s := range r.chars[i].subs {
			if s.Client == client {
				out = append(out, CharID(i))
				break
			}
		}
	}
	return out
}

// CollectDue returns one Delivery for every subscription, restricted to the
// given modes, whose characteristic changed since its last delivery, and marks
// those subscriptions delivered. Deliveries are grouped by characteristic in
// registration order, then by subscription order.
func (r *Registry) CollectDue(modes ...DeliveryMode) []Delivery {
	var out []Delivery
	for i := range r.chars {
		c := &r.chars[i]
		for j := range c.subs {
			s := &c.subs[j]
			if s.delivered >= c.version || !modeIn(s.Mode, modes) {
				continue
			}
			s.delivered = c.version
			out = append(out, Delivery{
				Client: s.Client,
				Char:   CharID(i),
				UUID:   c.uuid,
				Mode:   s.Mode,
				Value:  bytes.Clone(c.value),
			})
		}
	}
	return out
}

// SubscriptionCount returns the number of subscribers of id.
func (r *Registry) SubscriptionCount(id CharID) int {
	return len(r.mustChar(id).subs)
}

// TotalSubscriptions counts subscriptions across all characteristics.
func (r *Registry) TotalSubscriptions() int {
	total := 0
	for i := range r.chars {
		total += len(r.chars[i].subs)
	}
	return total
}

// SubscriptionCounts maps service UUID to characteristic UUID to subscriber
// count, covering every subscribable characteristic.
func (r *Registry) SubscriptionCounts() map[string]map[string]int {
	out := make(map[string]map[string]int, len(r.services))
	for _, svc := range r.services {
		counts := make(map[string]int)
		for _, cid := range svc.chars {
			c := &r.chars[cid]
			if c.props.CanSubscribe() {
				counts[DisplayUUID(c.uuid)] = len(c.subs)
			}
		}
		out[DisplayUUID(svc.uuid)] = counts
	}
	return out
}

// AdvertisedServices returns the UUIDs of services flagged for advertising.
func (r *Registry) AdvertisedServices() []UUID {
	var out []UUID
	for _, svc := range r.services {
		if svc.advertised {
			out = append(out, svc.uuid)
		}
	}
	return out
}

// StatusMessage summarises the model for status reporting.
func (r *Registry) StatusMessage() string {
	if len(r.services) == 0 {
		return "No services registered"
	}
	return fmt.Sprintf("%d services, %d characteristics, %d subscriptions",
		len(r.services), len(r.chars), r.TotalSubscriptions())
}

func (r *Registry) serviceInfo(id ServiceID) ServiceInfo {
	svc := r.services[id]
	return ServiceInfo{
		ID:              id,
		UUID:            svc.uuid,
		Primary:         svc.primary,
		Advertised:      svc.advertised,
		Characteristics: append([]CharID(nil), svc.chars...),
	}
}

func (r *Registry) validService(id ServiceID) bool {
	return id >= 0 && int(id) < len(r.services)
}

func (r *Registry) mustChar(id CharID) *characteristic {
	if id < 0 || int(id) >= len(r.chars) {
		panic(fmt.Sprintf("Registry: characteristic id %d out of range", id))
	}
	return &r.chars[id]
}

func removeClient(subs []Subscription, client ClientID) []Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.Client != client {
			out = append(out, s)
		}
	}
	for i := len(out); i < len(subs); i++ {
		subs[i] = Subscription{}
	}
	return out
}

func modeIn(m DeliveryMode, modes []DeliveryMode) bool {
	if len(modes) == 0 {
		return true
	}
	for _, want := range modes {
		if m == want {
			return true
		}
	}
	return false
}

package bt

import (
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/events"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/go_func_utils"
)

const (
	centralEventQueueLen = 1024
	writeQueueLen        = 16
)

type writeRequest struct {
	char *bluetooth.DeviceCharacteristic
	data []byte
}

// TinygoCentral drives a tinygo bluetooth adapter. Adapter callbacks and the
// blocking connect and write calls run on their own goroutines and report
// back through the event queue.
type TinygoCentral struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger
	queue   *events.Queue[CentralEvent]
	wg      sync.WaitGroup

	mu        sync.Mutex
	addresses map[string]bluetooth.Address
	scanning  bool
	gate      connectGate
	device    *bluetooth.Device
	chars     map[gatt.UUID]*bluetooth.DeviceCharacteristic
	writes    chan writeRequest
	done      chan struct{}
}

var _ Central = (*TinygoCentral)(nil)

func NewTinygoCentral(adapter *bluetooth.Adapter, logger *log.Logger) *TinygoCentral {
	if adapter == nil {
		panic("TinygoCentral: adapter cannot be nil")
	}
	if logger == nil {
		panic("TinygoCentral: logger cannot be nil")
	}
	return &TinygoCentral{
		adapter:   adapter,
		logger:    logger,
		queue:     events.NewQueue[CentralEvent](centralEventQueueLen),
		addresses: make(map[string]bluetooth.Address),
		done:      make(chan struct{}),
	}
}

// Enable brings the adapter up. Failure here is fatal for the bridge.
func (c *TinygoCentral) Enable() error {
	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		c.mu.Lock()
		current := c.device != nil && c.device.Address.String() == addr
		if current {
			c.device = nil
			c.chars = nil
			c.stopWriter()
		}
		c.mu.Unlock()
		if current {
			c.logger.Printf("TinygoCentral: device disconnected: %s", addr)
			c.queue.Push(CentralEvent{Kind: CentralDisconnected, Device: ScannedDevice{Address: addr}})
		}
	})
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return nil
}

func (c *TinygoCentral) StartScan() error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	c.logger.Printf("TinygoCentral: starting scan")
	go_func_utils.SafeGo(c.logger, "ble scan", &c.wg, func() {
		err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			c.mu.Lock()
			c.addresses[addr] = result.Address
			c.mu.Unlock()

			services := make([]gatt.UUID, 0, len(result.ServiceUUIDs()))
			for _, u := range result.ServiceUUIDs() {
				if g, err := gatt.ParseUUID(u.String()); err == nil {
					services = append(services, g)
				}
			}
			c.queue.Push(CentralEvent{Kind: CentralScanResult, Device: ScannedDevice{
				Address:  addr,
				Name:     result.LocalName(),
				RSSI:     result.RSSI,
				Services: services,
				LastSeen: time.Now(),
			}})
		})
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		if err != nil {
			c.logger.Printf("TinygoCentral: scan error: %v", err)
		}
	})
	return nil
}

func (c *TinygoCentral) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning {
		return nil
	}
	return c.adapter.StopScan()
}

func (c *TinygoCentral) Connect(attempt uint64, address string, subscribe []gatt.UUID) error {
	c.mu.Lock()
	addr, ok := c.addresses[address]
	if ok {
		c.gate.begin(attempt)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}

	c.logger.Printf("TinygoCentral: attempt %d connecting to %s", attempt, address)
	go_func_utils.SafeGo(c.logger, "ble connect "+address, &c.wg, func() {
		device, chars, err := c.connect(addr, subscribe)
		if err != nil {
			c.mu.Lock()
			c.gate.complete(attempt)
			c.mu.Unlock()
			c.queue.Push(CentralEvent{Kind: CentralConnectFailed, Attempt: attempt, Device: ScannedDevice{Address: address}, Err: err})
			return
		}

		found := make([]gatt.UUID, 0, len(chars))
		for u := range chars {
			found = append(found, u)
		}

		c.mu.Lock()
		if !c.gate.complete(attempt) {
			c.mu.Unlock()
			c.logger.Printf("TinygoCentral: attempt %d to %s finished after it was abandoned, disconnecting", attempt, address)
			if err := device.Disconnect(); err != nil {
				c.logger.Printf("TinygoCentral: disconnect abandoned %s: %v", address, err)
			}
			return
		}
		c.stopWriter()
		c.device = device
		c.chars = chars
		c.writes = make(chan writeRequest, writeQueueLen)
		writes := c.writes
		c.mu.Unlock()

		go_func_utils.SafeGo(c.logger, "ble writer "+address, &c.wg, func() { c.writeLoop(writes) })
		c.queue.Push(CentralEvent{Kind: CentralConnected, Attempt: attempt, Device: ScannedDevice{Address: address}, Characteristics: found})
	})
	return nil
}

// connect blocks until the device is connected, discovered and subscribed.
func (c *TinygoCentral) connect(addr bluetooth.Address, subscribe []gatt.UUID) (*bluetooth.Device, map[gatt.UUID]*bluetooth.DeviceCharacteristic, error) {
	d, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	device := &d

	// Discover everything at once. Discovering single services one at a time
	// interrupts services already in use on some stacks.
	services, err := device.DiscoverServices(nil)
	if err != nil {
		_ = device.Disconnect()
		return nil, nil, fmt.Errorf("discover services: %w", err)
	}
	chars := make(map[gatt.UUID]*bluetooth.DeviceCharacteristic)
	for i := range services {
		discovered, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			c.logger.Printf("TinygoCentral: discover characteristics of %s: %v", services[i].UUID().String(), err)
			continue
		}
		for j := range discovered {
			u, err := gatt.ParseUUID(discovered[j].UUID().String())
			if err != nil {
				continue
			}
			chars[u] = &discovered[j]
		}
	}

	for _, u := range subscribe {
		ch, ok := chars[u]
		if !ok {
			continue
		}
		char := u
		if err := ch.EnableNotifications(func(buf []byte) {
			c.queue.Push(CentralEvent{Kind: CentralNotification, Char: char, Data: append([]byte(nil), buf...)})
		}); err != nil {
			_ = device.Disconnect()
			return nil, nil, fmt.Errorf("enable notifications on %s: %w", gatt.DisplayUUID(u), err)
		}
		c.logger.Printf("TinygoCentral: notifications enabled for %s", gatt.DisplayUUID(u))
	}
	return device, chars, nil
}

func (c *TinygoCentral) Disconnect() error {
	c.mu.Lock()
	c.gate.cancel()
	device := c.device
	c.device = nil
	c.chars = nil
	c.stopWriter()
	c.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

func (c *TinygoCentral) Write(char gatt.UUID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil || c.writes == nil {
		return ErrNotConnected
	}
	ch, ok := c.chars[char]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCharacteristic, gatt.DisplayUUID(char))
	}
	select {
	case c.writes <- writeRequest{char: ch, data: data}:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// writeLoop serialises writes for one connection. Writes still queued when
// the connection drops are discarded with the channel.
func (c *TinygoCentral) writeLoop(writes <-chan writeRequest) {
	for {
		select {
		case w, ok := <-writes:
			if !ok {
				return
			}
			if _, err := w.char.WriteWithoutResponse(w.data); err != nil {
				c.logger.Printf("TinygoCentral: write to %s failed: %v", w.char.UUID().String(), err)
			}
		case <-c.done:
			return
		}
	}
}

// stopWriter must be called with mu held.
func (c *TinygoCentral) stopWriter() {
	if c.writes != nil {
		close(c.writes)
		c.writes = nil
	}
}

func (c *TinygoCentral) Poll() []CentralEvent {
	return c.queue.Drain()
}

// Close disconnects, stops scanning and waits for the callback goroutines.
func (c *TinygoCentral) Close() {
	c.logger.Printf("TinygoCentral: shutting down")
	if err := c.Disconnect(); err != nil {
		c.logger.Printf("TinygoCentral: disconnect: %v", err)
	}
	if err := c.StopScan(); err != nil {
		c.logger.Printf("TinygoCentral: stop scan: %v", err)
	}
	close(c.done)
	c.wg.Wait()
	c.logger.Printf("TinygoCentral: shutdown complete")
}

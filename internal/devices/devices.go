// Package devices defines the contract between the machine and the devices
// it mounts.
package devices

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvboard/internal/fdt"
	"github.com/tinyrange/rvboard/internal/resource/managed"
)

// ErrNoProvider is returned when no registered provider accepts a query.
var ErrNoProvider = errors.New("devices: no provider for device")

// Device is mounted through a fresh managed context. Mount is the only
// place a device may claim resources; the context is frozen once it
// returns nil.
type Device interface {
	Mount(ctx *managed.Context) error
	Unmount()
}

// Ticker is implemented by devices that need periodic work on the board
// worker.
type Ticker interface {
	Tick()
}

// DeviceTreeProvider is implemented by devices that describe themselves to
// guest firmware. intc is the phandle of the platform interrupt controller.
type DeviceTreeProvider interface {
	DeviceTreeNode(intc uint32) *fdt.Node
}

// Snapshotter is implemented by devices whose state survives a reload.
// RestoreState is called before Mount.
type Snapshotter interface {
	SaveState() ([]byte, error)
	RestoreState(data []byte) error
}

// Query describes the device a host wants built.
type Query struct {
	Name string
	Type string
	// Address and IRQ request explicit assignments; zero means automatic.
	Address uint64
	IRQ     int
}

// Provider builds a device for q or declines it.
type Provider func(q Query) (Device, bool)

// ForType returns a provider that accepts queries of the given type.
func ForType(typ string, build func(Query) Device) Provider {
	return func(q Query) (Device, bool) {
		if q.Type != typ {
			return nil, false
		}
		return build(q), true
	}
}

// Registry is an ordered list of providers. The first provider to accept a
// query wins.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry holding providers in order.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Register appends p after the existing providers.
func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
}

// New returns the device built by the first provider that accepts q.
func (r *Registry) New(q Query) (Device, error) {
	for _, p := range r.providers {
		if dev, ok := p(q); ok {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (type %q)", ErrNoProvider, q.Name, q.Type)
}

package memory

import (
	"context"
	"sync"
	"time"

	"attendease/proximity/internal/radio"
)

// Airspace is an in-process stand-in for the shared radio medium: every
// adapter attached to the same airspace sees the others' advertisements.
// Used by tests and by single-machine demos.
type Airspace struct {
	mu   sync.RWMutex
	advs map[string]radio.Advertisement
}

func NewAirspace() *Airspace {
	return &Airspace{advs: make(map[string]radio.Advertisement)}
}

func (a *Airspace) put(adv radio.Advertisement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advs[adv.Address] = adv
}

func (a *Airspace) remove(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.advs, address)
}

func (a *Airspace) snapshot(exclude string) []radio.Advertisement {
	a.mu.RLock()
	defer a.mu.RUnlock()
	advs := make([]radio.Advertisement, 0, len(a.advs))
	for address, adv := range a.advs {
		if address == exclude {
			continue
		}
		advs = append(advs, adv)
	}
	return advs
}

type Adapter struct {
	airspace *Airspace
	address  string

	mu          sync.Mutex
	state       radio.State
	advertising bool
	discovering bool
}

// NewAdapter attaches one simulated device radio to the airspace.
func NewAdapter(airspace *Airspace, address string) *Adapter {
	return &Adapter{airspace: airspace, address: address, state: radio.StatePoweredOn}
}

// SetState flips the simulated radio, dropping any live advertisement
// when the radio goes off.
func (d *Adapter) SetState(state radio.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	if state != radio.StatePoweredOn && d.advertising {
		d.airspace.remove(d.address)
		d.advertising = false
	}
}

func (d *Adapter) State(_ context.Context) (radio.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

func (d *Adapter) Advertise(_ context.Context, adv radio.Advertisement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != radio.StatePoweredOn {
		return radio.ErrRadioOff
	}
	adv.Address = d.address
	d.airspace.put(adv)
	d.advertising = true
	return nil
}

func (d *Adapter) StopAdvertising(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.advertising {
		d.airspace.remove(d.address)
		d.advertising = false
	}
	return nil
}

func (d *Adapter) Discover(ctx context.Context, timeout time.Duration) ([]radio.Advertisement, error) {
	d.mu.Lock()
	switch {
	case d.state == radio.StatePoweredOff:
		d.mu.Unlock()
		return nil, radio.ErrRadioOff
	case d.state == radio.StateUnauthorized:
		d.mu.Unlock()
		return nil, radio.ErrUnauthorized
	case d.discovering:
		d.mu.Unlock()
		return nil, radio.ErrDiscoveryBusy
	}
	d.discovering = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.discovering = false
		d.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_ = timeout // a snapshot of the shared medium is instantaneous
	return d.airspace.snapshot(d.address), nil
}

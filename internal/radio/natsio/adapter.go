package natsio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"attendease/proximity/internal/radio"
)

// Adapter carries advertisements over NATS so presenter and participant
// agents on different machines can share one simulated airspace. A
// discovery pass is a scatter request on the room's probe subject; every
// advertising adapter replies with its current frame. One probe subject
// per room keeps rooms isolated from each other.
type Adapter struct {
	nc      *nats.Conn
	room    string
	address string
	log     *logrus.Entry

	mu          sync.Mutex
	state       radio.State
	current     *radio.Advertisement
	probeSub    *nats.Subscription
	discovering bool
}

func NewAdapter(nc *nats.Conn, room, address string) *Adapter {
	return &Adapter{
		nc:      nc,
		room:    room,
		address: address,
		state:   radio.StatePoweredOn,
		log:     logrus.WithFields(logrus.Fields{"component": "radio", "room": room}),
	}
}

func (d *Adapter) SetState(state radio.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *Adapter) State(_ context.Context) (radio.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.nc.IsConnected() {
		return radio.StatePoweredOff, nil
	}
	return d.state, nil
}

func (d *Adapter) Advertise(_ context.Context, adv radio.Advertisement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != radio.StatePoweredOn {
		return radio.ErrRadioOff
	}
	adv.Address = d.address
	d.current = &adv

	if d.probeSub != nil {
		return nil
	}
	sub, err := d.nc.Subscribe(d.probeSubject(), func(msg *nats.Msg) {
		d.mu.Lock()
		frame := d.current
		d.mu.Unlock()
		if frame == nil || msg.Reply == "" {
			return
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		if err := d.nc.Publish(msg.Reply, data); err != nil {
			d.log.WithError(err).Debug("probe reply failed")
		}
	})
	if err != nil {
		d.current = nil
		return err
	}
	d.probeSub = sub
	return nil
}

func (d *Adapter) StopAdvertising(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = nil
	if d.probeSub != nil {
		err := d.probeSub.Unsubscribe()
		d.probeSub = nil
		return err
	}
	return nil
}

func (d *Adapter) Discover(ctx context.Context, timeout time.Duration) ([]radio.Advertisement, error) {
	d.mu.Lock()
	switch {
	case d.state == radio.StatePoweredOff || !d.nc.IsConnected():
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

	inbox := nats.NewInbox()
	sub, err := d.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := d.nc.PublishRequest(d.probeSubject(), inbox, nil); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	seen := make(map[string]struct{})
	var advs []radio.Advertisement
	for {
		if err := ctx.Err(); err != nil {
			return advs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return advs, nil
		}
		msg, err := sub.NextMsg(remaining)
		if err != nil {
			// Timeout ends the pass; replies gathered so far are the
			// discovery result.
			return advs, nil
		}
		var adv radio.Advertisement
		if err := json.Unmarshal(msg.Data, &adv); err != nil {
			d.log.WithError(err).Debug("malformed advertisement frame")
			continue
		}
		if adv.Address == d.address {
			continue
		}
		if _, ok := seen[adv.Address]; ok {
			continue
		}
		seen[adv.Address] = struct{}{}
		advs = append(advs, adv)
	}
}

func (d *Adapter) probeSubject() string {
	return fmt.Sprintf("airspace.%s.probe", d.room)
}

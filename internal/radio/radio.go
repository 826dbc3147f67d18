package radio

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ServiceUUID keys the structured service-data advertisement carrying
// the rotating token. NamePrefix is the discoverable-name fallback for
// radios without advertisement APIs.
const (
	ServiceUUID = "0000FFF0-0000-1000-8000-00805F9B34FB"
	NamePrefix  = "ATTENDEASE-"
)

type State string

const (
	StatePoweredOn    State = "powered_on"
	StatePoweredOff   State = "powered_off"
	StateUnauthorized State = "unauthorized"
)

var (
	ErrRadioOff      = errors.New("radio_off")
	ErrUnauthorized  = errors.New("permission_denied")
	ErrDiscoveryBusy = errors.New("discovery_in_progress")
)

// Advertisement is one observation from a discovery pass, or the frame a
// presenter exposes. RSSI is informational only, never a distance gate.
type Advertisement struct {
	Address     string            `json:"address"`
	Name        string            `json:"name,omitempty"`
	ServiceData map[string][]byte `json:"service_data,omitempty"`
	RSSI        int               `json:"rssi,omitempty"`
}

// TokenFromServiceData extracts the broadcast token carried under the
// application UUID, if any.
func (a Advertisement) TokenFromServiceData() (string, bool) {
	payload, ok := a.ServiceData[ServiceUUID]
	if !ok || len(payload) == 0 {
		return "", false
	}
	return string(payload), true
}

// TokenFromName extracts the token from a PREFIX-<token> discoverable
// name, if the advertisement uses the fallback convention.
func (a Advertisement) TokenFromName() (string, bool) {
	if !strings.HasPrefix(a.Name, NamePrefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(a.Name, NamePrefix)
	if suffix == "" {
		return "", false
	}
	return suffix, true
}

// Adapter abstracts the short-range radio stack of one device. Only one
// discovery may be in flight per adapter; implementations return
// ErrDiscoveryBusy instead of queueing a second one.
type Adapter interface {
	State(ctx context.Context) (State, error)
	Advertise(ctx context.Context, adv Advertisement) error
	StopAdvertising(ctx context.Context) error
	Discover(ctx context.Context, timeout time.Duration) ([]Advertisement, error)
}

func NewTokenAdvertisement(address, token string) Advertisement {
	return Advertisement{
		Address: address,
		Name:    NamePrefix + token,
		ServiceData: map[string][]byte{
			ServiceUUID: []byte(token),
		},
	}
}

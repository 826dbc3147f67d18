package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"attendease/proximity/internal/operations"
	"attendease/proximity/internal/radio"
	"attendease/proximity/internal/registry"
)

const ErrRadioUnavailable = "radio_unavailable"

// TokenPusher is the server-side sink for freshly minted tokens; in the
// presenter agent it is the HTTP API client, in tests it can be the
// registry itself.
type TokenPusher interface {
	PushToken(ctx context.Context, sessionID, value string, issuedAt time.Time) error
}

// Broadcaster is the presenter-side rotation loop: every interval it
// mints a token, pushes it to the registry, and exposes it over the
// radio as both service data and a PREFIX-<token> name. The interval
// must stay below the token TTL so at least one valid token is always
// in flight.
type Broadcaster struct {
	adapter  radio.Adapter
	pusher   TokenPusher
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	current string
}

func New(adapter radio.Adapter, pusher TokenPusher, interval time.Duration) *Broadcaster {
	return &Broadcaster{
		adapter:  adapter,
		pusher:   pusher,
		interval: interval,
		log:      logrus.WithField("component", "broadcaster"),
	}
}

// Start begins the rotation loop. With the radio disabled it fails
// before any state change; the caller must treat a mid-session radio
// loss like Stop plus EndSession, since an un-broadcasting session is
// dead for new attendees.
func (b *Broadcaster) Start(ctx context.Context, sessionID string) error {
	state, err := b.adapter.State(ctx)
	if err != nil {
		return &operations.Error{Code: operations.ErrServerError}
	}
	if state != radio.StatePoweredOn {
		return &operations.Error{Code: ErrRadioUnavailable}
	}

	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	// First token goes out before the first tick so the session is
	// joinable immediately.
	b.rotate(loopCtx, sessionID)

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				b.rotate(loopCtx, sessionID)
			}
		}
	}()
	return nil
}

// Stop halts minting and withdraws the advertisement. It is advisory
// for correctness: EndSession's registry drop is what actually kills
// already-broadcast tokens.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.current = ""
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := b.adapter.StopAdvertising(context.Background()); err != nil {
		b.log.WithError(err).Debug("stop advertising failed")
	}
}

// CurrentToken reports the most recently broadcast value, for display.
func (b *Broadcaster) CurrentToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Broadcaster) rotate(ctx context.Context, sessionID string) {
	now := time.Now().UTC()
	value, err := registry.NewTokenValue(sessionID, now)
	if err != nil {
		b.log.WithError(err).Error("token mint failed")
		return
	}
	if err := b.pusher.PushToken(ctx, sessionID, value, now); err != nil {
		// Without the push the token verifies against nothing; skip the
		// advertisement and try again next tick.
		b.log.WithError(err).Warn("token push failed")
		return
	}
	if err := b.adapter.Advertise(ctx, radio.NewTokenAdvertisement("", value)); err != nil {
		b.log.WithError(err).Warn("advertise failed")
		return
	}
	b.mu.Lock()
	b.current = value
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{"session_id": sessionID, "token": value}).Debug("token rotated")
}

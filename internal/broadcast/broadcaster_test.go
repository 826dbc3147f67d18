package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"attendease/proximity/internal/operations"
	"attendease/proximity/internal/radio"
	"attendease/proximity/internal/radio/memory"
)

type recordingPusher struct {
	mu     sync.Mutex
	values []string
	fail   bool
}

func (p *recordingPusher) PushToken(_ context.Context, _, value string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return context.DeadlineExceeded
	}
	p.values = append(p.values, value)
	return nil
}

func (p *recordingPusher) pushed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.values...)
}

func TestBroadcasterRotates(t *testing.T) {
	airspace := memory.NewAirspace()
	adapter := memory.NewAdapter(airspace, "presenter-device")
	pusher := &recordingPusher{}
	b := New(adapter, pusher, 20*time.Millisecond)

	if err := b.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	deadline := time.Now().Add(time.Second)
	for len(pusher.pushed()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d pushes before deadline, want >= 3", len(pusher.pushed()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	current := b.CurrentToken()
	if current == "" {
		t.Fatal("no current token while broadcasting")
	}

	observer := memory.NewAdapter(airspace, "participant-device")
	advs, err := observer.Discover(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	// Snapshot last: the push always lands before the advertisement, so
	// anything observed above must already be in the snapshot.
	seen := make(map[string]bool)
	for _, value := range pusher.pushed() {
		if len(value) != 16 {
			t.Fatalf("token %q: want 16 hex characters", value)
		}
		if seen[value] {
			t.Fatalf("token %q pushed twice", value)
		}
		seen[value] = true
	}
	if !seen[current] {
		t.Fatalf("advertised token %q was never pushed", current)
	}

	var found bool
	for _, adv := range advs {
		if token, ok := adv.TokenFromServiceData(); ok && seen[token] {
			if name, nameOK := adv.TokenFromName(); !nameOK || name != token {
				t.Fatalf("advertisement name %q does not carry the token", adv.Name)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no pushed token visible in the airspace")
	}
}

func TestBroadcasterStartFailsWithRadioOff(t *testing.T) {
	airspace := memory.NewAirspace()
	adapter := memory.NewAdapter(airspace, "presenter-device")
	adapter.SetState(radio.StatePoweredOff)
	pusher := &recordingPusher{}
	b := New(adapter, pusher, 20*time.Millisecond)

	err := b.Start(context.Background(), "session-1")
	if err == nil {
		t.Fatal("expected error with the radio off")
	}
	if operations.ErrorCode(err) != ErrRadioUnavailable {
		t.Fatalf("got code %q, want %q", operations.ErrorCode(err), ErrRadioUnavailable)
	}
	if len(pusher.pushed()) != 0 {
		t.Fatal("no token may be pushed when the start fails")
	}

	observer := memory.NewAdapter(airspace, "participant-device")
	advs, err := observer.Discover(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(advs) != 0 {
		t.Fatal("nothing may be advertised when the start fails")
	}
}

func TestBroadcasterSkipsAdvertiseWhenPushFails(t *testing.T) {
	airspace := memory.NewAirspace()
	adapter := memory.NewAdapter(airspace, "presenter-device")
	pusher := &recordingPusher{fail: true}
	b := New(adapter, pusher, 10*time.Millisecond)

	if err := b.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(35 * time.Millisecond)
	b.Stop()

	// An unverifiable token must never reach the airspace.
	observer := memory.NewAdapter(airspace, "participant-device")
	advs, err := observer.Discover(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(advs) != 0 {
		t.Fatalf("got %d advertisements despite failing pushes", len(advs))
	}
	if b.CurrentToken() != "" {
		t.Fatal("current token must stay empty while pushes fail")
	}
}

func TestBroadcasterStopWithdrawsAdvertisement(t *testing.T) {
	airspace := memory.NewAirspace()
	adapter := memory.NewAdapter(airspace, "presenter-device")
	pusher := &recordingPusher{}
	b := New(adapter, pusher, 20*time.Millisecond)

	if err := b.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for b.CurrentToken() == "" {
		if time.Now().After(deadline) {
			t.Fatal("no token broadcast before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Stop()

	observer := memory.NewAdapter(airspace, "participant-device")
	advs, err := observer.Discover(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(advs) != 0 {
		t.Fatal("advertisement still visible after stop")
	}
	if b.CurrentToken() != "" {
		t.Fatal("current token must clear on stop")
	}
}

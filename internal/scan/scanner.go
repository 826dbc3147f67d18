package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"attendease/proximity/internal/radio"
)

// Verdict reasons. NoMatch is an expected negative, retried by the
// polling loop; the radio reasons halt the loop until the user acts.
const (
	ReasonNotNearby        = "not_nearby"
	ReasonRadioOff         = "radio_off"
	ReasonPermissionDenied = "permission_denied"
	ReasonScanInProgress   = "scan_in_progress"
)

const (
	MatchedViaServiceData = "service_data"
	MatchedViaDeviceName  = "device_name"
)

// Verdict is the outcome of one discovery attempt. It is transient:
// consumed once by whoever marks attendance, never stored.
type Verdict struct {
	Found      bool
	MatchedVia string
	ObservedID string
	Token      string
	Reason     string
}

// TokenVerifier checks a candidate token against the server-held
// registry. The registry, not the observation, owns validity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, sessionID, value string) (bool, error)
}

// Matcher is one strategy in the ordered fallback chain.
type Matcher interface {
	Name() string
	Match(ctx context.Context, sessionID string, adv radio.Advertisement) (token string, ok bool, err error)
}

// ServiceDataMatcher matches a structured advertisement keyed by the
// application UUID. Primary strategy: no name mutation, rotates freely.
type ServiceDataMatcher struct {
	Verifier TokenVerifier
}

func (m ServiceDataMatcher) Name() string { return MatchedViaServiceData }

func (m ServiceDataMatcher) Match(ctx context.Context, sessionID string, adv radio.Advertisement) (string, bool, error) {
	value, ok := adv.TokenFromServiceData()
	if !ok {
		return "", false, nil
	}
	valid, err := m.Verifier.VerifyToken(ctx, sessionID, value)
	if err != nil {
		return "", false, err
	}
	return value, valid, nil
}

// NamePrefixMatcher matches the PREFIX-<token> discoverable-name
// convention, the fallback for radios without advertisement APIs.
type NamePrefixMatcher struct {
	Verifier TokenVerifier
}

func (m NamePrefixMatcher) Name() string { return MatchedViaDeviceName }

func (m NamePrefixMatcher) Match(ctx context.Context, sessionID string, adv radio.Advertisement) (string, bool, error) {
	value, ok := adv.TokenFromName()
	if !ok {
		return "", false, nil
	}
	valid, err := m.Verifier.VerifyToken(ctx, sessionID, value)
	if err != nil {
		return "", false, err
	}
	return value, valid, nil
}

// DefaultMatchers is the production fallback order.
func DefaultMatchers(verifier TokenVerifier) []Matcher {
	return []Matcher{
		ServiceDataMatcher{Verifier: verifier},
		NamePrefixMatcher{Verifier: verifier},
	}
}

// Scanner is the participant-side discovery loop. Scans are serialized:
// a request arriving while one is in flight is dropped, not queued, and
// reported as a skip rather than an error.
type Scanner struct {
	adapter radio.Adapter
	mu      sync.Mutex
	log     *logrus.Entry
}

func New(adapter radio.Adapter) *Scanner {
	return &Scanner{
		adapter: adapter,
		log:     logrus.WithField("component", "scanner"),
	}
}

// ScanOnce performs one discovery pass and evaluates the matcher chain
// in order against every observation; the first success wins.
func (s *Scanner) ScanOnce(ctx context.Context, sessionID string, matchers []Matcher, timeout time.Duration) Verdict {
	if !s.mu.TryLock() {
		return Verdict{Reason: ReasonScanInProgress}
	}
	defer s.mu.Unlock()

	state, err := s.adapter.State(ctx)
	if err != nil {
		return Verdict{Reason: ReasonRadioOff}
	}
	switch state {
	case radio.StatePoweredOff:
		return Verdict{Reason: ReasonRadioOff}
	case radio.StateUnauthorized:
		return Verdict{Reason: ReasonPermissionDenied}
	}

	advs, err := s.adapter.Discover(ctx, timeout)
	if err != nil {
		switch {
		case errors.Is(err, radio.ErrRadioOff):
			return Verdict{Reason: ReasonRadioOff}
		case errors.Is(err, radio.ErrUnauthorized):
			return Verdict{Reason: ReasonPermissionDenied}
		case errors.Is(err, radio.ErrDiscoveryBusy):
			return Verdict{Reason: ReasonScanInProgress}
		}
		s.log.WithError(err).Warn("discovery failed")
		return Verdict{Reason: ReasonNotNearby}
	}

	for _, matcher := range matchers {
		for _, adv := range advs {
			token, ok, err := matcher.Match(ctx, sessionID, adv)
			if err != nil {
				s.log.WithError(err).WithField("strategy", matcher.Name()).Warn("matcher error")
				continue
			}
			if ok {
				return Verdict{
					Found:      true,
					MatchedVia: matcher.Name(),
					ObservedID: adv.Address,
					Token:      token,
				}
			}
		}
	}
	return Verdict{Reason: ReasonNotNearby}
}

// Poll re-invokes ScanOnce on a fixed interval until a match, a halting
// radio error, or cancellation. NoMatch verdicts are silently retried;
// scan-in-progress skips are dropped without shortening the cadence.
func (s *Scanner) Poll(ctx context.Context, sessionID string, matchers []Matcher, interval, timeout time.Duration) (Verdict, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		verdict := s.ScanOnce(ctx, sessionID, matchers, timeout)
		switch {
		case verdict.Found:
			return verdict, nil
		case verdict.Reason == ReasonRadioOff || verdict.Reason == ReasonPermissionDenied:
			// Surfaced once with an actionable remedy; not retried until
			// the user acts.
			return verdict, nil
		}
		s.log.WithField("reason", verdict.Reason).Debug("scan attempt without match")

		select {
		case <-ctx.Done():
			return Verdict{Reason: ReasonNotNearby}, ctx.Err()
		case <-ticker.C:
		}
	}
}

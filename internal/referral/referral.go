// Package referral answers "who referred this user, and at what tier".
//
// The fee distributor treats this as an external dependency: lookups run
// behind a circuit breaker with a timeout, and any failure other than an
// unknown user surfaces as ErrUnavailable so the caller can degrade.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/circuitbreaker"
)

var (
	ErrUserNotFound    = apperr.New(apperr.NotFound, "referral user not found")
	ErrUnavailable     = apperr.New(apperr.ExternalServiceFailure, "referral service unavailable")
	ErrInvalidTier     = apperr.New(apperr.Invalid, "unknown referral tier")
	ErrSelfReferral    = apperr.New(apperr.Invalid, "a user cannot refer themselves")
	ErrReferralCycle   = apperr.New(apperr.Invalid, "referrer is referred by this user")
	ErrAlreadyReferred = apperr.New(apperr.Conflict, "user already has a referrer")
)

// Tier determines the share of a fee paid to a referrer.
type Tier string

const (
	TierStandard Tier = "standard"
	TierVIP      Tier = "vip"
	TierGolden   Tier = "golden"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierStandard, TierVIP, TierGolden:
		return true
	}
	return false
}

// Info is the result of a lookup. An empty ReferrerID means no referrer.
type Info struct {
	ReferrerID string `json:"referrerId,omitempty"`
	Tier       Tier   `json:"tier,omitempty"`
}

// Store persists referral relationships.
type Store interface {
	// GetReferrer returns the user's referrer, "" if none, or ErrUserNotFound.
	GetReferrer(ctx context.Context, userID string) (string, error)
	// GetTier returns the user's tier, or ErrUserNotFound.
	GetTier(ctx context.Context, userID string) (Tier, error)
	// SetReferrer creates the user record if needed. Fails with
	// ErrAlreadyReferred if a referrer is already set.
	SetReferrer(ctx context.Context, userID, referrerID string) error
	SetTier(ctx context.Context, userID string, tier Tier) error
}

const breakerKey = "referral_lookup"

// Service wraps a Store with a circuit breaker and lookup timeout.
type Service struct {
	store   Store
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a referral service.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: 2 * time.Second,
		logger:  slog.Default(),
	}
}

// WithBreaker replaces the circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// WithTimeout sets the per-lookup timeout.
func (s *Service) WithTimeout(d time.Duration) *Service {
	s.timeout = d
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Lookup returns the user's referrer and that referrer's tier. A referrer
// without a tier record is standard.
func (s *Service) Lookup(ctx context.Context, userID string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var info *Info
	err := s.breaker.Execute(breakerKey, func() error {
		referrer, err := s.store.GetReferrer(ctx, userID)
		if err != nil || referrer == "" {
			info = &Info{}
			return err
		}
		tier, err := s.store.GetTier(ctx, referrer)
		switch {
		case errors.Is(err, ErrUserNotFound), err == nil && !tier.Valid():
			tier = TierStandard
		case err != nil:
			return err
		}
		info = &Info{ReferrerID: referrer, Tier: tier}
		return nil
	}, func(err error) bool { return errors.Is(err, ErrUserNotFound) })

	switch {
	case err == nil:
		return info, nil
	case errors.Is(err, ErrUserNotFound):
		return nil, err
	case errors.Is(err, circuitbreaker.ErrOpen):
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Warn("referral lookup failed", "user", userID, "error", err)
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Register records that referrerID referred userID.
func (s *Service) Register(ctx context.Context, userID, referrerID string) error {
	referrerID = strings.TrimSpace(referrerID)
	if referrerID == "" {
		return ErrUserNotFound
	}
	if userID == referrerID {
		return ErrSelfReferral
	}
	upstream, err := s.store.GetReferrer(ctx, referrerID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return err
	}
	if upstream == userID {
		return ErrReferralCycle
	}
	if err := s.store.SetReferrer(ctx, userID, referrerID); err != nil {
		return err
	}
	s.logger.Info("referral registered", "user", userID, "referrer", referrerID)
	return nil
}

// SetTier changes a user's tier.
func (s *Service) SetTier(ctx context.Context, userID string, tier Tier) error {
	if !tier.Valid() {
		return ErrInvalidTier
	}
	return s.store.SetTier(ctx, userID, tier)
}

// Get returns the stored relationship for a user without the breaker.
func (s *Service) Get(ctx context.Context, userID string) (*Info, error) {
	referrer, err := s.store.GetReferrer(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier, err := s.store.GetTier(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Info{ReferrerID: referrer, Tier: tier}, nil
}

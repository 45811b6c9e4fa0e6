// Package merchant tracks trading statistics per user and derives the
// badge shown next to their offers.
//
// The score is built from:
// - Completed trade count
// - Completion rate (completed vs cancelled by the user)
// - Release speed as a seller
// - Time since the first trade
package merchant

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
)

var ErrMerchantNotFound = apperr.New(apperr.NotFound, "merchant has no trade history")

// Badge is the public trust level of a merchant.
type Badge string

const (
	BadgeNew         Badge = "new"         // 0-19
	BadgeEmerging    Badge = "emerging"    // 20-39
	BadgeEstablished Badge = "established" // 40-59
	BadgeTrusted     Badge = "trusted"     // 60-79
	BadgeElite       Badge = "elite"       // 80-100
)

// Stats are the running totals for one user.
type Stats struct {
	UserID              string                     `json:"userId"`
	TotalTrades         int                        `json:"totalTrades"`
	CompletedTrades     int                        `json:"completedTrades"`
	CancelledTrades     int                        `json:"cancelledTrades"` // cancellations this user caused
	DisputedTrades      int                        `json:"disputedTrades"`
	Volume              map[string]decimal.Decimal `json:"volume"` // completed volume per currency
	ReleaseSamples      int                        `json:"releaseSamples"`
	TotalReleaseSeconds float64                    `json:"-"`
	Score               float64                    `json:"score"`
	Badge               Badge                      `json:"badge"`
	FirstTradeAt        time.Time                  `json:"firstTradeAt"`
	LastTradeAt         time.Time                  `json:"lastTradeAt"`
	UpdatedAt           time.Time                  `json:"updatedAt"`
}

// NewStats returns empty stats for a user.
func NewStats(userID string, now time.Time) *Stats {
	return &Stats{
		UserID:       userID,
		Volume:       make(map[string]decimal.Decimal),
		Badge:        BadgeNew,
		FirstTradeAt: now,
		LastTradeAt:  now,
		UpdatedAt:    now,
	}
}

// AvgReleaseSeconds is the mean time between payment and release for trades
// this user sold.
func (s *Stats) AvgReleaseSeconds() float64 {
	if s.ReleaseSamples == 0 {
		return 0
	}
	return s.TotalReleaseSeconds / float64(s.ReleaseSamples)
}

// CompletionRate is completed trades over all finished trades.
func (s *Stats) CompletionRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.CompletedTrades) / float64(s.TotalTrades)
}

// MinTradesForBadge is the completed trade count below which every merchant
// shows as new.
const MinTradesForBadge = 3

// Components breaks down the score.
type Components struct {
	ActivityScore   float64 `json:"activityScore"`
	CompletionScore float64 `json:"completionScore"`
	SpeedScore      float64 `json:"speedScore"`
	AgeScore        float64 `json:"ageScore"`
}

// Weights for score components (must sum to 1.0)
type Weights struct {
	Activity   float64
	Completion float64
	Speed      float64
	Age        float64
}

var DefaultWeights = Weights{
	Activity:   0.30,
	Completion: 0.35,
	Speed:      0.20,
	Age:        0.15,
}

// Calculator computes merchant scores.
type Calculator struct {
	weights Weights
}

// NewCalculator creates a calculator with the default weights.
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights}
}

// NewCalculatorWithWeights creates a calculator with custom weights.
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w}
}

// Calculate scores s as of now.
func (c *Calculator) Calculate(s *Stats, now time.Time) (float64, Badge, Components) {
	var comp Components

	// 0 = 0, 10 = 33, 100 = 66, 1000+ = 100
	if s.CompletedTrades > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(s.CompletedTrades)+1))
	}

	// Neutral until there are enough trades to judge.
	if s.TotalTrades < 5 {
		comp.CompletionScore = 50
	} else {
		comp.CompletionScore = s.CompletionRate() * 100
	}

	// Releasing within a minute scores 100, an hour or more scores 0.
	if s.ReleaseSamples == 0 {
		comp.SpeedScore = 50
	} else {
		avg := s.AvgReleaseSeconds()
		comp.SpeedScore = math.Max(0, math.Min(100, 100-(avg-60)/35.4))
	}

	if days := now.Sub(s.FirstTradeAt).Hours() / 24; days > 0 {
		comp.AgeScore = math.Min(100, 33.3*math.Log10(days+1))
	}

	score := c.weights.Activity*comp.ActivityScore +
		c.weights.Completion*comp.CompletionScore +
		c.weights.Speed*comp.SpeedScore +
		c.weights.Age*comp.AgeScore
	score = math.Max(0, math.Min(100, score))
	score = math.Round(score*10) / 10

	badge := badgeFor(score)
	if s.CompletedTrades < MinTradesForBadge {
		badge = BadgeNew
	}
	return score, badge, comp
}

func badgeFor(score float64) Badge {
	switch {
	case score >= 80:
		return BadgeElite
	case score >= 60:
		return BadgeTrusted
	case score >= 40:
		return BadgeEstablished
	case score >= 20:
		return BadgeEmerging
	default:
		return BadgeNew
	}
}

// Store persists merchant stats.
type Store interface {
	Get(ctx context.Context, userID string) (*Stats, error)
	Upsert(ctx context.Context, s *Stats) error
	// SaveBatch upserts many rows in one call.
	SaveBatch(ctx context.Context, stats []*Stats) error
	// List returns merchants ordered by score, best first.
	List(ctx context.Context, limit int) ([]*Stats, error)
	All(ctx context.Context) ([]*Stats, error)
}

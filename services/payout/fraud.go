package payout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/services"
	"go.uber.org/zap"
)

// VelocitySource reports recent payout activity of a data sovereign
type VelocitySource interface {
	// WindowStats counts and sums live payouts created since the given time
	WindowStats(ctx context.Context, dsID string, since time.Time) (int, decimal.Decimal, error)

	// Record notes a payout request. It runs inside the request transaction
	// and an error rejects the request.
	Record(ctx context.Context, p *models.PayoutInstruction) error

	// Forget removes a payout that failed or was cancelled
	Forget(ctx context.Context, p *models.PayoutInstruction) error
}

// RepositoryVelocity derives velocity from the payout store. Record and
// Forget are no-ops because the store already reflects both.
type RepositoryVelocity struct {
	payouts repositories.PayoutRepository
}

// NewRepositoryVelocity creates a velocity source over the payout store
func NewRepositoryVelocity(payouts repositories.PayoutRepository) *RepositoryVelocity {
	return &RepositoryVelocity{payouts: payouts}
}

// WindowStats implements VelocitySource
func (v *RepositoryVelocity) WindowStats(ctx context.Context, dsID string, since time.Time) (int, decimal.Decimal, error) {
	return v.payouts.WindowStats(ctx, dsID, since)
}

// Record implements VelocitySource
func (v *RepositoryVelocity) Record(ctx context.Context, p *models.PayoutInstruction) error {
	return nil
}

// Forget implements VelocitySource
func (v *RepositoryVelocity) Forget(ctx context.Context, p *models.PayoutInstruction) error {
	return nil
}

// FraudGate rejects payout requests that exceed the per-window count or amount cap
type FraudGate struct {
	source    VelocitySource
	threshold int
	dailyCap  decimal.Decimal
	window    time.Duration
	logger    *zap.Logger
}

// NewFraudGate creates a gate over source
func NewFraudGate(source VelocitySource, threshold int, dailyCap decimal.Decimal, window time.Duration, logger *zap.Logger) *FraudGate {
	return &FraudGate{
		source:    source,
		threshold: threshold,
		dailyCap:  dailyCap,
		window:    window,
		logger:    logger,
	}
}

// Check returns a fraud_rejected error when amount may not be paid out to dsID now
func (g *FraudGate) Check(ctx context.Context, dsID string, amount decimal.Decimal, now time.Time) error {
	count, sum, err := g.source.WindowStats(ctx, dsID, now.Add(-g.window))
	if err != nil {
		return services.WrapInternal("failed to read payout velocity", err)
	}

	if count >= g.threshold {
		g.logger.Warn("payout rejected by velocity threshold",
			zap.String("security_event", "payout_velocity"),
			zap.String("ds_id", dsID),
			zap.Int("count", count),
			zap.Int("threshold", g.threshold))
		return services.Derive(services.ErrVelocityExceeded, nil).
			WithDetail("count", count).
			WithDetail("threshold", g.threshold)
	}

	if total := sum.Add(amount); total.GreaterThan(g.dailyCap) {
		g.logger.Warn("payout rejected by daily cap",
			zap.String("security_event", "payout_daily_cap"),
			zap.String("ds_id", dsID),
			zap.String("window_total", sum.String()),
			zap.String("amount", amount.String()),
			zap.String("cap", g.dailyCap.String()))
		return services.Derive(services.ErrDailyCapExceeded, nil).
			WithDetail("window_total", sum.String()).
			WithDetail("cap", g.dailyCap.String())
	}
	return nil
}

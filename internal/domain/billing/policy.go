package billing

import "context"

// EnforcementPolicy decides admission for one enforcement mode
type EnforcementPolicy interface {
	// Mode returns the enforcement mode the policy implements
	Mode() EnforcementMode
	// Evaluate decides on a snapshot without mutating anything
	Evaluate(ectx EnforcementContext) EnforcementDecision
	// ReserveAtomic performs the check and the reserve as one atomic step
	ReserveAtomic(ctx context.Context, repo UsageRepository, ectx EnforcementContext, aggregateID int64) (EnforcementDecision, error)
}

// AuthorizeRequest is the input to PricingPolicy.Authorize.
// Aggregate is read after the hold was placed.
type AuthorizeRequest struct {
	Account     *BillingAccount
	MetricLimit ResolvedMetricLimit
	Amount      int64
	Period      Period
	Aggregate   *UsagePeriodAggregate
}

// ChargeRequest is the input to PricingPolicy.Charge.
// CommittedBefore is captured inside the commit transaction.
type ChargeRequest struct {
	Account         *BillingAccount
	MetricLimit     ResolvedMetricLimit
	Amount          int64
	Period          Period
	CommittedBefore int64
	ReservationULID string
}

// RefundRequest is the input to PricingPolicy.Refund
type RefundRequest struct {
	Account         *BillingAccount
	MetricLimit     ResolvedMetricLimit
	Amount          int64
	Period          Period
	ReservationULID string
}

// PricingPolicy settles the cost of usage for one pricing mode
type PricingPolicy interface {
	// Mode returns the pricing mode the policy implements
	Mode() PricingMode
	// Authorize decides whether the account can pay for the reservation
	Authorize(ctx context.Context, repos PricingRepositories, req AuthorizeRequest) (AffordabilityResult, error)
	// Charge settles a commit. Safe to repeat for the same reservation.
	Charge(ctx context.Context, repos PricingRepositories, req ChargeRequest) (ChargeResult, error)
	// Refund reverses the charge of a released reservation. Safe to repeat.
	Refund(ctx context.Context, repos PricingRepositories, req RefundRequest) (RefundResult, error)
}

// Failpoint names checked by the reservation lifecycle
const (
	FailpointReserveAfterAggregate   = "reserve.after_aggregate"
	FailpointReserveAfterEnforcement = "reserve.after_enforcement"
	FailpointReserveAfterAuthorize   = "reserve.after_authorize"
	FailpointReserveBeforeInsert     = "reserve.before_insert"
	FailpointCommitAfterTransition   = "commit.after_transition"
	FailpointCommitAfterAggregate    = "commit.after_aggregate"
	FailpointReleaseAfterTransition  = "release.after_transition"
	FailpointReleaseAfterAggregate   = "release.after_aggregate"
)

// Failpoint injects failures at named points of the lifecycle. A non-nil
// error aborts the surrounding transaction.
type Failpoint interface {
	Check(name string) error
}

// NoFailpoints never fails
type NoFailpoints struct{}

// Check always returns nil
func (NoFailpoints) Check(string) error { return nil }

// FailpointFunc adapts a function to Failpoint
type FailpointFunc func(name string) error

// Check calls f
func (f FailpointFunc) Check(name string) error { return f(name) }

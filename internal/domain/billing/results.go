package billing

// Warning messages attached to results
const (
	WarningIdempotentReplay  = "Idempotent replay: reservation already exists"
	WarningSoftEnforcement   = "Usage exceeds included limit (soft enforcement)"
	WarningAlreadyCommitted  = "Already committed (idempotent replay)"
	ReasonUsageLimitExceeded = "Usage limit exceeded"
)

// ReservationResult is the outcome of a Reserve call
type ReservationResult struct {
	ULID                  string              `json:"ulid"`
	Allowed               bool                `json:"allowed"`
	Decision              EnforcementDecision `json:"decision"`
	Warning               string              `json:"warning,omitempty"`
	Metadata              map[string]any      `json:"metadata,omitempty"`
	IsInsufficientBalance bool                `json:"-"`
}

// DeniedReservation builds a denied result carrying reason as the warning
func DeniedReservation(reason string, insufficientBalance bool) ReservationResult {
	return ReservationResult{
		Allowed:               false,
		Decision:              DecisionDeny,
		Warning:               reason,
		IsInsufficientBalance: insufficientBalance,
	}
}

// CommitResult is the outcome of a Commit call
type CommitResult struct {
	ULID               string `json:"ulid"`
	Committed          bool   `json:"committed"`
	Charged            bool   `json:"charged"`
	ChargedAmountCents int64  `json:"charged_amount_cents"`
	OverageRecorded    bool   `json:"overage_recorded"`
	Warning            string `json:"warning,omitempty"`
}

// ReleaseResult is the outcome of a Release call
type ReleaseResult struct {
	ULID                string `json:"ulid"`
	Released            bool   `json:"released"`
	Refunded            bool   `json:"refunded"`
	RefundedAmountCents int64  `json:"refunded_amount_cents"`
}

// AffordabilityResult is the outcome of a pricing authorization
type AffordabilityResult struct {
	Affordable            bool
	EstimatedCostCents    int64
	Reason                string
	IsInsufficientBalance bool
}

// Free is an authorization that costs nothing
func Free() AffordabilityResult {
	return AffordabilityResult{Affordable: true}
}

// CanAfford is a priced authorization that succeeded
func CanAfford(costCents int64) AffordabilityResult {
	return AffordabilityResult{Affordable: true, EstimatedCostCents: costCents}
}

// CannotAfford is a denied authorization
func CannotAfford(reason string, costCents int64, insufficientBalance bool) AffordabilityResult {
	return AffordabilityResult{
		Affordable:            false,
		EstimatedCostCents:    costCents,
		Reason:                reason,
		IsInsufficientBalance: insufficientBalance,
	}
}

// ChargeResult is the outcome of settling a commit
type ChargeResult struct {
	Charged                   bool
	AmountCents               int64
	OverageRecorded           bool
	TransactionIdempotencyKey string
}

// RefundResult is the outcome of reversing a charge on release
type RefundResult struct {
	Refunded    bool
	AmountCents int64
}

// UsageSnapshot is the current usage of one metric in the current period
type UsageSnapshot struct {
	AccountID  int64  `json:"billing_account_id"`
	MetricCode string `json:"metric_code"`
	PeriodKey  string `json:"period"`
	Committed  int64  `json:"committed"`
	Reserved   int64  `json:"reserved"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
}

package billing

// ReservationStatus is the lifecycle state of a usage reservation
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// String returns the string representation of ReservationStatus
func (s ReservationStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known value
func (s ReservationStatus) IsValid() bool {
	switch s {
	case ReservationStatusPending, ReservationStatusCommitted, ReservationStatusReleased, ReservationStatusExpired:
		return true
	}
	return false
}

// IsTerminal returns true once the reservation can no longer change
func (s ReservationStatus) IsTerminal() bool {
	return s != ReservationStatusPending && s.IsValid()
}

// allowedTransitions lists every legal status change. Only pending rows move.
var allowedTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusPending: {
		ReservationStatusCommitted,
		ReservationStatusReleased,
		ReservationStatusExpired,
	},
}

// CanTransitionTo reports whether from -> to is a permitted transition
func (s ReservationStatus) CanTransitionTo(to ReservationStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EnforcementMode selects how limits are enforced
type EnforcementMode string

const (
	// EnforcementModeHard denies usage that would exceed the effective limit
	EnforcementModeHard EnforcementMode = "hard"
	// EnforcementModeSoft always admits usage and only warns past the limit
	EnforcementModeSoft EnforcementMode = "soft"
)

// String returns the string representation of EnforcementMode
func (m EnforcementMode) String() string {
	return string(m)
}

// IsValid returns true if the mode is a known value
func (m EnforcementMode) IsValid() bool {
	return m == EnforcementModeHard || m == EnforcementModeSoft
}

// ParseEnforcementMode parses a mode, falling back to def on unknown input
func ParseEnforcementMode(s string, def EnforcementMode) EnforcementMode {
	m := EnforcementMode(s)
	if m.IsValid() {
		return m
	}
	return def
}

// PricingMode selects how usage is paid for
type PricingMode string

const (
	// PricingModePrepaid debits the account wallet at commit time
	PricingModePrepaid PricingMode = "prepaid"
	// PricingModePostpaid records overage for later invoicing
	PricingModePostpaid PricingMode = "postpaid"
	// PricingModeHybrid is free within the included amount and delegates overflow
	PricingModeHybrid PricingMode = "hybrid"
)

// String returns the string representation of PricingMode
func (m PricingMode) String() string {
	return string(m)
}

// IsValid returns true if the mode is a known value
func (m PricingMode) IsValid() bool {
	switch m {
	case PricingModePrepaid, PricingModePostpaid, PricingModeHybrid:
		return true
	}
	return false
}

// ParsePricingMode parses a mode, falling back to def on unknown input
func ParsePricingMode(s string, def PricingMode) PricingMode {
	m := PricingMode(s)
	if m.IsValid() {
		return m
	}
	return def
}

// TransactionType classifies a wallet ledger entry
type TransactionType string

const (
	TransactionTypeCredit     TransactionType = "credit"
	TransactionTypeDebit      TransactionType = "debit"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// String returns the string representation of TransactionType
func (t TransactionType) String() string {
	return string(t)
}

// OverageSettlementStatus tracks invoicing of an overage record
type OverageSettlementStatus string

const (
	OverageSettlementPending  OverageSettlementStatus = "pending"
	OverageSettlementInvoiced OverageSettlementStatus = "invoiced"
	OverageSettlementPaid     OverageSettlementStatus = "paid"
	OverageSettlementWaived   OverageSettlementStatus = "waived"
)

// String returns the string representation of OverageSettlementStatus
func (s OverageSettlementStatus) String() string {
	return string(s)
}

// EnforcementDecision is the outcome of an admission check
type EnforcementDecision string

const (
	DecisionAllow            EnforcementDecision = "allow"
	DecisionAllowWithWarning EnforcementDecision = "allow_with_warning"
	DecisionDeny             EnforcementDecision = "deny"
)

// String returns the string representation of EnforcementDecision
func (d EnforcementDecision) String() string {
	return string(d)
}

// IsAllowed returns true for both allow variants
func (d EnforcementDecision) IsAllowed() bool {
	return d == DecisionAllow || d == DecisionAllowWithWarning
}

// HasWarning returns true when usage is admitted past the limit
func (d EnforcementDecision) HasWarning() bool {
	return d == DecisionAllowWithWarning
}

// Package billing provides the domain model for usage metering and quota enforcement.
//
// This package implements the usage metering bounded context, which is responsible for:
//   - Tracking consumption of named metrics per billing account and billing period
//   - Deciding whether new usage may proceed against plan limits (enforcement)
//   - Settling the monetary cost of usage (wallet debit, deferred overage, or hybrid)
//
// Usage flows through a two-phase lifecycle. A caller first Reserves capacity,
// which places a hold on the period aggregate, then either Commits the hold into
// recorded usage or Releases it. Reservations that are never finished are expired
// by a background sweep.
//
// Key Aggregates:
//   - UsagePeriodAggregate: committed and reserved counters for (account, metric, period)
//   - UsageReservation: a single hold, identified by a ULID
//   - BillingAccount: wallet balance and auto-topup configuration
//
// Value Objects:
//   - ResolvedMetricLimit: plan limit merged with account overrides
//   - Period: billing window produced by a PeriodResolver
//   - EnforcementContext: counters and limits seen by an enforcement policy
package billing

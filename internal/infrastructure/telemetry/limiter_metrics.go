package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Reserve outcomes used as the outcome attribute
const (
	OutcomeAllowed             = "allowed"
	OutcomeAllowedWithWarning  = "allowed_with_warning"
	OutcomeLimitExceeded       = "limit_exceeded"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeReplay              = "replay"
	OutcomeError               = "error"
)

// ErrMeterNil is returned when a meter is required but nil.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// LimiterMetrics records reserve, commit and release activity plus
// maintenance and event delivery counts. A nil *LimiterMetrics is valid
// and records nothing.
type LimiterMetrics struct {
	reserveTotal     *Counter
	reserveDuration  *Histogram
	reservedUnits    *Counter
	commitTotal      *Counter
	chargedCents     *Counter
	releaseTotal     *Counter
	eventsTotal      *Counter
	jobProcessed     *Counter
	jobDuration      *Histogram
	divergencesTotal *Counter
}

// NewLimiterMetrics creates the limiter instruments on meter.
func NewLimiterMetrics(meter metric.Meter) (*LimiterMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	m := &LimiterMetrics{}
	counters := []struct {
		dst               **Counter
		name, desc, unit string
	}{
		{&m.reserveTotal, "ul_reserve_total", "Reserve calls by outcome", "{calls}"},
		{&m.reservedUnits, "ul_reserved_units_total", "Units reserved by admitted calls", "{units}"},
		{&m.commitTotal, "ul_commit_total", "Committed reservations", "{reservations}"},
		{&m.chargedCents, "ul_charged_cents_total", "Amount charged on commit in cents", "{cents}"},
		{&m.releaseTotal, "ul_release_total", "Released reservations", "{reservations}"},
		{&m.eventsTotal, "ul_events_published_total", "Domain events published", "{events}"},
		{&m.jobProcessed, "ul_maintenance_processed_total", "Rows processed by maintenance jobs", "{rows}"},
		{&m.divergencesTotal, "ul_reconciliation_divergences_total", "Divergences found by reconciliation", "{divergences}"},
	}
	for _, c := range counters {
		counter, err := NewCounter(meter, c.name, c.desc, c.unit)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	m.reserveDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "ul_reserve_duration_seconds",
		Description: "Reserve latency including the admission transaction",
		Unit:        "s",
		Boundaries:  ReserveDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	m.jobDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "ul_maintenance_duration_seconds",
		Description: "Maintenance job run time",
		Unit:        "s",
		Boundaries:  JobDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordReserve records one reserve call.
func (m *LimiterMetrics) RecordReserve(ctx context.Context, metricCode, outcome string, amount int64, d time.Duration) {
	if m == nil {
		return
	}
	m.reserveTotal.Inc(ctx, AttrMetricCode.String(metricCode), AttrOutcome.String(outcome))
	m.reserveDuration.RecordDuration(ctx, d, AttrMetricCode.String(metricCode), AttrOutcome.String(outcome))
	if outcome == OutcomeAllowed || outcome == OutcomeAllowedWithWarning {
		m.reservedUnits.Add(ctx, amount, AttrMetricCode.String(metricCode))
	}
}

// RecordCommit records a commit and the amount it charged.
func (m *LimiterMetrics) RecordCommit(ctx context.Context, metricCode, pricingMode string, chargedCents int64) {
	if m == nil {
		return
	}
	m.commitTotal.Inc(ctx, AttrMetricCode.String(metricCode), AttrPricingMode.String(pricingMode))
	if chargedCents > 0 {
		m.chargedCents.Add(ctx, chargedCents, AttrMetricCode.String(metricCode), AttrPricingMode.String(pricingMode))
	}
}

// RecordRelease records a release.
func (m *LimiterMetrics) RecordRelease(ctx context.Context, metricCode string) {
	if m == nil {
		return
	}
	m.releaseTotal.Inc(ctx, AttrMetricCode.String(metricCode))
}

// RecordEvent records a published domain event.
func (m *LimiterMetrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.Inc(ctx, AttrEventType.String(eventType))
}

// RecordMaintenance records a maintenance job run.
func (m *LimiterMetrics) RecordMaintenance(ctx context.Context, job string, processed int64, d time.Duration) {
	if m == nil {
		return
	}
	m.jobProcessed.Add(ctx, processed, AttrJob.String(job))
	m.jobDuration.RecordDuration(ctx, d, AttrJob.String(job))
}

// RecordDivergences records divergences found by a reconciliation job.
func (m *LimiterMetrics) RecordDivergences(ctx context.Context, job string, count int64) {
	if m == nil || count == 0 {
		return
	}
	m.divergencesTotal.Add(ctx, count, AttrJob.String(job))
}

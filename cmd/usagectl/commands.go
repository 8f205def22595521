package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	appbilling "github.com/usagelimiter/backend/internal/application/billing"
)

// ErrDivergence is returned by reconciliation commands that found counters
// disagreeing with their source rows
var ErrDivergence = errors.New("reconciliation found divergences")

const periodStartLayout = "2006-01-02"

type maintenance interface {
	ExpireReservations(ctx context.Context, cutoff time.Time) (appbilling.ExpireReport, error)
	ReconcileUsage(ctx context.Context, opts appbilling.ReconcileOptions) (appbilling.ReconcileReport, error)
	ReconcileWallets(ctx context.Context, opts appbilling.ReconcileOptions) (appbilling.ReconcileReport, error)
	CleanupIdempotency(ctx context.Context, olderThan time.Time) (appbilling.CleanupReport, error)
	RecalculateOverages(ctx context.Context, periodStart *time.Time) (appbilling.OverageReport, error)
}

type seeder interface {
	Seed(ctx context.Context, catalog *appbilling.Catalog) (appbilling.SeedReport, error)
}

var (
	_ maintenance = (*appbilling.MaintenanceService)(nil)
	_ seeder      = (*appbilling.CatalogSeeder)(nil)
)

var now = func() time.Time { return time.Now().UTC() }

// ExpireCmd expires pending reservations
type ExpireCmd struct {
	Grace time.Duration `help:"Only expire reservations that expired at least this long ago." default:"0s"`
}

func (c *ExpireCmd) exec(ctx context.Context, m maintenance, out io.Writer) error {
	report, err := m.ExpireReservations(ctx, now().Add(-c.Grace))
	if err != nil {
		return err
	}
	return writeReport(out, report)
}

// ReconcileUsageCmd reconciles period aggregates
type ReconcileUsageCmd struct {
	AutoCorrect bool   `help:"Rewrite aggregates that disagree with their reservations."`
	PeriodStart string `help:"Only reconcile the period starting on this date (YYYY-MM-DD)."`
}

func (c *ReconcileUsageCmd) exec(ctx context.Context, m maintenance, out io.Writer) error {
	opts, err := reconcileOptions(c.AutoCorrect, c.PeriodStart)
	if err != nil {
		return err
	}
	report, err := m.ReconcileUsage(ctx, opts)
	if err != nil {
		return err
	}
	return finishReconcile(out, report, c.AutoCorrect)
}

// ReconcileWalletsCmd reconciles wallet balances
type ReconcileWalletsCmd struct {
	AutoCorrect bool `help:"Rewrite balances that disagree with their transactions."`
}

func (c *ReconcileWalletsCmd) exec(ctx context.Context, m maintenance, out io.Writer) error {
	report, err := m.ReconcileWallets(ctx, appbilling.ReconcileOptions{AutoCorrect: c.AutoCorrect})
	if err != nil {
		return err
	}
	return finishReconcile(out, report, c.AutoCorrect)
}

// CleanupIdempotencyCmd deletes expired idempotency records
type CleanupIdempotencyCmd struct {
	Retention time.Duration `help:"Keep expired records for this long before deleting them." default:"0s"`
}

func (c *CleanupIdempotencyCmd) exec(ctx context.Context, m maintenance, out io.Writer) error {
	report, err := m.CleanupIdempotency(ctx, now().Add(-c.Retention))
	if err != nil {
		return err
	}
	return writeReport(out, report)
}

// RecalculateOveragesCmd recomputes overage amounts
type RecalculateOveragesCmd struct {
	PeriodStart string `help:"Only recalculate overages of the period starting on this date (YYYY-MM-DD)."`
}

func (c *RecalculateOveragesCmd) exec(ctx context.Context, m maintenance, out io.Writer) error {
	periodStart, err := parsePeriodStart(c.PeriodStart)
	if err != nil {
		return err
	}
	report, err := m.RecalculateOverages(ctx, periodStart)
	if err != nil {
		return err
	}
	return writeReport(out, report)
}

// SeedCmd loads a catalog file
type SeedCmd struct {
	Catalog string `arg:"" help:"Path to the YAML catalog." type:"existingfile"`
}

func (c *SeedCmd) exec(ctx context.Context, s seeder, out io.Writer) error {
	catalog, err := appbilling.LoadCatalogFile(c.Catalog)
	if err != nil {
		return err
	}
	report, err := s.Seed(ctx, catalog)
	if err != nil {
		return err
	}
	return writeReport(out, report)
}

func reconcileOptions(autoCorrect bool, periodStart string) (appbilling.ReconcileOptions, error) {
	start, err := parsePeriodStart(periodStart)
	if err != nil {
		return appbilling.ReconcileOptions{}, err
	}
	return appbilling.ReconcileOptions{AutoCorrect: autoCorrect, PeriodStart: start}, nil
}

func parsePeriodStart(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(periodStartLayout, s, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid --period-start %q: expected YYYY-MM-DD", s)
	}
	return &t, nil
}

// finishReconcile prints the report and fails when divergences remain.
// Corrected divergences still fail so a scheduled run surfaces them.
func finishReconcile(out io.Writer, report appbilling.ReconcileReport, autoCorrect bool) error {
	if err := writeReport(out, report); err != nil {
		return err
	}
	if !report.HasDivergence() {
		return nil
	}
	if autoCorrect {
		return fmt.Errorf("%w: %d found, %d corrected", ErrDivergence, len(report.Divergences), report.Corrected)
	}
	return fmt.Errorf("%w: %d found", ErrDivergence, len(report.Divergences))
}

func writeReport(out io.Writer, report any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

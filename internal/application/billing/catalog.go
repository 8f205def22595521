package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog is the seed file format: plans with their metric limits, and
// accounts with the plan they are assigned to.
//
//	plans:
//	  - code: starter
//	    name: Starter
//	    metrics:
//	      - metric_code: api_calls
//	        included_amount: 1000
//	        overage_enabled: true
//	        overage_unit_size: 100
//	        overage_price_cents: 50
//	        pricing_mode: postpaid
//	accounts:
//	  - external_id: acme
//	    name: Acme
//	    wallet_balance_cents: 10000
//	    plan: starter
type Catalog struct {
	Plans    []CatalogPlan    `yaml:"plans"`
	Accounts []CatalogAccount `yaml:"accounts"`
}

// CatalogPlan is a plan entry of the catalog
type CatalogPlan struct {
	Code     string          `yaml:"code"`
	Name     string          `yaml:"name"`
	Inactive bool            `yaml:"inactive"`
	Metrics  []CatalogMetric `yaml:"metrics"`
}

// CatalogMetric is a metric limit entry of a plan
type CatalogMetric struct {
	MetricCode         string `yaml:"metric_code"`
	IncludedAmount     int64  `yaml:"included_amount"`
	OverageEnabled     bool   `yaml:"overage_enabled"`
	OverageUnitSize    *int64 `yaml:"overage_unit_size"`
	OveragePriceCents  *int64 `yaml:"overage_price_cents"`
	MaxOverageAmount   *int64 `yaml:"max_overage_amount"`
	PricingMode        string `yaml:"pricing_mode"`
	EnforcementMode    string `yaml:"enforcement_mode"`
	HybridOverflowMode string `yaml:"hybrid_overflow_mode"`
}

// CatalogAccount is an account entry of the catalog
type CatalogAccount struct {
	ExternalID              string `yaml:"external_id"`
	Name                    string `yaml:"name"`
	WalletBalanceCents      int64  `yaml:"wallet_balance_cents"`
	WalletCurrency          string `yaml:"wallet_currency"`
	AutoTopupThresholdCents *int64 `yaml:"auto_topup_threshold_cents"`
	AutoTopupAmountCents    *int64 `yaml:"auto_topup_amount_cents"`
	Plan                    string `yaml:"plan"`
}

// ParseCatalog decodes and validates a catalog
func ParseCatalog(r io.Reader) (*Catalog, error) {
	var catalog Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// LoadCatalogFile reads and validates a catalog file
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// Validate checks codes, modes and plan references
func (c *Catalog) Validate() error {
	plans := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if p.Code == "" {
			return invalidCatalog("plan code cannot be empty")
		}
		if plans[p.Code] {
			return invalidCatalog(fmt.Sprintf("duplicate plan code %q", p.Code))
		}
		plans[p.Code] = true

		metrics := make(map[string]bool, len(p.Metrics))
		for _, m := range p.Metrics {
			if m.MetricCode == "" {
				return invalidCatalog(fmt.Sprintf("plan %q: metric code cannot be empty", p.Code))
			}
			if metrics[m.MetricCode] {
				return invalidCatalog(fmt.Sprintf("plan %q: duplicate metric %q", p.Code, m.MetricCode))
			}
			metrics[m.MetricCode] = true
			if m.IncludedAmount < 0 {
				return invalidCatalog(fmt.Sprintf("plan %q metric %q: included amount cannot be negative", p.Code, m.MetricCode))
			}
			if m.PricingMode != "" && !billing.PricingMode(m.PricingMode).IsValid() {
				return invalidCatalog(fmt.Sprintf("plan %q metric %q: unknown pricing mode %q", p.Code, m.MetricCode, m.PricingMode))
			}
			if m.HybridOverflowMode != "" && !billing.PricingMode(m.HybridOverflowMode).IsValid() {
				return invalidCatalog(fmt.Sprintf("plan %q metric %q: unknown hybrid overflow mode %q", p.Code, m.MetricCode, m.HybridOverflowMode))
			}
			if m.EnforcementMode != "" && !billing.EnforcementMode(m.EnforcementMode).IsValid() {
				return invalidCatalog(fmt.Sprintf("plan %q metric %q: unknown enforcement mode %q", p.Code, m.MetricCode, m.EnforcementMode))
			}
		}
	}

	accounts := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ExternalID == "" {
			return invalidCatalog("account external_id cannot be empty")
		}
		if accounts[a.ExternalID] {
			return invalidCatalog(fmt.Sprintf("duplicate account %q", a.ExternalID))
		}
		accounts[a.ExternalID] = true
		if a.Plan != "" && !plans[a.Plan] {
			return invalidCatalog(fmt.Sprintf("account %q references unknown plan %q", a.ExternalID, a.Plan))
		}
	}
	return nil
}

func invalidCatalog(msg string) error {
	return fmt.Errorf("invalid catalog: %s: %w", msg, shared.ErrInvalidInput)
}

// SeedReport counts what a seed run wrote
type SeedReport struct {
	Plans           int `json:"plans"`
	MetricLimits    int `json:"metric_limits"`
	AccountsCreated int `json:"accounts_created"`
	AccountsUpdated int `json:"accounts_updated"`
	Assignments     int `json:"assignments"`
}

// CatalogSeeder upserts a catalog. Running it twice with the same catalog
// changes nothing the second time except timestamps.
type CatalogSeeder struct {
	plans    billing.PlanRepository
	accounts billing.AccountRepository
	resolver MetricLimitResolver
	logger   *zap.Logger
	now      func() time.Time
}

// NewCatalogSeeder creates a new CatalogSeeder. resolver may be nil; when
// set, plan caches of re-assigned accounts are invalidated.
func NewCatalogSeeder(plans billing.PlanRepository, accounts billing.AccountRepository, resolver MetricLimitResolver, logger *zap.Logger) *CatalogSeeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogSeeder{
		plans:    plans,
		accounts: accounts,
		resolver: resolver,
		logger:   logger.Named("catalog_seeder"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Seed writes the catalog
func (s *CatalogSeeder) Seed(ctx context.Context, catalog *Catalog) (SeedReport, error) {
	var report SeedReport
	planIDs := make(map[string]int64, len(catalog.Plans))

	for _, p := range catalog.Plans {
		plan := &billing.Plan{Code: p.Code, Name: p.Name, IsActive: !p.Inactive}
		if plan.Name == "" {
			plan.Name = p.Code
		}
		if err := s.plans.SavePlan(ctx, plan); err != nil {
			return report, fmt.Errorf("save plan %q: %w", p.Code, err)
		}
		planIDs[p.Code] = plan.ID
		report.Plans++

		for _, m := range p.Metrics {
			limit := &billing.PlanMetricLimit{
				PlanID:             plan.ID,
				MetricCode:         m.MetricCode,
				IncludedAmount:     m.IncludedAmount,
				OverageEnabled:     m.OverageEnabled,
				OverageUnitSize:    m.OverageUnitSize,
				OveragePriceCents:  m.OveragePriceCents,
				MaxOverageAmount:   m.MaxOverageAmount,
				PricingMode:        billing.PricingMode(m.PricingMode),
				EnforcementMode:    billing.EnforcementMode(m.EnforcementMode),
				HybridOverflowMode: billing.PricingMode(m.HybridOverflowMode),
			}
			if err := s.plans.SaveMetricLimit(ctx, limit); err != nil {
				return report, fmt.Errorf("save metric %q of plan %q: %w", m.MetricCode, p.Code, err)
			}
			report.MetricLimits++
		}
	}

	for _, a := range catalog.Accounts {
		account, created, err := s.upsertAccount(ctx, a)
		if err != nil {
			return report, err
		}
		if created {
			report.AccountsCreated++
		} else {
			report.AccountsUpdated++
		}

		if a.Plan == "" {
			continue
		}
		assigned, err := s.assignPlan(ctx, account.ID, planIDs[a.Plan])
		if err != nil {
			return report, fmt.Errorf("assign plan %q to account %q: %w", a.Plan, a.ExternalID, err)
		}
		if assigned {
			report.Assignments++
		}
	}

	s.logger.Info("Catalog seeded",
		zap.Int("plans", report.Plans),
		zap.Int("metric_limits", report.MetricLimits),
		zap.Int("accounts_created", report.AccountsCreated),
		zap.Int("accounts_updated", report.AccountsUpdated),
		zap.Int("assignments", report.Assignments),
	)
	return report, nil
}

func (s *CatalogSeeder) upsertAccount(ctx context.Context, a CatalogAccount) (*billing.BillingAccount, bool, error) {
	account, err := s.accounts.FindByExternalID(ctx, a.ExternalID)
	created := false
	switch {
	case errors.Is(err, shared.ErrNotFound):
		account, err = billing.NewBillingAccount(firstNonEmpty(a.Name, a.ExternalID))
		if err != nil {
			return nil, false, err
		}
		externalID := a.ExternalID
		account.ExternalID = &externalID
		account.WalletBalanceCents = a.WalletBalanceCents
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("find account %q: %w", a.ExternalID, err)
	}

	if a.Name != "" {
		account.Name = a.Name
	}
	if a.WalletCurrency != "" {
		account.WalletCurrency = a.WalletCurrency
	}
	if a.AutoTopupThresholdCents != nil && a.AutoTopupAmountCents != nil {
		account.WithAutoTopup(*a.AutoTopupThresholdCents, *a.AutoTopupAmountCents)
	}
	account.IsActive = true

	if err := s.accounts.Save(ctx, account); err != nil {
		return nil, false, fmt.Errorf("save account %q: %w", a.ExternalID, err)
	}
	return account, created, nil
}

// assignPlan closes the current assignment if it points elsewhere and opens one on planID
func (s *CatalogSeeder) assignPlan(ctx context.Context, accountID, planID int64) (bool, error) {
	now := s.now()
	current, err := s.plans.FindActiveAssignment(ctx, accountID, now)
	if err != nil {
		return false, err
	}
	if current != nil && current.PlanID == planID {
		return false, nil
	}
	if current != nil {
		current.EndedAt = &now
		if err := s.plans.SaveAssignment(ctx, current); err != nil {
			return false, err
		}
	}
	if err := s.plans.SaveAssignment(ctx, &billing.PlanAssignment{
		AccountID: accountID,
		PlanID:    planID,
		StartedAt: now,
	}); err != nil {
		return false, err
	}

	if s.resolver != nil {
		if err := s.resolver.InvalidateCache(ctx, accountID); err != nil {
			s.logger.Warn("Failed to invalidate plan cache after assignment", zap.Int64("billing_account_id", accountID), zap.Error(err))
		}
	}
	return true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

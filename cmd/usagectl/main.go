// Command usagectl runs the limiter's maintenance jobs once against the
// configured database: expiry sweeps, reconciliation, idempotency cleanup,
// overage recalculation and catalog seeding.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/usagelimiter/backend/internal/bootstrap"
	"github.com/usagelimiter/backend/internal/infrastructure/config"
	"github.com/usagelimiter/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// exitDivergence is returned when a reconciliation found disagreements
const exitDivergence = 2

// CLI is the command tree
type CLI struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (json, console)." default:"console" enum:"json,console"`

	Expire              ExpireCmd              `cmd:"" help:"Expire pending reservations past their TTL."`
	ReconcileUsage      ReconcileUsageCmd      `cmd:"" help:"Compare period aggregates against reservations."`
	ReconcileWallets    ReconcileWalletsCmd    `cmd:"" help:"Compare wallet balances against their transactions."`
	CleanupIdempotency  CleanupIdempotencyCmd  `cmd:"" help:"Delete expired idempotency records."`
	RecalculateOverages RecalculateOveragesCmd `cmd:"" help:"Recompute overage amounts from the current plans."`
	Seed                SeedCmd                `cmd:"" help:"Upsert plans, metric limits and accounts from a YAML catalog."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("usagectl"),
		kong.Description("Maintenance commands for the usage limiter"),
		kong.UsageOnError(),
	)

	err := kctx.Run(&cli)
	if errors.Is(err, ErrDivergence) {
		fmt.Fprintln(os.Stderr, "usagectl:", err)
		os.Exit(exitDivergence)
	}
	kctx.FatalIfErrorf(err)
}

// session is one command invocation: the assembled limiter plus a context
// cancelled on SIGINT/SIGTERM
type session struct {
	ctx        context.Context
	stop       context.CancelFunc
	log        *zap.Logger
	components *bootstrap.Components
}

func (cli *CLI) open() (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:      cli.LogLevel,
		Format:     cli.LogFormat,
		Output:     "stderr",
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Service:    "usagectl",
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	components, err := bootstrap.Build(ctx, cfg, log, bootstrap.Options{})
	if err != nil {
		stop()
		_ = log.Sync()
		return nil, err
	}
	return &session{ctx: ctx, stop: stop, log: log, components: components}, nil
}

func (s *session) close() {
	if err := s.components.Close(context.WithoutCancel(s.ctx)); err != nil {
		s.log.Warn("Error closing limiter components", zap.Error(err))
	}
	s.stop()
	_ = s.log.Sync()
}

// withSession opens a session, hands it to fn and always closes it
func (cli *CLI) withSession(fn func(*session) error) error {
	s, err := cli.open()
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

func (c *ExpireCmd) Run(cli *CLI) error {
	return cli.withSession(func(s *session) error {
		return c.exec(s.ctx, s.components.Maintenance, os.Stdout)
	})
}

func (c *ReconcileUsageCmd) Run(cli *CLI) error {
	return cli.withSession(func(s *session) error {
		return c.exec(s.ctx, s.components.Maintenance, os.Stdout)
	})
}

func (c *ReconcileWalletsCmd) Run(cli *CLI) error {
	return cli.withSession(func(s *session) error {
		return c.exec(s.ctx, s.components.Maintenance, os.Stdout)
	})
}

func (c *CleanupIdempotencyCmd) Run(cli *CLI) error {
	return cli.withSession(func(s *session) error {
		return c.exec(s.ctx, s.components.Maintenance, os.Stdout)
	})
}

func (c *RecalculateOveragesCmd) Run(cli *CLI) error {
	return cli.withSession(func(s *session) error {
		return c.exec(s.ctx, s.components.Maintenance, os.Stdout)
	})
}

func (c *SeedCmd) Run(cli *CLI) error {
	return cli.withSession(func(s *session) error {
		return c.exec(s.ctx, s.components.Seeder, os.Stdout)
	})
}

// fulfillctl is the operator CLI: schema migrations, manual confirmation of
// a pending order and one-off sweeps.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/config"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/notify"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/reconcile"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "fulfillctl",
		Usage: "Operate the storefront fulfillment engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "PostgreSQL URL (defaults to POSTGRES_DSN)",
				EnvVars: []string{"POSTGRES_DSN"},
			},
			&cli.BoolFlag{
				Name:  "no-events",
				Usage: "Do not publish Kafka notifications",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Manage the database schema",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "Apply all pending migrations",
						Action: func(c *cli.Context) error {
							if err := postgres.MigrateUp(dsn(c)); err != nil {
								return err
							}
							fmt.Println("migrations applied")
							return nil
						},
					},
					{
						Name:  "down",
						Usage: "Roll back migrations",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "steps", Value: 1, Usage: "Number of migrations to roll back"},
						},
						Action: func(c *cli.Context) error {
							return postgres.MigrateDown(dsn(c), c.Int("steps"))
						},
					},
					{
						Name:  "version",
						Usage: "Print the applied schema version",
						Action: func(c *cli.Context) error {
							v, dirty, err := postgres.Version(dsn(c))
							if err != nil {
								return err
							}
							fmt.Printf("version=%d dirty=%t\n", v, dirty)
							return nil
						},
					},
				},
			},
			{
				Name:      "confirm",
				Usage:     "Confirm a pending order by hand (admin override)",
				ArgsUsage: "<pending-id>",
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("pending id is required", 2)
					}
					return withMachine(c, func(ctx context.Context, m *reconcile.Machine, _ *orders.Repo) error {
						res, err := m.Confirm(ctx, id)
						if err != nil {
							return err
						}
						return printJSON(map[string]any{
							"order_id":             res.Order.ID,
							"payment_status":       res.Order.Payment.Status,
							"already_materialized": res.AlreadyMaterialized,
							"needs_review":         res.Order.NeedsReview,
						})
					})
				},
			},
			{
				Name:  "sweep",
				Usage: "Reconcile one batch of due pending orders",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "batch", Value: 100, Usage: "Maximum pending orders to visit"},
				},
				Action: func(c *cli.Context) error {
					return withMachine(c, func(ctx context.Context, m *reconcile.Machine, repo *orders.Repo) error {
						s := &reconcile.Sweeper{Machine: m, Ledger: repo, Batch: c.Int("batch"), Logger: logging.New("fulfillctl")}
						fmt.Printf("visited %d pending orders\n", s.SweepOnce(ctx))
						return nil
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func dsn(c *cli.Context) string {
	if v := c.String("dsn"); v != "" {
		return v
	}
	return config.Load().PostgresDSN
}

// withMachine wires the same reconciliation path the services use.
func withMachine(c *cli.Context, fn func(context.Context, *reconcile.Machine, *orders.Repo) error) error {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, dsn(c), postgres.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer db.Close()

	logger := logging.New("fulfillctl")
	var notifier notify.Notifier = notify.Nop{}
	if !c.Bool("no-events") {
		n, flush := notify.NewKafka(ctx, cfg.KafkaBrokers, "fulfillctl", logger)
		defer flush()
		notifier = n
	}

	gw := payment.NewHTTPGateway(payment.HTTPConfig{
		BaseURL:       cfg.PaymentBaseURL,
		Token:         cfg.PaymentToken,
		Timeout:       cfg.PaymentTimeout,
		StatusRetries: 2,
		Logger:        logger,
	})
	repo := &orders.Repo{DB: db}
	m := reconcile.NewMachine(repo, gw, reconcile.Options{Notifier: notifier, Logger: logger})
	return fn(ctx, m, repo)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"pisowifi/pkg/db"
	"pisowifi/services/gateway/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pisoctl",
		Short:         "Operator utility for a pisowifi gateway database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	cmd.AddCommand(newSessionsCommand())
	cmd.AddCommand(newVouchersCommand())
	cmd.AddCommand(newRatesCommand())
	cmd.AddCommand(newSettingsCommand())
	cmd.AddCommand(newLicenseCommand())
	cmd.AddCommand(newAuditCommand())
	return cmd
}

func group(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}

// database opens the gateway database described by the environment.
type database struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

func openDatabase(ctx context.Context) (*database, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.StoreDriver != config.StorePostgres {
		return nil, fmt.Errorf("pisoctl requires STORE_DRIVER=%s", config.StorePostgres)
	}
	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &database{pool: pool, orm: orm}, nil
}

func (d *database) Close() { d.pool.Close() }

// withDatabase runs fn against an open database and closes it afterwards.
func withDatabase(fn func(cmd *cobra.Command, args []string, d *database) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		d, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		return fn(cmd, args, d)
	}
}

func table(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

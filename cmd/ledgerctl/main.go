package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/expiry"
	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	pointsvc "github.com/fatflowers/pointsledger/internal/app/service/points"
	subsvc "github.com/fatflowers/pointsledger/internal/app/service/subscription"
	"github.com/fatflowers/pointsledger/internal/platform/db"
	cfgpkg "github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/logctx"
	"github.com/fatflowers/pointsledger/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ledgerctl is the operational companion of the HTTP service: the
// external scheduler invokes its subcommands for the periodic sweeps,
// and operators use it for one-off corrections.
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

type services struct {
	cfg    *cfgpkg.Config
	db     *gorm.DB
	log    *zap.SugaredLogger
	ledger *ledgerlog.Service
	rec    *expiry.Reconciler
	sub    *subsvc.Service
	points *pointsvc.Service
}

func bootstrap() (*services, error) {
	cfg, err := cfgpkg.New()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	gdb, err := db.Open(cfg.Database.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	ledger := ledgerlog.New(gdb, log)
	rec := expiry.New(cfg, gdb, ledger, log)
	sub := subsvc.NewService(cfg, gdb, ledger, log)
	points := pointsvc.NewService(cfg, gdb, ledger, rec, sub, log)
	return &services{cfg: cfg, db: gdb, log: log, ledger: ledger, rec: rec, sub: sub, points: points}, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operational tooling for the points ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReconcileCommand())
	root.AddCommand(newExpireSubscriptionsCommand())
	root.AddCommand(newRebuildCommand())
	root.AddCommand(newAdjustCommand())
	return root
}

func newReconcileCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Retire expired purchase batches for one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := bootstrap()
			if err != nil {
				return err
			}
			res, err := svcs.rec.Reconcile(logctx.WithUser(cmd.Context(), userID), userID, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d batches (%d points), available now %d\n",
				res.ExpiredBatches, res.ExpiredPoints, res.NewAvailable)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newExpireSubscriptionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-subscriptions",
		Short: "Expire every active subscription whose period has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := bootstrap()
			if err != nil {
				return err
			}
			n, err := svcs.sub.ExpireLapsed(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d subscriptions\n", n)
			return nil
		},
	}
}

func newRebuildCommand() *cobra.Command {
	var userID string
	var repair bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute a user's balance from the ledger log and report drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := bootstrap()
			if err != nil {
				return err
			}
			res, err := svcs.ledger.Rebuild(logctx.WithUser(cmd.Context(), userID), userID, repair)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged=%d stored=%d drift=%d repaired=%v\n",
				res.LoggedAvailable, res.StoredAvailable, res.Drift, res.Repaired)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&repair, "repair", false, "reset the cached counter to the log-derived value")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAdjustCommand() *cobra.Command {
	var userID, reason, operator string
	var delta int64
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed correction to a user's available points",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := bootstrap()
			if err != nil {
				return err
			}
			view, err := svcs.points.AdminAdjust(logctx.WithUser(cmd.Context(), userID), userID, delta, reason, operator)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "available now %d\n", view.AvailablePoints)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().Int64Var(&delta, "delta", 0, "signed point delta")
	cmd.Flags().StringVar(&reason, "reason", "manual adjustment", "audit reason")
	cmd.Flags().StringVar(&operator, "operator", "", "operator id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("delta")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinyrm/rm/config"
	"github.com/pingcap-incubator/tinyrm/rm/coordinator"
	"github.com/pingcap-incubator/tinyrm/rm/datasource"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	dsn        string
	logLevel   string
)

// resources are what every command works on.
type resources struct {
	cfg      *config.Config
	registry *coordinator.Registry
	ds       *datasource.DataSource
}

func (r *resources) Close() {
	if err := r.ds.Close(); err != nil {
		log.Warn("close data source failed", zap.Error(err))
	}
	if err := r.registry.Close(); err != nil {
		log.Warn("close registry failed", zap.Error(err))
	}
	if lg := r.cfg.GetZapLogger(); lg != nil {
		_ = lg.Sync()
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if configPath != "" {
		if err := cfg.Parse(configPath); err != nil {
			return nil, err
		}
	}
	if dsn != "" {
		cfg.DSN = dsn
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Adjust(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openResources(ctx context.Context) (*resources, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Annotate(err, "load config")
	}
	if err := cfg.SetupLogger(); err != nil {
		return nil, err
	}
	registry, err := coordinator.Open(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	ds, err := datasource.Open(ctx, cfg, registry)
	if err != nil {
		registry.Close()
		return nil, err
	}
	log.Info("resource manager ready", zap.Stringer("config", cfg))
	return &resources{cfg: cfg, registry: registry, ds: ds}, nil
}

func newRootCommand(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:   "tinyrm",
		Short: "Run SQL batches as branches of global transactions",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "database to run against, overrides the config file")
	root.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newExecCommand(ctx),
		newPhaseTwoCommand(ctx, "commit", "Finish a branch of a committed global transaction"),
		newPhaseTwoCommand(ctx, "rollback", "Reverse a branch of a rolled back global transaction"),
		newBranchesCommand(),
	)
	return root
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		cancel()
	}()

	if err := newRootCommand(ctx).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

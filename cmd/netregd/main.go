// Netregd - Network Addressing Registry
//
// The authoritative registry and allocator of layer-2/3 identifiers for a
// compute cluster: MAC addresses, IP addresses, logical networks, VLANs,
// nic tags, aggregations, network pools and fabric VPCs. State lives in
// Redis; every mutation is a precondition-checked batch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/netreg-cloud/netreg/pkg/api"
	"github.com/netreg-cloud/netreg/pkg/config"
	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
	"github.com/netreg-cloud/netreg/pkg/version"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "netregd",
	Short:         "Network addressing registry server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/netreg/netregd.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	util.SetLogLevel(cfg.LogLevel)
	if cfg.LogJSON {
		util.SetJSONFormat()
	}
	return cfg, nil
}

func newEngine(cfg *config.Config) (*registry.Engine, error) {
	oui, err := cfg.ParseOUI()
	if err != nil {
		return nil, err
	}
	s := store.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
	return registry.New(s, registry.Config{
		OUI:            oui,
		AdminOwnerUUID: cfg.AdminOwnerUUID,
		IPRetries:      cfg.IPRetries,
		MACRetries:     cfg.MACRetries,
	}), nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Store().Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = engine.Init(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}

		srv := api.NewServer(engine, cfg.ListenAddr)

		done := make(chan error, 1)
		go func() { done <- srv.ListenAndServe() }()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-done:
			return err
		case sig := <-sigs:
			util.Infof("received %s, shutting down", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check store connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Store().Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Ping(ctx); err != nil {
			return fmt.Errorf("store at %s unreachable: %w", cfg.RedisAddr, err)
		}
		fmt.Printf("store at %s: OK\n", cfg.RedisAddr)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("netregd", version.Info())
	},
}

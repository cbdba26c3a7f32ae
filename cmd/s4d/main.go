// Command s4d runs one storage node of an s4 cluster: it serves the
// node's HTTP surface, admits transfers through the five worker
// pools, and runs the garbage-collection sweep in the background.
//
// It uses a cobra root command with a persistent --log-level/--log-json
// pair bound through cobra.OnInitialize, and a "serve" subcommand that
// builds the long-lived service object.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sharded4/s4/internal/config"
	"github.com/sharded4/s4/internal/evalexec"
	"github.com/sharded4/s4/internal/gc"
	"github.com/sharded4/s4/internal/httpapi"
	"github.com/sharded4/s4/internal/job"
	"github.com/sharded4/s4/internal/listing"
	"github.com/sharded4/s4/internal/mapexec"
	"github.com/sharded4/s4/internal/metrics"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/roster"
	"github.com/sharded4/s4/internal/routing"
	"github.com/sharded4/s4/internal/s4log"
	"github.com/sharded4/s4/internal/store"
	"github.com/sharded4/s4/internal/transfer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "s4d",
	Short:   "s4 storage node",
	Long:    "s4d serves one node of a sharded, content-addressed blob store with a colocated shuffle-execution facility.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("s4d version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	s4log.Init(s4log.Config{Level: s4log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node's HTTP server, worker pools, and GC loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		rosterPath, _ := cmd.Flags().GetString("roster")
		return runServe(dataDir, rosterPath)
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "./data", "Root directory for this node's blob storage")
	serveCmd.Flags().String("roster", "", "Path to the roster file (defaults to internal/roster.DefaultPath())")
}

func runServe(dataDir, rosterPath string) error {
	log := s4log.WithComponent(s4log.ComponentMain)
	metrics.MustRegister()
	cfg := config.New()

	if rosterPath == "" {
		rosterPath = cfg.RosterPath()
	}
	if rosterPath == "" {
		rosterPath = roster.DefaultPath()
	}
	ros, err := roster.Load(rosterPath)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	if _, ok := ros.LocalIndex(); !ok {
		log.Warn().Msg("this node's address does not appear in its own roster; every key will route elsewhere")
	}

	s, err := store.New(dataDir)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	capacities := cfg.PoolCapacities()
	pools := pool.NewPools(capacities)
	jobs := job.NewTable()
	router := routing.New(ros)
	timeout := cfg.Timeout()

	tr := transfer.New(s, jobs, pools, router, timeout)
	ev := evalexec.New(s, pools.Compute, router, timeout)
	mp := mapexec.New(s, tr, pools.Compute, router, timeout)
	lister := listing.New(s)
	api := httpapi.New(tr, ev, mp, lister, pools.Writer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gcLoop := gc.New(s, jobs, pools.Misc, timeout)
	go gcLoop.Run(ctx, func(err error) {
		log.Fatal().Err(err).Msg("gc sweep failed; a storage node cannot be trusted to continue")
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      api.Mux(),
		ReadTimeout:  2 * timeout,
		WriteTimeout: 2 * timeout,
		IdleTimeout:  2 * timeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.ListenAddress()).
			Str("data_dir", dataDir).
			Str("pools", capacities.String()).
			Msg("s4d listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

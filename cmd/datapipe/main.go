// Command datapipe runs the dataset ingestion and conversion pipeline:
// the Upload Scheduler, Conversion Scheduler, and Staleness Reaper, plus
// an observability surface (Prometheus metrics, health/readiness/liveness)
// over a single BoltDB-backed dataset store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scidatahub/ingestpipe/pkg/chunked"
	"github.com/scidatahub/ingestpipe/pkg/config"
	"github.com/scidatahub/ingestpipe/pkg/convert"
	"github.com/scidatahub/ingestpipe/pkg/credential"
	"github.com/scidatahub/ingestpipe/pkg/events"
	"github.com/scidatahub/ingestpipe/pkg/executor"
	"github.com/scidatahub/ingestpipe/pkg/log"
	"github.com/scidatahub/ingestpipe/pkg/metrics"
	"github.com/scidatahub/ingestpipe/pkg/reaper"
	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
	"github.com/scidatahub/ingestpipe/pkg/upload"
	"github.com/spf13/cobra"
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
	Use:     "datapipe",
	Short:   "Dataset ingestion and conversion pipeline",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"datapipe version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload scheduler, conversion scheduler, and staleness reaper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Metrics/health HTTP listen address (overrides config)")
	serveCmd.Flags().String("user-profile-url", "", "Base URL of the external user-profile store (required for Google Drive sources)")
	serveCmd.Flags().String("credential-secret-a", "", "First process-scoped credential-decryption secret")
	serveCmd.Flags().String("credential-secret-b", "", "Second process-scoped credential-decryption secret")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	cfg.CredentialSecretA, _ = cmd.Flags().GetString("credential-secret-a")
	cfg.CredentialSecretB, _ = cmd.Flags().GetString("credential-secret-b")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	metrics.SetVersion(Version)

	boltStore, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open dataset store: %w", err)
	}
	defer boltStore.Close()
	metrics.RegisterComponent("store", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	collector := metrics.NewCollector(boltStore)
	collector.Start()
	defer collector.Stop()

	dispatcher := buildDispatcher(boltStore, cfg, cmd)

	chunkedMgr, err := chunked.NewManager(cfg.DataDir+"/chunked", cfg.MaxFileSize, 7*24*time.Hour, boltStore)
	if err != nil {
		return fmt.Errorf("failed to start chunked-upload manager: %w", err)
	}
	startChunkReaper(chunkedMgr)

	uploadScheduler := upload.NewScheduler(boltStore, dispatcher, broker, upload.Config{
		PollInterval:     cfg.UploadPollInterval,
		StagingDir:       cfg.DataDir,
		MaxRetryCount:    cfg.MaxRetryCount,
		RunTimeout:       cfg.UploadTimeout,
		ProgressThrottle: time.Second,
	})
	uploadScheduler.Start()
	defer uploadScheduler.Stop()

	convertScheduler := convert.NewScheduler(boltStore, broker, convert.Config{
		PollInterval:  cfg.ConversionPollInterval,
		ConvertedDir:  cfg.DataDir + "/converted",
		ConverterPath: cfg.ConverterPath,
		MaxRetryCount: cfg.MaxRetryCount,
		RunTimeout:    cfg.ConversionTimeout,
	})
	convertScheduler.Start()
	defer convertScheduler.Stop()

	staleReaper := reaper.NewReaper(boltStore, broker, reaper.Config{
		Interval:             cfg.ReaperInterval,
		UploadStaleAfter:     cfg.StaleClaimAge,
		ConversionStaleAfter: cfg.StaleClaimAge,
	})
	staleReaper.Start()
	defer staleReaper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("metrics/health server listening on %s", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received signal %s, shutting down", sig))
	case err := <-serverErrCh:
		log.Errorf("metrics/health server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("failed to shut down metrics/health server cleanly: %v", err)
	}

	return nil
}

// buildDispatcher wires one executor per source_type. The Google
// Drive executor is only fully usable once a user-profile-url is
// supplied; without one it is still registered (so a misconfigured
// Drive dataset fails with a clear "no user-profile store configured"
// error from the credential decoder rather than an "unregistered source type"
// dispatcher error) but every lookup through it will fail at the
// credential step.
func buildDispatcher(s store.Store, cfg *config.Config, cmd *cobra.Command) *executor.Dispatcher {
	profileURL, _ := cmd.Flags().GetString("user-profile-url")

	var profileStore credential.UserProfileStore
	if profileURL != "" {
		profileStore = credential.NewHTTPStore(profileURL)
	} else {
		profileStore = unconfiguredProfileStore{}
	}
	decoder := credential.NewDecoder(profileStore, cfg.CredentialSecretA, cfg.CredentialSecretB)

	return executor.NewDispatcher(map[types.SourceType]executor.Executor{
		types.SourceLocal:       executor.NewLocalExecutor(cfg.DataDir + "/chunked"),
		types.SourceURL:         executor.NewURLExecutor(),
		types.SourceS3:          executor.NewS3Executor(executor.DefaultS3ClientFactory),
		types.SourceGoogleDrive: executor.NewDriveExecutor(decoder),
	})
}

// unconfiguredProfileStore always fails lookups, so the process still
// starts when no user-profile store is configured; only Drive-sourced
// datasets are affected.
type unconfiguredProfileStore struct{}

func (unconfiguredProfileStore) GetCredential(userID string) (*credential.StoredCredential, error) {
	return nil, fmt.Errorf("credential: no user-profile store configured (pass --user-profile-url)")
}

func (unconfiguredProfileStore) MarkInvalid(userID, reason string) error {
	return fmt.Errorf("credential: no user-profile store configured (pass --user-profile-url)")
}

// startChunkReaper reaps expired chunked-upload sessions once an hour;
// unlike the Staleness Reaper this has nothing to do with dataset
// claims, it only frees scratch disk space from abandoned uploads.
func startChunkReaper(mgr *chunked.Manager) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		for range ticker.C {
			if n := mgr.ReapExpired(); n > 0 {
				log.Info(fmt.Sprintf("reaped %d expired chunked-upload sessions", n))
			}
		}
	}()
}

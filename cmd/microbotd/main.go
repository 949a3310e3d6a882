// microbotd is a fleet daemon for BLE "microbot" push-button actuators:
// it scans for advertisements, maintains a device registry, and drains a
// durable per-device action queue against whichever microbots are
// currently connected.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/microbotd/microbotd/pkg/config"
	"github.com/microbotd/microbotd/pkg/hub"
	"github.com/microbotd/microbotd/pkg/ingest"
	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/persistence"
	"github.com/microbotd/microbotd/pkg/persistence/sqlite"
	"github.com/microbotd/microbotd/pkg/rules"
	"github.com/microbotd/microbotd/pkg/scheduler"
	"github.com/microbotd/microbotd/pkg/status"
	"github.com/microbotd/microbotd/pkg/transport"
	"github.com/microbotd/microbotd/pkg/transport/ble"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "microbotd",
		Short:   "microbotd - BLE microbot fleet daemon",
		Long:    "microbotd discovers, pairs with, and drives a fleet of BLE push-button actuators.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newPairCmd(),
		newActionCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: scan, register, and drive the action queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)
	return cfg, log, nil
}

func openStore(cfg *config.Config) (persistence.Store, error) {
	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	return store, nil
}

func runDaemon() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tr := ble.New(log)

	hubCfg := hub.Config{MaxAge: cfg.Hub.MaxAge}
	if cfg.Rules.ScriptPath != "" {
		engine, err := rules.NewLuaEngine(cfg.Rules.ScriptPath)
		if err != nil {
			return fmt.Errorf("load rules script: %w", err)
		}
		defer engine.Close()
		hubCfg.AdvertisementFilter = func(ev transport.ScanEvent) bool {
			ok, err := engine.Accept(ev)
			if err != nil {
				log.Error("rules: advertisement filter error", "err", err)
				return false
			}
			return ok
		}
	}

	h := hub.New(tr, store.PairKeys(), hubCfg, log)

	schedCfg := scheduler.Config{
		MinWait:  cfg.Scheduler.MinWait,
		MaxWait:  cfg.Scheduler.MaxWait,
		IdleWait: cfg.Scheduler.IdleWait,
	}
	sched := scheduler.New(store.Actions(), h, schedCfg, log)
	reconnector := scheduler.NewReconnector(h, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	errCh := make(chan error, 4)
	go func() { errCh <- sched.Run(ctx) }()
	go func() { errCh <- reconnector.Run(ctx) }()

	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.New(status.Config{Address: cfg.Status.Address}, store.Microbots(), h, log)
		if err := statusSrv.Start(ctx); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		log.Info("status server listening", "address", cfg.Status.Address)
	}

	var mqttBridge *ingest.Bridge
	if cfg.MQTT.Enabled {
		mqttBridge = ingest.New(ingest.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QOS:      1,
		}, store, sched, log)
		if err := mqttBridge.Start(); err != nil {
			return fmt.Errorf("start mqtt ingest: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("microbotd running", "version", version)
	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error("background task stopped", "err", err)
		}
	}

	cancel()
	if mqttBridge != nil {
		mqttBridge.Stop()
	}
	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusSrv.Stop(shutdownCtx); err != nil {
			log.Error("status server shutdown", "err", err)
		}
	}
	return nil
}

func newPairCmd() *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "pair <uid> <name>",
		Short: "Enqueue a pairing action for a not-yet-paired microbot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueSimple(args[0], persistence.ActionPair, nil, retries)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", persistence.DefaultPairRetries, "retry budget")
	return cmd
}

func newActionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Enqueue or inspect actions in the durable command queue",
	}
	cmd.AddCommand(newActionEnqueueCmd())
	return cmd
}

func newActionEnqueueCmd() *cobra.Command {
	var kind string
	var retries int
	cmd := &cobra.Command{
		Use:   "enqueue <uid>",
		Short: "Enqueue one action for a known microbot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retries <= 0 {
				retries = persistence.DefaultRetries
			}
			return enqueueSimple(args[0], persistence.ActionKind(kind), nil, retries)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "action kind (pair, blink, extend, retract, calibrate, change_button_mode)")
	cmd.Flags().IntVar(&retries, "retries", 0, "retry budget (default depends on kind)")
	cmd.MarkFlagRequired("kind")
	return cmd
}

func enqueueSimple(uidStr string, kind persistence.ActionKind, args []byte, retries int) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	uid, err := transport.ParseUID(uidStr)
	if err != nil {
		return fmt.Errorf("parse uid: %w", err)
	}
	rec, err := store.Microbots().Get(uid)
	if err != nil {
		return fmt.Errorf("unknown microbot %s: %w", uid, err)
	}

	action := &persistence.Action{
		MicrobotID:  rec.ID,
		MicrobotUID: uid,
		RetriesLeft: retries,
		ScheduledAt: time.Unix(0, 0),
		Kind:        kind,
		Args:        args,
	}
	id, err := store.Actions().Enqueue(action)
	if err != nil {
		return fmt.Errorf("enqueue action: %w", err)
	}
	log.Info("enqueued action", "id", id, "uid", uid, "kind", kind)
	fmt.Printf("enqueued action %d (%s) for %s\n", id, kind, uid)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("microbotd %s\n", version)
			fmt.Printf("  commit: %s\n", gitCommit)
			fmt.Printf("  built:  %s\n", buildTime)
		},
	}
}

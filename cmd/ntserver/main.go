package main

import (
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fmt"

	"github.com/ntcore-go/networktables/internal/nt"
	"github.com/ntcore-go/networktables/internal/version"
	log "github.com/ntcore-go/networktables/pkg/minilog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:     "ntserver",
	Short:   "NetworkTables coordination server",
	Version: version.Revision,
	RunE:    runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen", "0.0.0.0", "address to bind")
	flags.Int("port", 1735, "port to listen on")
	flags.String("persist", "", "persistent entry file (empty disables persistence)")
	flags.String("identity", "", "server identity string (default: generated)")
	flags.Duration("update-rate", 100*time.Millisecond, "dispatch tick interval")
	flags.String("log-level", "info", "debug, info, warn, or error")
	flags.String("metrics-listen", "", "address:port to serve /metrics on (empty disables)")

	v.BindPFlags(flags)
	v.SetEnvPrefix("ntserver")
	v.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	level, err := log.LevelFromString(v.GetString("log-level"))
	if err != nil {
		return err
	}
	log.AddLogger("stderr", stdlog.New(os.Stderr, "", 0), level, true)

	identity := v.GetString("identity")
	if identity == "" {
		identity = nt.DefaultIdentity("ntserver")
	}

	cfg := &nt.Config{
		ListenHost:      v.GetString("listen"),
		Port:            v.GetInt("port"),
		PersistFilename: v.GetString("persist"),
		Identity:        identity,
		UpdateRate:      v.GetDuration("update-rate"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	notifier := nt.NewNotifier()
	defer notifier.Stop()

	storage := nt.NewStorage(true, notifier)
	dispatcher := nt.NewDispatcher(true, storage, notifier, cfg.Identity, cfg.UpdateRate)

	ring := log.NewRing(500)
	log.AddLogger("ring", ring, level, false)

	if addr := v.GetString("metrics-listen"); addr != "" {
		metrics := nt.NewMetrics(nil, func() float64 { return float64(notifier.QueueDepth()) })
		dispatcher.SetMetrics(metrics)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/log", func(w http.ResponseWriter, r *http.Request) {
			for _, line := range ring.Dump() {
				fmt.Fprintln(w, line)
			}
		})
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	if err := dispatcher.StartServer(cfg.PersistFilename, cfg.ListenHost, cfg.Port); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	log.Info("listening on %s:%d, identity %q", cfg.ListenHost, cfg.Port, cfg.Identity)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	dispatcher.Stop()
	return nil
}

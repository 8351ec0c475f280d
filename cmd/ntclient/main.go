package main

import (
	stdlog "log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fmt"

	"github.com/ntcore-go/networktables/internal/nt"
	"github.com/ntcore-go/networktables/internal/version"
	log "github.com/ntcore-go/networktables/pkg/minilog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:     "ntclient",
	Short:   "NetworkTables coordination client",
	Version: version.Revision,
	RunE:    runClient,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringSlice("server", []string{"127.0.0.1:1735"}, "server host:port, may be repeated for round-robin failover")
	flags.String("identity", "", "client identity string (default: generated)")
	flags.Duration("update-rate", 100*time.Millisecond, "dispatch tick interval")
	flags.String("log-level", "info", "debug, info, warn, or error")

	v.BindPFlags(flags)
	v.SetEnvPrefix("ntclient")
	v.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseHostPorts(addrs []string) ([]nt.HostPort, error) {
	out := make([]nt.HostPort, 0, len(addrs))
	for _, a := range addrs {
		host, portStr, err := net.SplitHostPort(a)
		if err != nil {
			return nil, fmt.Errorf("invalid --server %q: %w", a, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in --server %q: %w", a, err)
		}
		out = append(out, nt.HostPort{Host: host, Port: port})
	}
	return out, nil
}

func runClient(cmd *cobra.Command, args []string) error {
	level, err := log.LevelFromString(v.GetString("log-level"))
	if err != nil {
		return err
	}
	log.AddLogger("stderr", stdlog.New(os.Stderr, "", 0), level, true)

	servers, err := parseHostPorts(v.GetStringSlice("server"))
	if err != nil {
		return err
	}

	identity := v.GetString("identity")
	if identity == "" {
		identity = nt.DefaultIdentity("ntclient")
	}

	cfg := &nt.Config{
		Servers:    servers,
		Identity:   identity,
		UpdateRate: v.GetDuration("update-rate"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	notifier := nt.NewNotifier()
	defer notifier.Stop()

	notifier.AddConnectionListener(func(connected bool, info nt.ConnectionInfo) {
		if connected {
			log.Info("connected to %s (identity %q, proto %#04x)", info.RemoteAddr, info.Identity, info.ProtoRev)
		} else {
			log.Info("disconnected from %s", info.RemoteAddr)
		}
	})

	storage := nt.NewStorage(false, notifier)
	dispatcher := nt.NewDispatcher(false, storage, notifier, cfg.Identity, cfg.UpdateRate)

	if err := dispatcher.StartClient(servers); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	log.Info("connecting to %v, identity %q", servers, cfg.Identity)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	dispatcher.Stop()
	return nil
}

// Command validator runs a single equity validator node: a client-facing
// websocket listener for transaction submission and health checks, and a
// peer-facing websocket listener for BRB traffic. Flag/config layering
// follows cmd/cli/network.go's netInit pattern: godotenv loads a .env file,
// viper binds flags and environment, logrus is configured from the resolved
// level.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/equity-validator/equity/internal/metrics"
	"github.com/equity-validator/equity/internal/node"
	"github.com/equity-validator/equity/internal/wire"
	"github.com/equity-validator/equity/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:   "validator",
		Short: "run an equity validator node",
		RunE:  runValidator,
	}
	root.Flags().String("client-listen-addr", "127.0.0.1:7000", "address the client-facing websocket listener binds")
	root.Flags().String("peer-listen-addr", "127.0.0.1:7001", "address the peer-facing websocket listener binds")
	root.Flags().String("seed-peer-addr", "", "address of a peer to dial at startup (empty skips seeding)")
	root.Flags().String("seed-peer-public-key", "", "expected public key of the seed peer (empty skips identity verification)")
	root.Flags().String("metrics-listen-addr", "", "address to serve Prometheus metrics on (empty disables)")
	root.Flags().String("log-level", "info", "log level: trace, debug, info, warn, error")
	root.Flags().Int("outbound-queue-size", 0, "per-peer outbound queue capacity (0 uses the default)")
	_ = viper.BindPFlags(root.Flags())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runValidator(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	viper.AutomaticEnv()

	// default.yaml, merged with the file named by VALIDATOR_ENV, is the base;
	// flags the operator actually passed on the command line win over it.
	fileCfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	cfg := node.Config{
		ClientListenAddr:  fileCfg.Network.ClientListenAddr,
		PeerListenAddr:    fileCfg.Network.PeerListenAddr,
		SeedPeerAddr:      fileCfg.Network.SeedPeerAddr,
		OutboundQueueSize: fileCfg.Network.OutboundQueueSize,
	}
	if flags.Changed("client-listen-addr") || cfg.ClientListenAddr == "" {
		cfg.ClientListenAddr = viper.GetString("client-listen-addr")
	}
	if flags.Changed("peer-listen-addr") || cfg.PeerListenAddr == "" {
		cfg.PeerListenAddr = viper.GetString("peer-listen-addr")
	}
	if flags.Changed("seed-peer-addr") || cfg.SeedPeerAddr == "" {
		cfg.SeedPeerAddr = viper.GetString("seed-peer-addr")
	}
	seedPub := fileCfg.Network.SeedPeerPublicKey
	if flags.Changed("seed-peer-public-key") || seedPub == "" {
		seedPub = viper.GetString("seed-peer-public-key")
	}
	cfg.SeedPeerPublicKey = wire.PublicKey(seedPub)
	if flags.Changed("outbound-queue-size") || cfg.OutboundQueueSize == 0 {
		cfg.OutboundQueueSize = viper.GetInt("outbound-queue-size")
	}

	logLevel := fileCfg.Logging.Level
	if flags.Changed("log-level") || logLevel == "" {
		logLevel = viper.GetString("log-level")
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log := logrus.New()
	log.SetLevel(level)
	cfg.Log = log

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Close()

	log.WithFields(logrus.Fields{
		"public_key":  n.PublicKey(),
		"client_addr": n.ClientAddr(),
		"peer_addr":   n.PeerAddr(),
	}).Info("validator started")

	if addr := viper.GetString("metrics-listen-addr"); addr != "" {
		go serveMetrics(addr, log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

func serveMetrics(addr string, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}

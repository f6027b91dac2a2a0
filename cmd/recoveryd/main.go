package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/wallet-recovery-coordinator/api/recoveryhandler"
	"github.com/ruteri/wallet-recovery-coordinator/api/server"
	"github.com/ruteri/wallet-recovery-coordinator/channel"
	"github.com/ruteri/wallet-recovery-coordinator/cmd/flags"
	"github.com/ruteri/wallet-recovery-coordinator/collector"
	"github.com/ruteri/wallet-recovery-coordinator/common"
	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/keystore"
	"github.com/ruteri/wallet-recovery-coordinator/metrics"
	"github.com/ruteri/wallet-recovery-coordinator/recovery"
	"github.com/ruteri/wallet-recovery-coordinator/storage"
	"github.com/ruteri/wallet-recovery-coordinator/transport"
	"github.com/urfave/cli/v2"
)

const shareKeyInfo = "wallet-recovery/share-at-rest/v1"

var flagListenAddr = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"RECOVERY_LISTEN_ADDR"},
}

var serviceFlags = []cli.Flag{
	flagListenAddr,
	&cli.StringFlag{
		Name:     "identity-key",
		Required: true,
		Usage:    "hex-encoded secp256k1 private key of the coordinator",
		EnvVars:  []string{"RECOVERY_IDENTITY_KEY"},
	},
	&cli.StringFlag{
		Name:    "share-key",
		Usage:   "hex-encoded 32-byte key sealing pending shares; derived from the identity key if empty",
		EnvVars: []string{"RECOVERY_SHARE_KEY"},
	},
	&cli.StringFlag{
		Name:    "session-store",
		Value:   "memory://",
		Usage:   "session store URI: memory://, leveldb:///path or vault://host:port/mount/path?token=...",
		EnvVars: []string{"RECOVERY_SESSION_STORE"},
	},
	&cli.StringSliceFlag{
		Name:    "keystore",
		Value:   cli.NewStringSlice("file://./wallets"),
		Usage:   "wallet key store URIs (file:// or s3://), tried in order",
		EnvVars: []string{"RECOVERY_KEYSTORE"},
	},
	&cli.StringFlag{
		Name:     "keystore-passphrase",
		Required: true,
		Usage:    "passphrase the wallet key store is sealed with",
		EnvVars:  []string{"RECOVERY_KEYSTORE_PASSPHRASE"},
	},
	&cli.StringSliceFlag{
		Name:    "relay",
		Usage:   "websocket relay URL, may be repeated",
		EnvVars: []string{"RECOVERY_RELAYS"},
	},
	&cli.StringFlag{
		Name:    "relay-domain",
		Usage:   "discover relays from _recovery-relay._tcp SRV records of this domain",
		EnvVars: []string{"RECOVERY_RELAY_DOMAIN"},
	},
	&cli.StringFlag{
		Name:    "dns-resolver",
		Value:   transport.DefaultResolver,
		Usage:   "DNS server used for relay discovery",
		EnvVars: []string{"RECOVERY_DNS_RESOLVER"},
	},
	&cli.DurationFlag{
		Name:    "publish-timeout",
		Value:   transport.DefaultPublishTimeout,
		Usage:   "timeout for publishing one envelope to one relay",
		EnvVars: []string{"RECOVERY_PUBLISH_TIMEOUT"},
	},
	&cli.BoolFlag{
		Name:    "relay-inbox",
		Usage:   "also accept share submissions addressed to the coordinator on the relays",
		EnvVars: []string{"RECOVERY_RELAY_INBOX"},
	},
	&cli.UintFlag{
		Name:    "threshold",
		Value:   recovery.DefaultThreshold,
		Usage:   "default number of shares required to recover",
		EnvVars: []string{"RECOVERY_THRESHOLD"},
	},
	&cli.DurationFlag{
		Name:    "session-ttl",
		Value:   recovery.DefaultSessionTTL,
		Usage:   "lifetime of a recovery session",
		EnvVars: []string{"RECOVERY_SESSION_TTL"},
	},
	&cli.DurationFlag{
		Name:    "tombstone-retention",
		Value:   recovery.DefaultTombstoneRetention,
		Usage:   "how long finished sessions are remembered",
		EnvVars: []string{"RECOVERY_TOMBSTONE_RETENTION"},
	},
	&cli.DurationFlag{
		Name:    "sweep-interval",
		Value:   recovery.DefaultSweepInterval,
		Usage:   "interval of the expiry sweep",
		EnvVars: []string{"RECOVERY_SWEEP_INTERVAL"},
	},
	&cli.IntFlag{
		Name:    "delivery-concurrency",
		Value:   recovery.DefaultDeliveryConcurrency,
		Usage:   "maximum concurrent share deliveries per session",
		EnvVars: []string{"RECOVERY_DELIVERY_CONCURRENCY"},
	},
}

func main() {
	app := &cli.App{
		Name:   "recoveryd",
		Usage:  "Serve the wallet social recovery coordinator",
		Flags:  append(serviceFlags, flags.CommonFlags...),
		Action: runService,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func shareKey(cCtx *cli.Context, identity *cryptoutils.Identity) ([]byte, error) {
	if s := cCtx.String("share-key"); s != "" {
		key, err := hex.DecodeString(s)
		if err != nil || len(key) != 32 {
			return nil, errors.New("share-key must be 64 hex characters")
		}
		return key, nil
	}
	master, err := hex.DecodeString(identity.Hex())
	if err != nil {
		return nil, err
	}
	defer interfaces.Wipe(master)
	return cryptoutils.DeriveKey(master, nil, shareKeyInfo)
}

func relayInbox(ctx context.Context, tr *transport.RelayTransport, self interfaces.Pubkey, service *recovery.Service, logger *slog.Logger) {
	logger.Info("Reading share submissions from relays", "relays", len(tr.Relays()))
	tr.Subscribe(ctx, self, func(ctx context.Context, envelope []byte) {
		res, err := service.HandleEnvelope(ctx, envelope)
		if err != nil {
			logger.Warn("Relayed submission rejected", "err", err)
			return
		}
		logger.Debug("Relayed submission accepted", "progress", res.Progress, "recovered", res.Recovered)
	})
}

func relayList(cCtx *cli.Context) ([]string, error) {
	relays := cCtx.StringSlice("relay")
	if domain := cCtx.String("relay-domain"); domain != "" {
		ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
		defer cancel()
		discovered, err := transport.DiscoverRelays(ctx, domain, cCtx.String("dns-resolver"))
		if err != nil {
			return nil, err
		}
		relays = append(relays, discovered...)
	}
	if len(relays) == 0 {
		return nil, errors.New("no relays configured, use --relay or --relay-domain")
	}
	return relays, nil
}

func runService(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	clk := clock.New()

	identity, err := cryptoutils.IdentityFromHex(cCtx.String("identity-key"))
	if err != nil {
		return err
	}
	logger.Info("Coordinator identity loaded", "pubkey", identity.Pubkey().String())

	storageFactory := storage.NewStorageBackendFactory(logger, clk)
	sessions, err := storageFactory.SessionStoreFor(cCtx.String("session-store"))
	if err != nil {
		logger.Error("Failed to open session store", "err", err)
		return err
	}
	if closer, ok := sessions.(io.Closer); ok {
		defer closer.Close()
	}

	blobs, err := storageFactory.CreateMultiBackend(cCtx.StringSlice("keystore"))
	if err != nil {
		logger.Error("Failed to open wallet key store", "err", err)
		return err
	}
	keys, err := keystore.NewFromPassphrase(cCtx.Context, blobs, cCtx.String("keystore-passphrase"), logger)
	if err != nil {
		return err
	}

	relays, err := relayList(cCtx)
	if err != nil {
		return err
	}
	relayTransport, err := transport.NewRelayTransport(relays, cCtx.Duration("publish-timeout"), logger)
	if err != nil {
		return err
	}

	atRest, err := shareKey(cCtx, identity)
	if err != nil {
		return err
	}
	col, err := collector.New(sessions, atRest, logger, clk)
	interfaces.Wipe(atRest)
	if err != nil {
		return err
	}

	threshold := cCtx.Uint("threshold")
	if threshold < 1 || threshold > 255 {
		return fmt.Errorf("threshold must be between 1 and 255, got %d", threshold)
	}
	cfg := recovery.Config{
		DefaultThreshold:    uint8(threshold),
		SessionTTL:          cCtx.Duration("session-ttl"),
		TombstoneRetention:  cCtx.Duration("tombstone-retention"),
		SweepInterval:       cCtx.Duration("sweep-interval"),
		DeliveryConcurrency: cCtx.Int("delivery-concurrency"),
		MaxCASRetries:       recovery.DefaultMaxCASRetries,
	}

	serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
	var metricsSrv *metrics.MetricsServer
	if serverCfg.MetricsAddr != "" {
		if metricsSrv, err = metrics.New(common.PackageName, serverCfg.MetricsAddr); err != nil {
			return err
		}
	}

	coordinator, err := recovery.NewCoordinator(cfg, sessions, keys, channel.New(identity, relayTransport, logger), col, logger, clk)
	if err != nil {
		return err
	}
	if metricsSrv != nil {
		coordinator.WithMetrics(metricsSrv.Recorder())
	}
	service := recovery.NewService(coordinator, keystore.NewRestoreSink(keys, logger), logger)

	srv, err := server.New(serverCfg, metricsSrv, recoveryhandler.NewHandler(service, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(ctx)
	if cCtx.Bool("relay-inbox") {
		go relayInbox(ctx, relayTransport, identity.Pubkey(), service, logger)
	}
	srv.RunInBackground()

	logger.Info("Recovery coordinator running",
		"sessionStore", sessions.Name(),
		"keystore", blobs.Name(),
		"relays", len(relays))
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

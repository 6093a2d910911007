package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/anchorageoss/ledger-signer/api"
	"github.com/anchorageoss/ledger-signer/cache"
	"github.com/anchorageoss/ledger-signer/config"
	"github.com/anchorageoss/ledger-signer/journal"
	"github.com/anchorageoss/ledger-signer/keys"
	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/anchorageoss/ledger-signer/pkg/log"
	"github.com/anchorageoss/ledger-signer/signer"
)

const redisKeyPrefix = "ledger-signer:"

// GlobalFlags returns the flags every command accepts. Set flags win over the
// environment and the .env file.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Path to a .env file (default $LEDGER_SIGNER_DOTENV or .env)",
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "Device transport kind (hid, soft)",
		},
		&cli.StringFlag{
			Name:  "path",
			Usage: "BIP-32 derivation path",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Bound on each device operation, 0 for none",
		},
		&cli.StringFlag{
			Name:  "key-name",
			Usage: "Mnemonic name for the soft transport",
		},
		&cli.StringFlag{
			Name:  "key-dir",
			Usage: "Directory holding soft transport mnemonics (default ~/.config/ledger-signer/keys)",
		},
		&cli.StringFlag{
			Name:  "resolution-url",
			Usage: "Transaction resolution service URL",
		},
		&cli.StringFlag{
			Name:  "rpc-url",
			Usage: "Ethereum JSON-RPC endpoint used to populate and send transactions",
		},
		&cli.StringFlag{
			Name:  "journal",
			Usage: "SQLite file recording signed transactions",
		},
		&cli.StringFlag{
			Name:  "gas-price-policy",
			Usage: "How fee-market transactions treat gasPrice (carry, drop)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "Write Prometheus metrics to this file when the command ends",
		},
	}
}

// loadConfig reads the configuration and applies flag overrides
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"transport", &cfg.Ledger.Transport},
		{"path", &cfg.Ledger.DerivationPath},
		{"key-name", &cfg.Ledger.SoftKeyName},
		{"gas-price-policy", &cfg.Ledger.GasPricePolicy},
		{"resolution-url", &cfg.Resolution.URL},
		{"rpc-url", &cfg.RPCURL},
		{"journal", &cfg.JournalPath},
	}
	for _, o := range overrides {
		if cmd.IsSet(o.flag) {
			*o.dst = cmd.String(o.flag)
		}
	}
	if cmd.IsSet("timeout") {
		cfg.Ledger.Timeout = cmd.Duration("timeout")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = log.Level(cmd.String("log-level"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime holds what a command needs, built from configuration
type runtime struct {
	cfg      *config.Config
	logger   log.Logger
	signer   *signer.Signer
	resolver ledger.Resolver
	journal  *journal.Store
	provider *ethclient.Client
	registry *prometheus.Registry

	metricsFile string
	closers     []func() error
}

type runtimeNeeds struct {
	signer   bool
	resolver bool
	journal  bool
}

func newRuntime(ctx context.Context, cmd *cli.Command, needs runtimeNeeds) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	zl := log.NewZapLogger(cfg.Log)
	rt := &runtime{
		cfg:         cfg,
		logger:      zl.WithName("ledger-signer"),
		metricsFile: cmd.String("metrics-file"),
	}
	rt.closers = append(rt.closers, func() error {
		_ = zl.Sync()
		return nil
	})

	if err := rt.init(ctx, cmd, needs); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(ctx context.Context, cmd *cli.Command, needs runtimeNeeds) error {
	if needs.resolver || needs.signer {
		resolver, err := rt.newResolver(ctx)
		if err != nil {
			return err
		}
		rt.resolver = resolver
	}

	if needs.journal || (needs.signer && rt.cfg.JournalPath != "") {
		if rt.cfg.JournalPath == "" {
			return errors.New("no journal configured, set --journal or JOURNAL_PATH")
		}
		j, err := journal.Open(rt.cfg.JournalPath, rt.logger)
		if err != nil {
			return err
		}
		rt.journal = j
		rt.closers = append(rt.closers, j.Close)
	}

	if !needs.signer {
		return nil
	}

	if rt.cfg.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, rt.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", rt.cfg.RPCURL, err)
		}
		rt.provider = client
		rt.closers = append(rt.closers, func() error {
			client.Close()
			return nil
		})
	}

	s, err := rt.newSigner(cmd)
	if err != nil {
		return err
	}
	rt.signer = s
	rt.closers = append(rt.closers, s.Close)
	return nil
}

func (rt *runtime) newResolver(ctx context.Context) (ledger.Resolver, error) {
	rc := rt.cfg.Resolution
	if rc.URL == "" {
		return nil, nil
	}

	client, err := api.NewClient(rc.URL, &http.Client{Timeout: 30 * time.Second}, rt.logger.WithName("api"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution client: %w", err)
	}

	var store cache.Store
	switch rc.Cache {
	case "memory":
		store, err = cache.NewMemoryStore(ctx, rc.CacheTTL)
	case "redis":
		store, err = cache.DialRedis(ctx, rc.RedisURL, redisKeyPrefix)
	default:
		return client, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s resolution cache: %w", rc.Cache, err)
	}
	rt.closers = append(rt.closers, store.Close)
	return api.NewCachingResolver(client, store, rc.CacheTTL, rt.logger.WithName("cache")), nil
}

func (rt *runtime) newSigner(cmd *cli.Command) (*signer.Signer, error) {
	lc := rt.cfg.Ledger
	policy, err := signer.ParseGasPricePolicy(lc.GasPricePolicy)
	if err != nil {
		return nil, err
	}

	ledger.RegisterTransport(ledger.SoftTransport, &ledger.SoftTransportFactory{
		Mnemonics: &keys.FileKeyProvider{KeyName: lc.SoftKeyName, Dir: cmd.String("key-dir")},
	})

	if _, ok := ledger.LookupTransport(lc.Transport); !ok {
		return nil, fmt.Errorf("%w: this build has no %q transport; pass --transport %s to sign with a key file from --key-dir, or link a driver that registers %q",
			signer.ErrTransportUnavailable, lc.Transport, ledger.SoftTransport, lc.Transport)
	}

	opts := []signer.Option{
		signer.WithTransport(lc.Transport),
		signer.WithPath(lc.DerivationPath),
		signer.WithTimeout(lc.Timeout),
		signer.WithRetryPolicy(lc.RetryInterval, lc.MaxAttempts),
		signer.WithGasPricePolicy(policy),
		signer.WithResolutionConfig(rt.cfg.Resolution.Flags()),
		signer.WithLogger(rt.logger.WithName("signer")),
	}
	if rt.resolver != nil {
		opts = append(opts, signer.WithResolver(rt.resolver))
	}
	if rt.journal != nil {
		opts = append(opts, signer.WithJournal(rt.journal))
	}
	if rt.provider != nil {
		opts = append(opts, signer.WithProvider(rt.provider))
	}
	if rt.metricsFile != "" {
		rt.registry = prometheus.NewRegistry()
		opts = append(opts, signer.WithMetrics(signer.NewMetricsWithRegistry(rt.registry)))
	}
	return signer.New(opts...)
}

// Close releases everything in reverse order of creation and writes metrics
func (rt *runtime) Close() error {
	var errs []error
	if rt.registry != nil && rt.metricsFile != "" {
		if err := prometheus.WriteToTextfile(rt.metricsFile, rt.registry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

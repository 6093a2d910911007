package signer

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/anchorageoss/ledger-signer/pkg/log"
)

const (
	// DefaultPath is the first account of the standard Ethereum derivation
	DefaultPath = "m/44'/60'/0'/0/0"
	// DefaultRetryInterval is the wait between attempts while the device is locked
	DefaultRetryInterval = 100 * time.Millisecond
	// DefaultMaxAttempts bounds attempts per operation, about five seconds of polling
	DefaultMaxAttempts = 50
)

// GasPricePolicy decides whether a fee-market transaction keeps a gasPrice
// supplied by the caller
type GasPricePolicy uint8

const (
	// GasPriceCarry keeps gasPrice; it must then equal maxFeePerGas
	GasPriceCarry GasPricePolicy = iota
	// GasPriceDrop discards gasPrice on fee-market transactions
	GasPriceDrop
)

func (p GasPricePolicy) String() string {
	if p == GasPriceDrop {
		return "drop"
	}
	return "carry"
}

// ParseGasPricePolicy parses "carry" or "drop"
func ParseGasPricePolicy(s string) (GasPricePolicy, error) {
	switch strings.ToLower(s) {
	case "", "carry":
		return GasPriceCarry, nil
	case "drop":
		return GasPriceDrop, nil
	default:
		return 0, fmt.Errorf("unknown gas price policy %q", s)
	}
}

type options struct {
	transport        string
	path             string
	provider         Provider
	resolver         ledger.Resolver
	loadConfig       ledger.LoadConfig
	resolutionConfig ledger.ResolutionConfig
	retryInterval    time.Duration
	maxAttempts      int
	timeout          time.Duration
	gasPricePolicy   GasPricePolicy
	eager            bool
	logger           log.Logger
	metrics          *Metrics
	journal          Journal
	ethFactory       func(ledger.Transport) (ledger.Eth, error)
}

func defaultOptions() options {
	return options{
		transport:        ledger.DefaultTransport,
		path:             DefaultPath,
		resolutionConfig: ledger.DefaultResolutionConfig(),
		retryInterval:    DefaultRetryInterval,
		maxAttempts:      DefaultMaxAttempts,
		logger:           log.NewNoopLogger(),
		ethFactory:       ledger.NewEth,
	}
}

func (o *options) validate() error {
	if _, err := accounts.ParseDerivationPath(o.path); err != nil {
		return fmt.Errorf("invalid derivation path %q: %w", o.path, err)
	}
	if o.maxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.maxAttempts)
	}
	if o.retryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %s", o.retryInterval)
	}
	if o.transport == "" {
		return fmt.Errorf("%w: empty transport name", ErrTransportUnavailable)
	}
	return nil
}

// Option configures a Signer
type Option func(*options)

// WithTransport selects the registered transport kind (default "hid")
func WithTransport(name string) Option {
	return func(o *options) { o.transport = name }
}

// WithPath sets the BIP-32 derivation path (default m/44'/60'/0'/0/0)
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithProvider attaches the chain provider used to populate and send transactions
func WithProvider(p Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithResolver sets the source of transaction enrichment bundles. Without one
// the device receives no bundle.
func WithResolver(r ledger.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithLoadConfig sets the load configuration passed to the resolver
func WithLoadConfig(c ledger.LoadConfig) Option {
	return func(o *options) { o.loadConfig = c }
}

// WithResolutionConfig overrides the default {ERC20, ExternalPlugins} flags
func WithResolutionConfig(c ledger.ResolutionConfig) Option {
	return func(o *options) { o.resolutionConfig = c }
}

// WithRetryPolicy sets the wait between locked attempts and the attempt ceiling
func WithRetryPolicy(interval time.Duration, attempts int) Option {
	return func(o *options) {
		o.retryInterval = interval
		o.maxAttempts = attempts
	}
}

// WithTimeout bounds every device operation. Zero disables the bound and
// leaves only the attempt ceiling.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithGasPricePolicy chooses how fee-market transactions treat gasPrice
func WithGasPricePolicy(p GasPricePolicy) Option {
	return func(o *options) { o.gasPricePolicy = p }
}

// WithEagerSession opens the device session in New instead of on first use
func WithEagerSession() Option {
	return func(o *options) { o.eager = true }
}

// WithLogger sets the logger
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records operation metrics
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithJournal records every signed transaction
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithEthFactory replaces how a transport is turned into an Ethereum
// application handle. The default is ledger.NewEth.
func WithEthFactory(f func(ledger.Transport) (ledger.Eth, error)) Option {
	return func(o *options) {
		if f != nil {
			o.ethFactory = f
		}
	}
}

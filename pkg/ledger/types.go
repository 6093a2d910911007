// Package ledger describes the Ethereum application of a hardware signing device
// as seen by the signer: the calls it accepts, the values it returns and the
// failures it reports.
//
// The device wire protocol is not implemented here. A device is reached through a
// Transport created by a TransportFactory registered under a name (for example
// "hid"). A pure Go software device backed by a BIP-39 mnemonic is provided for
// development and tests, see NewSoftDevice.
package ledger

import "context"

// Eth is the Ethereum application running on a device.
//
// Hex arguments and results are unprefixed, matching what the device exchanges.
type Eth interface {
	// GetAppConfiguration probes the application. It is used to confirm the
	// device is reachable and unlocked enough to answer.
	GetAppConfiguration(ctx context.Context) (*AppConfiguration, error)
	// GetAddress returns the account for a BIP-32 path such as m/44'/60'/0'/0/0.
	GetAddress(ctx context.Context, path string) (*PublicAccount, error)
	// SignPersonalMessage signs an EIP-191 personal message given as hex.
	SignPersonalMessage(ctx context.Context, path string, messageHex string) (*Signature, error)
	// SignTransaction signs a serialized unsigned transaction given as hex.
	// The resolution may be nil.
	SignTransaction(ctx context.Context, path string, rawTxHex string, resolution *Resolution) (*Signature, error)
}

// AppConfiguration is the reply to the configuration probe
type AppConfiguration struct {
	ArbitraryDataEnabled int    `json:"arbitraryDataEnabled"`
	Version              string `json:"version"`
}

// PublicAccount is the reply to an address request
type PublicAccount struct {
	PublicKey string `json:"publicKey"`
	Address   string `json:"address"`
	ChainCode string `json:"chainCode,omitempty"`
}

// Signature is a signature as returned by the device. R and S are 32 byte
// values and V is the recovery value, all as hex without a 0x prefix.
type Signature struct {
	V string `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// ExternalPlugin is a signed descriptor for an external plugin (e.g. Lido)
type ExternalPlugin struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Resolution is the enrichment bundle a device uses to display a transaction in
// human readable form. The signer forwards it without interpreting it.
type Resolution struct {
	// Device serialized ERC-20 descriptors (hex)
	ERC20Tokens []string `json:"erc20Tokens"`
	// Device serialized NFT descriptors (hex)
	NFTs []string `json:"nfts"`
	// External plugin descriptors
	ExternalPlugin []ExternalPlugin `json:"externalPlugin"`
	// Device serialized plugin descriptors (hex)
	Plugin []string `json:"plugin"`
}

// Empty reports whether the bundle carries no descriptors at all
func (r *Resolution) Empty() bool {
	return r == nil || len(r.ERC20Tokens)+len(r.NFTs)+len(r.ExternalPlugin)+len(r.Plugin) == 0
}

// LoadConfig tells the resolution service where to load metadata from.
// A nil URL leaves the service default in place.
type LoadConfig struct {
	NFTExplorerBaseURL *string        `json:"nftExplorerBaseURL,omitempty"`
	PluginBaseURL      *string        `json:"pluginBaseURL,omitempty"`
	ExtraPlugins       map[string]any `json:"extraPlugins,omitempty"`
}

// ResolutionConfig selects what the resolution service should resolve
type ResolutionConfig struct {
	NFT             bool `json:"nft"`
	ExternalPlugins bool `json:"externalPlugins"`
	ERC20           bool `json:"erc20"`
}

// DefaultResolutionConfig resolves ERC-20 tokens and external plugins but not NFTs
func DefaultResolutionConfig() ResolutionConfig {
	return ResolutionConfig{ERC20: true, ExternalPlugins: true}
}

// Resolver looks up the enrichment bundle for a serialized unsigned transaction
type Resolver interface {
	ResolveTransaction(ctx context.Context, rawTxHex string, loadConfig LoadConfig, resolutionConfig ResolutionConfig) (*Resolution, error)
}

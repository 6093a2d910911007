package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/near/borsh-go"
	"golang.org/x/sync/singleflight"

	"github.com/anchorageoss/ledger-signer/cache"
	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/anchorageoss/ledger-signer/pkg/log"
)

const cacheEntryVersion uint8 = 1

// DefaultLookupTimeout bounds a shared lookup once it no longer follows its callers
const DefaultLookupTimeout = time.Minute

var _ ledger.Resolver = (*CachingResolver)(nil)

// CachingResolver serves repeated lookups of the same unsigned transaction
// from a cache.Store and collapses concurrent identical lookups into one call.
// Failed lookups are never cached.
type CachingResolver struct {
	next   ledger.Resolver
	store  cache.Store
	ttl    time.Duration
	logger log.Logger
	group  singleflight.Group
	now    func() time.Time

	lookupTimeout time.Duration
}

// NewCachingResolver wraps next. Entries older than ttl are ignored even if the
// store still holds them; ttl <= 0 keeps entries as long as the store does.
func NewCachingResolver(next ledger.Resolver, store cache.Store, ttl time.Duration, logger log.Logger) *CachingResolver {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &CachingResolver{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,

		lookupTimeout: DefaultLookupTimeout,
	}
}

// ResolveTransaction implements ledger.Resolver
func (r *CachingResolver) ResolveTransaction(ctx context.Context, rawTxHex string, loadConfig ledger.LoadConfig, resolutionConfig ledger.ResolutionConfig) (*ledger.Resolution, error) {
	key, err := resolutionCacheKey(rawTxHex, loadConfig, resolutionConfig)
	if err != nil {
		return nil, err
	}

	if res, ok := r.lookup(ctx, key); ok {
		return res, nil
	}

	// The shared lookup outlives any single caller; each caller stops waiting
	// on its own context.
	ch := r.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		res, err := r.next.ResolveTransaction(lookupCtx, rawTxHex, loadConfig, resolutionConfig)
		if err != nil {
			return nil, err
		}
		r.save(lookupCtx, key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		if result.Shared {
			r.logger.Debug("resolution shared with concurrent caller", "key", key)
		}
		return result.Val.(*ledger.Resolution), nil
	}
}

func (r *CachingResolver) lookup(ctx context.Context, key string) (*ledger.Resolution, bool) {
	b, err := r.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn("resolution cache read failed", "key", key, "error", err)
		}
		return nil, false
	}

	entry, err := decodeCacheEntry(b)
	if err != nil {
		r.logger.Warn("discarding unreadable resolution cache entry", "key", key, "error", err)
		return nil, false
	}
	if r.ttl > 0 && r.now().Sub(time.Unix(int64(entry.StoredAt), 0)) > r.ttl {
		return nil, false
	}
	r.logger.Debug("resolution cache hit", "key", key)
	return entry.resolution(), true
}

func (r *CachingResolver) save(ctx context.Context, key string, res *ledger.Resolution) {
	b, err := encodeCacheEntry(res, r.now())
	if err != nil {
		r.logger.Warn("failed to encode resolution cache entry", "key", key, "error", err)
		return
	}
	if err := r.store.Set(ctx, key, b, r.ttl); err != nil {
		r.logger.Warn("resolution cache write failed", "key", key, "error", err)
	}
}

// resolutionCacheKey identifies a lookup by the transaction bytes and every
// setting that can change the answer
func resolutionCacheKey(rawTxHex string, loadConfig ledger.LoadConfig, resolutionConfig ledger.ResolutionConfig) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(rawTxHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid transaction hex: %w", err)
	}
	settings, err := json.Marshal(struct {
		L ledger.LoadConfig
		R ledger.ResolutionConfig
	}{loadConfig, resolutionConfig})
	if err != nil {
		return "", fmt.Errorf("failed to encode resolution settings: %w", err)
	}
	return "resolution:" + crypto.Keccak256Hash(raw, settings).Hex()[2:], nil
}

type cachedPlugin struct {
	Payload   string
	Signature string
}

// cacheEntry is the borsh layout of a cached bundle
type cacheEntry struct {
	Version        uint8
	StoredAt       uint64
	ERC20Tokens    []string
	NFTs           []string
	ExternalPlugin []cachedPlugin
	Plugin         []string
}

func encodeCacheEntry(res *ledger.Resolution, now time.Time) ([]byte, error) {
	entry := cacheEntry{Version: cacheEntryVersion, StoredAt: uint64(now.Unix())}
	if res != nil {
		entry.ERC20Tokens = res.ERC20Tokens
		entry.NFTs = res.NFTs
		entry.Plugin = res.Plugin
		for _, p := range res.ExternalPlugin {
			entry.ExternalPlugin = append(entry.ExternalPlugin, cachedPlugin(p))
		}
	}
	return borsh.Serialize(entry)
}

func decodeCacheEntry(b []byte) (*cacheEntry, error) {
	var entry cacheEntry
	if err := borsh.Deserialize(&entry, b); err != nil {
		return nil, err
	}
	if entry.Version != cacheEntryVersion {
		return nil, fmt.Errorf("unsupported cache entry version %d", entry.Version)
	}
	return &entry, nil
}

func (e *cacheEntry) resolution() *ledger.Resolution {
	res := &ledger.Resolution{
		ERC20Tokens: emptyToNil(e.ERC20Tokens),
		NFTs:        emptyToNil(e.NFTs),
		Plugin:      emptyToNil(e.Plugin),
	}
	for _, p := range e.ExternalPlugin {
		res.ExternalPlugin = append(res.ExternalPlugin, ledger.ExternalPlugin(p))
	}
	return res
}

func emptyToNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

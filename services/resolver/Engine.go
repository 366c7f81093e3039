// Package resolver turns locators into claims: it applies the locator
// grammar against the claim trie, verifies channel signatures and caches
// results per indexed height.
package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/services/chainsync"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/stores/claimtrie"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/jellydator/ttlcache/v3"
	"github.com/libsv/go-bk/bec"
)

// Snapshotter pins a consistent indexed height for the duration of a read.
type Snapshotter interface {
	Snapshot() (*chainsync.Snapshot, error)
}

type Engine struct {
	logger   ulogger.Logger
	settings settings.ResolverSettings
	trie     claimtrie.Store
	sync     Snapshotter
	cache    *ttlcache.Cache[cacheKey, *model.ResolvedClaim]
}

// cacheKey includes the height so entries from before a block or reorg are
// never served; stale heights simply age out.
type cacheKey struct {
	locator string
	height  uint32
}

func New(logger ulogger.Logger, tSettings *settings.Settings, trieStore claimtrie.Store, sync Snapshotter) *Engine {
	initPrometheusMetrics()

	cache := ttlcache.New[cacheKey, *model.ResolvedClaim](
		ttlcache.WithTTL[cacheKey, *model.ResolvedClaim](tSettings.Resolver.CacheTTL),
		ttlcache.WithCapacity[cacheKey, *model.ResolvedClaim](tSettings.Resolver.CacheSize),
	)

	go cache.Start()

	return &Engine{
		logger:   logger,
		settings: tSettings.Resolver,
		trie:     trieStore,
		sync:     sync,
		cache:    cache,
	}
}

func (e *Engine) Close() error {
	e.cache.Stop()
	return nil
}

// Resolve resolves one locator against the current indexed height and
// returns that height alongside the claim.
func (e *Engine) Resolve(_ context.Context, loc string) (*model.ResolvedClaim, uint32, error) {
	snapshot, err := e.sync.Snapshot()
	if err != nil {
		return nil, 0, err
	}

	defer snapshot.Release()

	resolved, err := e.resolveAt(loc, snapshot.Height)

	return resolved, snapshot.Height, err
}

// BatchResult pairs a locator with its outcome. Err is set instead of Claim
// for locators that failed; one bad locator never fails the batch.
type BatchResult struct {
	Locator string
	Claim   *model.ResolvedClaim
	Err     error
}

// ResolveBatch resolves all locators against a single snapshot, preserving
// order.
func (e *Engine) ResolveBatch(_ context.Context, locators []string) ([]BatchResult, uint32, error) {
	if e.settings.BatchMax > 0 && len(locators) > e.settings.BatchMax {
		return nil, 0, errors.NewBadRequestError("batch of %d locators exceeds the maximum of %d", len(locators), e.settings.BatchMax)
	}

	snapshot, err := e.sync.Snapshot()
	if err != nil {
		return nil, 0, err
	}

	defer snapshot.Release()

	results := make([]BatchResult, len(locators))

	for i, loc := range locators {
		results[i].Locator = loc
		results[i].Claim, results[i].Err = e.resolveAt(loc, snapshot.Height)
	}

	return results, snapshot.Height, nil
}

func (e *Engine) resolveAt(loc string, height uint32) (*model.ResolvedClaim, error) {
	prometheusResolverResolutions.Inc()

	key := cacheKey{locator: loc, height: height}

	if item := e.cache.Get(key); item != nil {
		prometheusResolverCacheHits.Inc()
		return item.Value(), nil
	}

	parsed, err := parseLocator(loc)
	if err != nil {
		return nil, err
	}

	entry, err := e.selectClaim(parsed)
	if err != nil {
		return nil, err
	}

	resolved := e.buildResolved(parsed.name, entry)

	e.cache.Set(key, resolved, ttlcache.DefaultTTL)

	return resolved, nil
}

// selectClaim applies the locator qualifier to the name's claim set.
func (e *Engine) selectClaim(loc locator) (*claimtrie.ClaimEntry, error) {
	name := []byte(loc.name)

	if loc.idPrefix == "" && loc.seq == 0 {
		return e.trie.ResolveName(name)
	}

	claims, err := e.trie.GetClaimsForName(name)
	if err != nil {
		return nil, err
	}

	if len(claims) == 0 {
		return nil, errors.NewNotFoundError("no claims for name %q", loc.name)
	}

	if loc.idPrefix != "" {
		var match *claimtrie.ClaimEntry

		for _, claim := range claims {
			if !strings.HasPrefix(claim.ClaimID.String(), loc.idPrefix) {
				continue
			}

			if match != nil {
				return nil, errors.NewBadRequestError("ambiguous claim id prefix %q for name %q", loc.idPrefix, loc.name)
			}

			match = claim
		}

		if match == nil {
			return nil, errors.NewNotFoundError("no claim for name %q matches id prefix %q", loc.name, loc.idPrefix)
		}

		return match, nil
	}

	// sequence counts claims in acceptance order, 1-based
	sort.Slice(claims, func(i, j int) bool {
		return claims[i].Sequence < claims[j].Sequence
	})

	if loc.seq > len(claims) {
		return nil, errors.NewNotFoundError("name %q has %d claims, sequence %d requested", loc.name, len(claims), loc.seq)
	}

	return claims[loc.seq-1], nil
}

// buildResolved decodes the claim's value envelope and attaches the
// signature verdict. A value that is not a valid envelope is served raw and
// unsigned rather than rejected.
func (e *Engine) buildResolved(name string, entry *claimtrie.ClaimEntry) *model.ResolvedClaim {
	resolved := &model.ResolvedClaim{
		Name:            name,
		ClaimID:         entry.ClaimID,
		OutPoint:        entry.OutPoint,
		Amount:          entry.Amount,
		EffectiveAmount: entry.EffectiveAmount,
		AcceptedHeight:  entry.AcceptedHeight,
		ActiveAt:        entry.ActiveAt,
		Controlling:     entry.Controlling,
		Signature:       model.SignatureNone,
	}

	value, err := model.NewClaimValueFromBytes(entry.Value)
	if err != nil {
		e.logger.Debugf("[Resolver] claim %s value is not an envelope, serving raw: %v", entry.ClaimID, err)

		resolved.Payload = entry.Value

		return resolved
	}

	resolved.Payload = value.Payload

	if !value.IsSigned() {
		return resolved
	}

	resolved.ChannelClaimID = value.ChannelClaimID
	resolved.Signature = e.verifySignature(entry.ClaimID, value)

	if resolved.Signature == model.SignatureInvalid {
		prometheusResolverInvalidSignatures.Inc()
	}

	return resolved
}

// verifySignature checks the claim's signature against its channel's public
// key. Unverified means the check could not be made; Invalid means it failed.
func (e *Engine) verifySignature(claimID model.ClaimID, value *model.ClaimValue) model.SignatureStatus {
	channel, err := e.trie.GetClaimByID(*value.ChannelClaimID)
	if err != nil {
		return model.SignatureUnverified
	}

	channelValue, err := model.NewClaimValueFromBytes(channel.Value)
	if err != nil {
		return model.SignatureUnverified
	}

	pubKey, err := bec.ParsePubKey(channelValue.Payload, bec.S256())
	if err != nil {
		return model.SignatureUnverified
	}

	sig, err := bec.ParseDERSignature(value.Signature, bec.S256())
	if err != nil {
		return model.SignatureInvalid
	}

	digest := model.SignatureDigest(value.Payload, claimID, *value.ChannelClaimID)

	if !sig.Verify(digest, pubKey) {
		return model.SignatureInvalid
	}

	return model.SignatureVerified
}

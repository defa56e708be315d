// Package resolver normalizes payee identifiers, raw hex addresses or
// human-readable names, into a canonical PayeeIdentity.
package resolver

import (
	"context"
	"fmt"

	"github.com/merchkit/checkout/logger"
	"github.com/merchkit/checkout/types"
	"github.com/merchkit/checkout/utils"
)

// ResolvedName is what a name service returns for a lookup.
type ResolvedName struct {
	Address   string `json:"address"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// NameService forward-resolves a human-readable name to a chain address.
// Implementations wrap whatever naming system the deployment uses (ENS,
// Basenames, a merchant directory). NeedsProviderHint reports whether the
// service requires a locally connected signer before it can perform lookups,
// so a host can prompt for one.
type NameService interface {
	Resolve(ctx context.Context, name string) (ResolvedName, error)
	NeedsProviderHint() bool
}

// ReverseLookup is an optional capability of a NameService: mapping an
// address back to a display name and avatar. Enrichment through it is
// best-effort and never issued for forward resolution.
type ReverseLookup interface {
	Reverse(ctx context.Context, address string) (ResolvedName, error)
}

// OnResolvedFunc is fired once per distinct successful forward resolution,
// so a host can rewrite its shareable URL to carry the canonical address.
// It never fires for identifiers that were already well-formed addresses,
// and never fires twice for the same canonical address.
type OnResolvedFunc func(types.PayeeIdentity)

// Resolver turns raw identifiers into PayeeIdentity values.
type Resolver struct {
	names      NameService
	log        logger.Logger
	onResolved OnResolvedFunc

	lastFired string
}

type Option func(*Resolver)

func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithOnResolved registers the once-per-resolution callback.
func WithOnResolved(fn OnResolvedFunc) Option {
	return func(r *Resolver) { r.onResolved = fn }
}

func New(names NameService, opts ...Option) *Resolver {
	r := &Resolver{
		names: names,
		log:   logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NeedsProviderHint passes through the underlying service's requirement.
func (r *Resolver) NeedsProviderHint() bool {
	if r.names == nil {
		return false
	}
	return r.names.NeedsProviderHint()
}

// Resolve determines whether identifier is already a well-formed chain
// address; if so it is canonicalized without any name-lookup call, with
// optional reverse enrichment for display. Otherwise the identifier is
// forward-resolved as a name. A failure on both paths yields a
// RESOLUTION_FAILED error.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (types.PayeeIdentity, error) {
	if identifier == "" {
		return types.PayeeIdentity{}, &types.CheckoutError{
			Code:    types.ErrResolutionFailed,
			Message: "empty payee identifier",
		}
	}

	if utils.IsHexAddress(identifier) {
		return r.enrichAddress(ctx, identifier), nil
	}

	return r.resolveName(ctx, identifier)
}

func (r *Resolver) enrichAddress(ctx context.Context, address string) types.PayeeIdentity {
	identity := types.PayeeIdentity{
		CanonicalAddress: utils.CanonicalAddress(address),
		DisplayName:      utils.ShortenAddress(utils.ChecksumAddress(address)),
	}

	rev, ok := r.names.(ReverseLookup)
	if !ok {
		return identity
	}

	resolved, err := rev.Reverse(ctx, identity.CanonicalAddress)
	if err != nil {
		// Enrichment only; the address already stands on its own.
		r.log.Debug("reverse lookup failed", map[string]any{
			"address": identity.CanonicalAddress,
			"error":   err.Error(),
		})
		return identity
	}

	if resolved.Address != "" {
		identity.DisplayName = resolved.Address
	}
	identity.AvatarURL = resolved.AvatarURL
	return identity
}

func (r *Resolver) resolveName(ctx context.Context, name string) (types.PayeeIdentity, error) {
	if r.names == nil {
		return types.PayeeIdentity{}, &types.CheckoutError{
			Code:    types.ErrResolutionFailed,
			Message: fmt.Sprintf("no name service configured to resolve %q", name),
		}
	}

	resolved, err := r.names.Resolve(ctx, name)
	if err != nil {
		return types.PayeeIdentity{}, &types.CheckoutError{
			Code:    types.ErrResolutionFailed,
			Message: fmt.Sprintf("failed to resolve %q: %v", name, err),
		}
	}

	if !utils.IsHexAddress(resolved.Address) {
		return types.PayeeIdentity{}, &types.CheckoutError{
			Code:    types.ErrResolutionFailed,
			Message: fmt.Sprintf("%q did not resolve to a valid address", name),
		}
	}

	identity := types.PayeeIdentity{
		CanonicalAddress: utils.CanonicalAddress(resolved.Address),
		DisplayName:      name,
		AvatarURL:        resolved.AvatarURL,
	}

	r.fireOnResolved(identity)
	return identity, nil
}

// fireOnResolved fires the callback on the resolution-success edge only.
// Repeated resolutions of the same canonical address are not re-fired.
func (r *Resolver) fireOnResolved(identity types.PayeeIdentity) {
	if r.onResolved == nil || identity.CanonicalAddress == r.lastFired {
		return
	}
	r.lastFired = identity.CanonicalAddress
	r.onResolved(identity)
}

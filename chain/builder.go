package chain

import (
	"context"
	"errors"
	"fmt"
)

// ErrTokenAccountMissing indicates a party has no token sub-account for the
// configured mint. Settlement never creates accounts on a recipient's behalf.
var ErrTokenAccountMissing = errors.New("chain: token account missing")

// Network is the subset of the payment network the builder depends on.
type Network interface {
	LatestCheckpoint(ctx context.Context) (Checkpoint, error)
	TokenAccount(ctx context.Context, owner, mint Address) (Address, bool, error)
}

// Builder constructs unsigned transfer instructions bound to a freshly
// fetched checkpoint. It never signs.
type Builder struct {
	net  Network
	mint Address
}

// NewBuilder constructs a Builder for the given network and token mint.
func NewBuilder(net Network, mint Address) *Builder {
	return &Builder{net: net, mint: mint}
}

// BuildNativeTransfer builds a native-coin transfer. The display amount is
// converted to base units at the native scale.
func (b *Builder) BuildNativeTransfer(ctx context.Context, from, to Address, amount string) (*UnsignedTx, error) {
	base, err := ToBaseUnits(amount, NativeDecimals)
	if err != nil {
		return nil, err
	}
	checkpoint, err := b.net.LatestCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch checkpoint: %w", err)
	}
	return &UnsignedTx{
		Kind:       TransferNative,
		From:       from,
		To:         to,
		Amount:     base,
		Checkpoint: checkpoint,
	}, nil
}

// BuildTokenTransfer builds a fungible-token transfer for the configured
// mint. Both parties must already hold a token sub-account; a missing account
// fails with ErrTokenAccountMissing.
func (b *Builder) BuildTokenTransfer(ctx context.Context, from, to Address, amount string) (*UnsignedTx, error) {
	base, err := ToBaseUnits(amount, TokenDecimals)
	if err != nil {
		return nil, err
	}
	fromTokens, ok, err := b.net.TokenAccount(ctx, from, b.mint)
	if err != nil {
		return nil, fmt.Errorf("chain: resolve sender token account: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("sender %s: %w", from, ErrTokenAccountMissing)
	}
	toTokens, ok, err := b.net.TokenAccount(ctx, to, b.mint)
	if err != nil {
		return nil, fmt.Errorf("chain: resolve recipient token account: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", to, ErrTokenAccountMissing)
	}
	checkpoint, err := b.net.LatestCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch checkpoint: %w", err)
	}
	return &UnsignedTx{
		Kind:       TransferToken,
		From:       from,
		To:         to,
		Mint:       b.mint,
		FromTokens: fromTokens,
		ToTokens:   toTokens,
		Amount:     base,
		Checkpoint: checkpoint,
	}, nil
}

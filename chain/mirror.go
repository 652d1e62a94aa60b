/*
Package chain provides the Blockchain Mirror Adapter: best-effort replay of
off-chain rewards onto an EVM token contract.

PURPOSE:
  The off-chain ledger is the source of truth. The mirror copies reward
  mints onto a chain when a wallet is linked and a chain is configured, and
  its outcome is only ever recorded on the ledger transaction. A failed or
  slow mirror never reverts or blocks the off-chain balance change.

CAPABILITY GATING:
  Without an RPC endpoint and signing key the adapter is Unavailable: every
  call returns ErrUnavailable immediately and callers settle off-chain.

NO RETRIES:
  The adapter makes exactly one attempt per call. Retrying belongs to the
  Sweeper, which picks up completed_offchain transactions later. A mint
  that was submitted but whose receipt never arrived keeps its hash, and
  the Sweeper resolves that hash before it mints again.

SEE ALSO:
  - evm.go: JSON-RPC implementation (firefly-signer)
  - dispatch.go: Dispatcher, runs a mirror off the request path
  - sweeper.go: periodic re-mirroring of the off-chain backlog
*/
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when no chain is configured.
	ErrUnavailable = errors.New("blockchain mirror unavailable")

	// ErrReverted is wrapped by receipt errors of mined but reverted mints.
	ErrReverted = errors.New("transaction reverted")
)

// Error is a chain-side failure: rejected submission, revert, or a receipt
// that never arrived.
type Error struct {
	Op   string
	Hash string
	Err  error
}

func (e *Error) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("chain %s (tx %s): %v", e.Op, e.Hash, e.Err)
	}
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Receipt proves a mirrored transfer landed in a block.
type Receipt struct {
	Hash          string
	BlockNumber   uint64
	Confirmations int
}

// Mirror replays a reward on chain.
type Mirror interface {
	// MirrorReward mints amount tokens to address. Blocks until the receipt
	// is available or ctx ends.
	MirrorReward(ctx context.Context, address string, amount decimal.Decimal, reason string) (Receipt, error)

	// Available reports whether calls can succeed at all.
	Available() bool
}

// ReceiptChecker is implemented by mirrors that can look up an earlier
// submission by hash.
type ReceiptChecker interface {
	// CheckReceipt makes one lookup. found is false while hash is not mined.
	// A reverted transaction returns an error wrapping ErrReverted.
	CheckReceipt(ctx context.Context, hash string) (receipt Receipt, found bool, err error)
}

// Unavailable is the Mirror used when no chain is configured.
type Unavailable struct{}

func (Unavailable) MirrorReward(context.Context, string, decimal.Decimal, string) (Receipt, error) {
	return Receipt{}, ErrUnavailable
}

func (Unavailable) Available() bool { return false }

package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/chain"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/metrics"
)

// Ledger is the part of the ledger service the engine drives.
type Ledger interface {
	OpenAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error)
	Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error)
	ConnectWallet(ctx context.Context, id ledger.AccountID, address string) (ledger.Account, bool, error)
	RecordTransaction(ctx context.Context, e ledger.Entry) (ledger.Transaction, error)
	TransactionByKey(ctx context.Context, key string) (ledger.Transaction, error)
}

// Settler finishes a pending reward, on chain if it can.
type Settler interface {
	Settle(ctx context.Context, tx ledger.Transaction, address, reason string) (chain.Settlement, error)
}

type Engine struct {
	Ledger  Ledger
	Settler Settler
	Policy  Policy
	Log     zerolog.Logger
}

func NewEngine(l Ledger, s Settler, p Policy, log zerolog.Logger) *Engine {
	return &Engine{
		Ledger:  l,
		Settler: s,
		Policy:  p,
		Log:     log.With().Str("component", "rewards").Logger(),
	}
}

// =============================================================================
// COURSE COMPLETION
// =============================================================================

// RewardCourseCompletion mints the course reward once per (account, course).
// A repeat returns the earlier transaction with AlreadyRewarded set.
func (e *Engine) RewardCourseCompletion(ctx context.Context, c Completion) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	key := CourseCompletionKey(c.AccountID, c.Course.ID)

	// Fast path only. The unique key decides under concurrency.
	if prior, err := e.Ledger.TransactionByKey(ctx, key); err == nil {
		return e.alreadyRewarded(ledger.SourceCourseCompletion, prior), nil
	} else if !ledger.IsNotFound(err) {
		return Result{}, err
	}

	acct, err := e.Ledger.Account(ctx, c.AccountID)
	if err != nil {
		return Result{}, err
	}
	award := e.Policy.Award(c)
	if !award.Total().IsPositive() {
		return Result{}, &ledger.ValidationError{Field: "tokenReward", Message: "course awards no tokens"}
	}

	res, err := e.reward(ctx, acct, ledger.Entry{
		AccountID:   acct.ID,
		Type:        ledger.TxEarned,
		Amount:      award.Total(),
		Description: "Course completion: " + c.Course.ID,
		Source: ledger.CourseCompletion{
			CourseID:     c.Course.ID,
			BaseReward:   award.Base,
			EarlyBonus:   award.EarlyBonus,
			PerfectBonus: award.PerfectBonus,
		},
		IdempotencyKey: key,
		Status:         ledger.StatusPending,
	})
	res.Award = award
	return res, err
}

func CourseCompletionKey(account ledger.AccountID, course string) string {
	return fmt.Sprintf("course_completion:%s:%s", account, course)
}

// =============================================================================
// ONE-TIME BONUSES
// =============================================================================

// RegisterAccount opens the account and grants the welcome bonus. Calling it
// again for an existing account only re-checks the bonus, which is granted once.
func (e *Engine) RegisterAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, Result, error) {
	acct, err := e.Ledger.OpenAccount(ctx, id)
	if errors.Is(err, ledger.ErrAccountExists) {
		acct, err = e.Ledger.Account(ctx, id)
	}
	if err != nil {
		return ledger.Account{}, Result{}, err
	}
	if !e.Policy.RegistrationBonus.IsPositive() {
		return acct, Result{}, nil
	}
	res, err := e.reward(ctx, acct, ledger.Entry{
		AccountID:      id,
		Type:           ledger.TxBonus,
		Amount:         e.Policy.RegistrationBonus,
		Description:    "Welcome bonus",
		Source:         ledger.Registration{},
		IdempotencyKey: "registration:" + string(id),
		Status:         ledger.StatusPending,
	})
	if err != nil {
		return acct, res, err
	}
	acct, err = e.Ledger.Account(ctx, id)
	return acct, res, err
}

// RewardWalletConnection links the wallet and grants the wallet bonus once.
// The bonus is the first reward mirrored to the new address.
func (e *Engine) RewardWalletConnection(ctx context.Context, id ledger.AccountID, address string) (ledger.Account, Result, error) {
	addr, err := ethtypes.NewAddress(address)
	if err != nil {
		return ledger.Account{}, Result{}, &ledger.ValidationError{Field: "walletAddress", Message: "not a valid address"}
	}
	acct, _, err := e.Ledger.ConnectWallet(ctx, id, addr.String())
	if err != nil {
		return ledger.Account{}, Result{}, err
	}
	if !e.Policy.WalletBonus.IsPositive() {
		return acct, Result{}, nil
	}
	res, err := e.reward(ctx, acct, ledger.Entry{
		AccountID:      id,
		Type:           ledger.TxEarned,
		Amount:         e.Policy.WalletBonus,
		Description:    "Wallet connection bonus",
		Source:         ledger.WalletConnection{Address: acct.WalletAddress},
		IdempotencyKey: "wallet_connection:" + string(id),
		Status:         ledger.StatusPending,
	})
	if err != nil {
		return acct, res, err
	}
	acct, err = e.Ledger.Account(ctx, id)
	return acct, res, err
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

// Adjust records an administrator's bonus or penalty. Penalties respect the
// non-negative balance. Adjustments are not mirrored.
func (e *Engine) Adjust(ctx context.Context, a Adjustment) (ledger.Transaction, error) {
	if err := a.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	tx, err := e.Ledger.RecordTransaction(ctx, ledger.Entry{
		AccountID:      a.AccountID,
		Type:           a.Type,
		Amount:         a.Amount,
		Description:    a.Note,
		Source:         ledger.AdminAction{ActorID: a.ActorID, Note: a.Note},
		IdempotencyKey: a.IdempotencyKey,
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return e.Ledger.TransactionByKey(ctx, a.IdempotencyKey)
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	e.Log.Info().Str("account_id", string(a.AccountID)).Str("type", string(a.Type)).
		Str("amount", a.Amount.String()).Str("actor", a.ActorID).Msg("admin adjustment")
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// reward records a pending entry and settles it. A duplicate key turns into
// the AlreadyRewarded result.
func (e *Engine) reward(ctx context.Context, acct ledger.Account, entry ledger.Entry) (Result, error) {
	kind := entry.Source.Kind()
	tx, err := e.Ledger.RecordTransaction(ctx, entry)
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		prior, err := e.Ledger.TransactionByKey(ctx, entry.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		return e.alreadyRewarded(kind, prior), nil
	}
	if err != nil {
		return Result{}, err
	}
	metrics.RewardsIssued.WithLabelValues(string(kind)).Inc()

	log := e.Log.With().Str("account_id", string(acct.ID)).Str("transaction_id", string(tx.ID)).Str("source", string(kind)).Logger()
	log.Info().Str("amount", entry.Amount.String()).Msg("reward recorded")

	if e.Settler == nil {
		return Result{Transaction: tx}, nil
	}
	settled, err := e.Settler.Settle(ctx, tx, acct.WalletAddress, entry.Description)
	if err != nil {
		// The reward is on the ledger; only its status stamp failed.
		log.Error().Err(err).Msg("reward left pending")
		return Result{Transaction: tx, Warning: "reward recorded, settlement pending"}, nil
	}
	return Result{Transaction: settled.Transaction, Warning: settled.Warning}, nil
}

func (e *Engine) alreadyRewarded(kind ledger.SourceKind, prior ledger.Transaction) Result {
	metrics.RewardsDeduplicated.WithLabelValues(string(kind)).Inc()
	e.Log.Debug().Str("account_id", string(prior.AccountID)).Str("transaction_id", string(prior.ID)).
		Str("source", string(kind)).Msg(ErrAlreadyRewarded.Error())
	return Result{Transaction: prior, AlreadyRewarded: true}
}

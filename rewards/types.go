/*
Package rewards provides the Reward Engine: deciding when a qualifying
event mints tokens, how many, and making sure it happens at most once.

PURPOSE:
  Course completions, registrations and wallet connections all earn tokens.
  Each is recorded on the ledger under an idempotency key, so a repeated or
  concurrent event is recognized by the store and answered as a no-op:

    course_completion:<account>:<course>
    registration:<account>
    wallet_connection:<account>

REWARD FLOW:
  1. Compute the award (pure, see Policy.Award)
  2. Record an earned transaction, status pending
  3. Hand it to the mirror dispatcher: completed with a chain hash, or
     completed_offchain when there is no wallet or the chain fails

BONUSES (course completion):
  base:    course.TokenReward, or Policy.DefaultCourseReward when unset
  early:   course.EarlyCompletionBonus when TimeSpent <= 80% of TotalDuration
  perfect: course.PerfectScoreBonus when Score >= 95

  TimeSpent is used exactly as the content service reports it. Whether it is
  wall-clock or active time is the content service's definition.

SEE ALSO:
  - engine.go: Engine service
  - chain/dispatch.go: mirror settlement
*/
package rewards

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/ledger"
)

// ErrAlreadyRewarded signals the idempotent no-op. Engine methods report it
// through Result.AlreadyRewarded rather than as an error.
var ErrAlreadyRewarded = errors.New("already rewarded")

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the platform-wide reward amounts and thresholds.
type Policy struct {
	DefaultCourseReward   decimal.Decimal
	RegistrationBonus     decimal.Decimal
	WalletBonus           decimal.Decimal
	EarlyCompletionRatio  decimal.Decimal
	PerfectScoreThreshold decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultCourseReward:   ledger.Tokens(100),
		RegistrationBonus:     ledger.Tokens(50),
		WalletBonus:           ledger.Tokens(25),
		EarlyCompletionRatio:  decimal.RequireFromString("0.8"),
		PerfectScoreThreshold: ledger.Tokens(95),
	}
}

// =============================================================================
// COURSE COMPLETION
// =============================================================================

// Course is what the content service tells us about a course.
type Course struct {
	ID string

	// TokenReward overrides the policy default when set.
	TokenReward          *decimal.Decimal
	EarlyCompletionBonus decimal.Decimal
	PerfectScoreBonus    decimal.Decimal
	TotalDuration        time.Duration
}

// Completion is one learner finishing one course.
type Completion struct {
	AccountID ledger.AccountID
	Course    Course
	TimeSpent time.Duration
	Score     decimal.Decimal // 0..100
}

func (c Completion) Validate() error {
	switch {
	case c.AccountID == "":
		return &ledger.ValidationError{Field: "account", Message: "required"}
	case c.Course.ID == "":
		return &ledger.ValidationError{Field: "courseId", Message: "required"}
	case c.TimeSpent < 0:
		return &ledger.ValidationError{Field: "timeSpent", Message: "must not be negative"}
	case c.Score.IsNegative() || c.Score.GreaterThan(ledger.Tokens(100)):
		return &ledger.ValidationError{Field: "score", Message: "must be between 0 and 100"}
	case c.Course.TokenReward != nil && c.Course.TokenReward.IsNegative():
		return &ledger.ValidationError{Field: "tokenReward", Message: "must not be negative"}
	case c.Course.EarlyCompletionBonus.IsNegative() || c.Course.PerfectScoreBonus.IsNegative():
		return &ledger.ValidationError{Field: "bonusTokens", Message: "must not be negative"}
	}
	return nil
}

// Award is the breakdown of a course reward.
type Award struct {
	Base         decimal.Decimal
	EarlyBonus   decimal.Decimal
	PerfectBonus decimal.Decimal
}

func (a Award) Total() decimal.Decimal {
	return a.Base.Add(a.EarlyBonus).Add(a.PerfectBonus)
}

// Award computes the reward for c. Pure.
func (p Policy) Award(c Completion) Award {
	a := Award{Base: p.DefaultCourseReward, EarlyBonus: decimal.Zero, PerfectBonus: decimal.Zero}
	if c.Course.TokenReward != nil {
		a.Base = *c.Course.TokenReward
	}
	if p.finishedEarly(c) {
		a.EarlyBonus = c.Course.EarlyCompletionBonus
	}
	if c.Score.GreaterThanOrEqual(p.PerfectScoreThreshold) {
		a.PerfectBonus = c.Course.PerfectScoreBonus
	}
	return a
}

func (p Policy) finishedEarly(c Completion) bool {
	if c.Course.TotalDuration <= 0 {
		return false
	}
	limit := decimal.NewFromInt(int64(c.Course.TotalDuration)).Mul(p.EarlyCompletionRatio)
	return decimal.NewFromInt(int64(c.TimeSpent)).LessThanOrEqual(limit)
}

// =============================================================================
// RESULT
// =============================================================================

// Result describes a reward request's outcome. AlreadyRewarded marks the
// idempotent no-op; Transaction is then the earlier reward.
type Result struct {
	Transaction     ledger.Transaction
	Award           Award
	AlreadyRewarded bool

	// Warning carries a non-blocking chain message.
	Warning string
}

// =============================================================================
// ADMIN ADJUSTMENT
// =============================================================================

// Adjustment is a manual bonus or penalty by an administrator.
type Adjustment struct {
	AccountID      ledger.AccountID
	Type           ledger.TransactionType
	Amount         decimal.Decimal
	ActorID        string
	Note           string
	IdempotencyKey string
}

func (a Adjustment) Validate() error {
	if a.Type != ledger.TxBonus && a.Type != ledger.TxPenalty {
		return &ledger.ValidationError{Field: "type", Message: "adjustments are bonus or penalty"}
	}
	if a.ActorID == "" {
		return &ledger.ValidationError{Field: "actor", Message: "required"}
	}
	if a.Note == "" {
		return &ledger.ValidationError{Field: "note", Message: "required"}
	}
	return nil
}

package rewards_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/chain"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/rewards"
	"github.com/warp/token-ledger/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const wallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeMirror struct {
	err   error
	calls atomic.Int32
}

func (m *fakeMirror) MirrorReward(context.Context, string, decimal.Decimal, string) (chain.Receipt, error) {
	m.calls.Add(1)
	if m.err != nil {
		return chain.Receipt{}, m.err
	}
	return chain.Receipt{Hash: "0xminted", BlockNumber: 9}, nil
}

func (m *fakeMirror) Available() bool { return true }

type brokenSettler struct{}

func (brokenSettler) Settle(context.Context, ledger.Transaction, string, string) (chain.Settlement, error) {
	return chain.Settlement{}, errors.New("database is locked")
}

func newEngine(t *testing.T, mirror chain.Mirror) (*rewards.Engine, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(memory.New())
	d := chain.NewDispatcher(mirror, l, time.Second, time.Second, zerolog.Nop())
	return rewards.NewEngine(l, d, rewards.DefaultPolicy(), zerolog.Nop()), l
}

func tokens(n int64) *decimal.Decimal {
	d := ledger.Tokens(n)
	return &d
}

func completion(account ledger.AccountID) rewards.Completion {
	return rewards.Completion{
		AccountID: account,
		Course: rewards.Course{
			ID: "go-101", TokenReward: tokens(100),
			EarlyCompletionBonus: ledger.Tokens(20), PerfectScoreBonus: ledger.Tokens(30),
			TotalDuration: 10 * time.Hour,
		},
		TimeSpent: 9 * time.Hour,
		Score:     decimal.NewFromInt(80),
	}
}

func open(t *testing.T, l *ledger.Ledger, id ledger.AccountID) {
	t.Helper()
	_, err := l.OpenAccount(context.Background(), id)
	require.NoError(t, err)
}

func total(t *testing.T, l *ledger.Ledger, id ledger.AccountID) decimal.Decimal {
	t.Helper()
	acct, err := l.Account(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance.Total
}

// =============================================================================
// POLICY
// =============================================================================

func TestPolicyAward(t *testing.T) {
	p := rewards.DefaultPolicy()
	course := rewards.Course{
		ID: "c", EarlyCompletionBonus: ledger.Tokens(20), PerfectScoreBonus: ledger.Tokens(30),
		TotalDuration: 10 * time.Hour,
	}

	tests := []struct {
		name      string
		reward    *decimal.Decimal
		duration  time.Duration
		timeSpent time.Duration
		score     string
		want      int64
	}{
		{"default base only", nil, 10 * time.Hour, 9 * time.Hour, "80", 100},
		{"course override", tokens(40), 10 * time.Hour, 9 * time.Hour, "80", 40},
		{"exactly 80 percent is early", nil, 10 * time.Hour, 8 * time.Hour, "80", 120},
		{"just over 80 percent is not", nil, 10 * time.Hour, 8*time.Hour + time.Second, "80", 100},
		{"unknown duration never early", nil, 0, 0, "80", 100},
		{"score 95 is perfect", nil, 10 * time.Hour, 9 * time.Hour, "95", 130},
		{"score 94.99 is not", nil, 10 * time.Hour, 9 * time.Hour, "94.99", 100},
		{"everything", tokens(100), 10 * time.Hour, 7 * time.Hour, "98", 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := course
			c.TokenReward = tt.reward
			c.TotalDuration = tt.duration
			award := p.Award(rewards.Completion{
				AccountID: "a", Course: c, TimeSpent: tt.timeSpent, Score: decimal.RequireFromString(tt.score),
			})
			assert.True(t, award.Total().Equal(ledger.Tokens(tt.want)), "got %s", award.Total())
		})
	}
}

func TestCompletionValidate(t *testing.T) {
	base := completion("a")

	tests := []struct {
		name   string
		mutate func(*rewards.Completion)
		field  string
	}{
		{"no account", func(c *rewards.Completion) { c.AccountID = "" }, "account"},
		{"no course", func(c *rewards.Completion) { c.Course.ID = "" }, "courseId"},
		{"negative time", func(c *rewards.Completion) { c.TimeSpent = -time.Minute }, "timeSpent"},
		{"score above 100", func(c *rewards.Completion) { c.Score = decimal.NewFromInt(101) }, "score"},
		{"negative reward", func(c *rewards.Completion) { c.Course.TokenReward = tokens(-1) }, "tokenReward"},
		{"negative bonus", func(c *rewards.Completion) { c.Course.PerfectScoreBonus = ledger.Tokens(-1) }, "bonusTokens"},
	}
	require.NoError(t, base.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			var ve *ledger.ValidationError
			require.ErrorAs(t, c.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

// =============================================================================
// COURSE COMPLETION
// =============================================================================

func TestRewardCourseCompletion_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	e, l := newEngine(t, chain.Unavailable{})
	open(t, l, "ana")
	c := completion("ana")
	c.TimeSpent = 7 * time.Hour
	c.Score = decimal.NewFromInt(98)

	// WHEN: the completion is reported twice
	first, err := e.RewardCourseCompletion(ctx, c)
	require.NoError(t, err)
	second, err := e.RewardCourseCompletion(ctx, c)
	require.NoError(t, err)

	// THEN: one reward of 150, the repeat points at it
	assert.False(t, first.AlreadyRewarded)
	assert.True(t, first.Award.Total().Equal(ledger.Tokens(150)))
	assert.Equal(t, ledger.StatusCompletedOffchain, first.Transaction.Status)
	assert.Empty(t, first.Warning, "no wallet, nothing to warn about")

	assert.True(t, second.AlreadyRewarded)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.True(t, total(t, l, "ana").Equal(ledger.Tokens(150)))

	src, ok := first.Transaction.Source.(ledger.CourseCompletion)
	require.True(t, ok)
	assert.True(t, src.EarlyBonus.Equal(ledger.Tokens(20)))
	assert.True(t, src.PerfectBonus.Equal(ledger.Tokens(30)))
	assert.Equal(t, "course_completion:ana:go-101", first.Transaction.IdempotencyKey)
}

func TestRewardCourseCompletion_ConcurrentReportsMintOnce(t *testing.T) {
	ctx := context.Background()
	e, l := newEngine(t, chain.Unavailable{})
	open(t, l, "ben")

	var wg sync.WaitGroup
	var fresh atomic.Int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.RewardCourseCompletion(ctx, completion("ben"))
			if assert.NoError(t, err) && !res.AlreadyRewarded {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.True(t, total(t, l, "ben").Equal(ledger.Tokens(100)))
}

func TestRewardCourseCompletion_MirroredWhenWalletLinked(t *testing.T) {
	ctx := context.Background()
	m := &fakeMirror{}
	e, l := newEngine(t, m)
	open(t, l, "cat")
	_, _, err := l.ConnectWallet(ctx, "cat", wallet)
	require.NoError(t, err)

	res, err := e.RewardCourseCompletion(ctx, completion("cat"))

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, res.Transaction.Status)
	assert.Equal(t, "0xminted", res.Transaction.Mirror.Hash)
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestRewardCourseCompletion_MirrorFailureKeepsReward(t *testing.T) {
	ctx := context.Background()
	e, l := newEngine(t, &fakeMirror{err: errors.New("insufficient funds for gas")})
	open(t, l, "dee")
	_, _, err := l.ConnectWallet(ctx, "dee", wallet)
	require.NoError(t, err)

	res, err := e.RewardCourseCompletion(ctx, completion("dee"))

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompletedOffchain, res.Transaction.Status)
	assert.Contains(t, res.Warning, "insufficient funds for gas")
	assert.True(t, total(t, l, "dee").Equal(ledger.Tokens(100)))
}

func TestRewardCourseCompletion_ChainUnavailableWarns(t *testing.T) {
	ctx := context.Background()
	e, l := newEngine(t, chain.Unavailable{})
	open(t, l, "eve")
	_, _, err := l.ConnectWallet(ctx, "eve", wallet)
	require.NoError(t, err)

	res, err := e.RewardCourseCompletion(ctx, completion("eve"))

	require.NoError(t, err)
	assert.Equal(t, chain.ErrUnavailable.Error(), res.Warning)
	assert.Equal(t, ledger.StatusCompletedOffchain, res.Transaction.Status)
}

func TestRewardCourseCompletion_ZeroAwardRejected(t *testing.T) {
	e, l := newEngine(t, chain.Unavailable{})
	open(t, l, "fay")
	c := completion("fay")
	c.Course.TokenReward = tokens(0)

	_, err := e.RewardCourseCompletion(context.Background(), c)

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRewardCourseCompletion_UnknownAccount(t *testing.T) {
	e, _ := newEngine(t, chain.Unavailable{})

	_, err := e.RewardCourseCompletion(context.Background(), completion("ghost"))

	assert.True(t, ledger.IsNotFound(err))
}

func TestReward_SettlementErrorLeavesPendingWithWarning(t *testing.T) {
	l := ledger.New(memory.New())
	e := rewards.NewEngine(l, brokenSettler{}, rewards.DefaultPolicy(), zerolog.Nop())
	open(t, l, "gus")

	res, err := e.RewardCourseCompletion(context.Background(), completion("gus"))

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, res.Transaction.Status)
	assert.Equal(t, "reward recorded, settlement pending", res.Warning)
	assert.True(t, total(t, l, "gus").Equal(ledger.Tokens(100)))
}

// =============================================================================
// ONE-TIME BONUSES
// =============================================================================

func TestRegisterAccount_BonusOnce(t *testing.T) {
	ctx := context.Background()
	e, l := newEngine(t, chain.Unavailable{})

	acct, res, err := e.RegisterAccount(ctx, "hal")
	require.NoError(t, err)
	assert.False(t, res.AlreadyRewarded)
	assert.Equal(t, ledger.TxBonus, res.Transaction.Type)
	assert.True(t, acct.Balance.Total.Equal(ledger.Tokens(50)))

	_, again, err := e.RegisterAccount(ctx, "hal")
	require.NoError(t, err)
	assert.True(t, again.AlreadyRewarded)
	assert.True(t, total(t, l, "hal").Equal(ledger.Tokens(50)))
}

func TestRegisterAccount_NoBonusConfigured(t *testing.T) {
	e, _ := newEngine(t, chain.Unavailable{})
	e.Policy.RegistrationBonus = decimal.Zero

	acct, res, err := e.RegisterAccount(context.Background(), "ivy")

	require.NoError(t, err)
	assert.True(t, acct.Balance.Total.IsZero())
	assert.Empty(t, res.Transaction.ID)
}

func TestRewardWalletConnection(t *testing.T) {
	ctx := context.Background()
	m := &fakeMirror{}
	e, l := newEngine(t, m)
	open(t, l, "jon")

	// invalid addresses never reach the ledger
	_, _, err := e.RewardWalletConnection(ctx, "jon", "0xnot-an-address")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	acct, res, err := e.RewardWalletConnection(ctx, "jon", wallet)
	require.NoError(t, err)
	assert.True(t, strings.EqualFold(wallet, acct.WalletAddress))
	assert.True(t, acct.Balance.Total.Equal(ledger.Tokens(25)))
	assert.Equal(t, ledger.StatusCompleted, res.Transaction.Status, "bonus mirrored to the new wallet")

	// same wallet, any casing: no second bonus
	_, again, err := e.RewardWalletConnection(ctx, "jon", strings.ToLower(wallet))
	require.NoError(t, err)
	assert.True(t, again.AlreadyRewarded)
	assert.True(t, total(t, l, "jon").Equal(ledger.Tokens(25)))

	// a different wallet is refused
	_, _, err = e.RewardWalletConnection(ctx, "jon", "0x0000000000000000000000000000000000000001")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	e, l := newEngine(t, chain.Unavailable{})
	open(t, l, "kay")

	bonus := rewards.Adjustment{
		AccountID: "kay", Type: ledger.TxBonus, Amount: ledger.Tokens(40),
		ActorID: "admin-1", Note: "hackathon winner", IdempotencyKey: "adj-1",
	}
	first, err := e.Adjust(ctx, bonus)
	require.NoError(t, err)
	second, err := e.Adjust(ctx, bonus)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, ledger.StatusCompleted, first.Status)
	assert.True(t, total(t, l, "kay").Equal(ledger.Tokens(40)))

	// penalties cannot overdraw
	_, err = e.Adjust(ctx, rewards.Adjustment{
		AccountID: "kay", Type: ledger.TxPenalty, Amount: ledger.Tokens(41), ActorID: "admin-1", Note: "abuse",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// only bonus and penalty, always with a note
	_, err = e.Adjust(ctx, rewards.Adjustment{AccountID: "kay", Type: ledger.TxEarned, Amount: ledger.Tokens(1), ActorID: "a", Note: "n"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = e.Adjust(ctx, rewards.Adjustment{AccountID: "kay", Type: ledger.TxBonus, Amount: ledger.Tokens(1), ActorID: "a"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

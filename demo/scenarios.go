/*
Package demo holds pre-built scenarios that populate a store with realistic
data for demos and manual testing.

AVAILABLE SCENARIOS:

	catalog:          Redeemable items of every delivery type
	new-learner:      catalog + one learner with registration, two course
	                  rewards (one early with a perfect score) and a wallet
	redemption-flow:  new-learner + a shipped redemption, a cancelled one
	                  and a purchase confirmed twice

HOW SCENARIOS WORK:
 1. Scenarios go through the engines, never the store, so every balance and
    stock change is a real ledger or guard operation
 2. Rewards are idempotent, so re-loading a scenario does not mint twice
 3. Items that already exist are left alone

USAGE:

	./server seed --scenario redemption-flow

SEE ALSO:
  - cmd/server/seed.go: seed command
*/
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/redemption"
	"github.com/warp/token-ledger/rewards"
)

// Services are the engines a scenario drives.
type Services struct {
	Rewards     *rewards.Engine
	Inventory   *inventory.Guard
	Redemptions *redemption.Engine
	Enrollments *enrollment.Service
}

type Scenario struct {
	ID          string
	Name        string
	Description string

	load func(ctx context.Context, s Services) error
}

// Load runs the scenario.
func (sc Scenario) Load(ctx context.Context, s Services) error {
	if err := sc.load(ctx, s); err != nil {
		return fmt.Errorf("scenario %s: %w", sc.ID, err)
	}
	return nil
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Learner is the account the learner scenarios create.
const Learner ledger.AccountID = "learner-001"

var Scenarios = []Scenario{
	{
		ID:          "catalog",
		Name:        "Catalog",
		Description: "Redeemable items of every delivery type",
		load:        loadCatalog,
	},
	{
		ID:          "new-learner",
		Name:        "New Learner",
		Description: "Registration bonus, two course rewards and a wallet bonus",
		load:        loadNewLearner,
	},
	{
		ID:          "redemption-flow",
		Name:        "Redemption Flow",
		Description: "Shipped and cancelled redemptions, duplicate purchase confirmation",
		load:        loadRedemptionFlow,
	},
}

// Find returns the scenario with id.
func Find(id string) (Scenario, bool) {
	for _, sc := range Scenarios {
		if sc.ID == id {
			return sc, true
		}
	}
	return Scenario{}, false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func catalogItems() []inventory.Item {
	return []inventory.Item{
		{
			ID: "hoodie", Name: "Academy Hoodie", TokenCost: ledger.Tokens(120),
			Stock: inventory.Stock{Available: 5, Total: 5}, IsActive: true,
			DeliveryType: inventory.DeliveryPhysical,
		},
		{
			ID: "ebook-go", Name: "Concurrency in Practice (e-book)", TokenCost: ledger.Tokens(40),
			IsUnlimited: true, IsActive: true, DeliveryType: inventory.DeliveryDigital,
		},
		{
			ID: "coffee-voucher", Name: "Coffee Voucher", TokenCost: ledger.Tokens(15),
			Stock: inventory.Stock{Available: 20, Total: 20}, IsActive: true,
			DeliveryType: inventory.DeliveryVoucher,
		},
		{
			ID: "mentor-session", Name: "1:1 Mentor Session", TokenCost: ledger.Tokens(200),
			Stock: inventory.Stock{Available: 2, Total: 2}, IsActive: true,
			DeliveryType: inventory.DeliveryAccess,
		},
	}
}

func loadCatalog(ctx context.Context, s Services) error {
	for _, item := range catalogItems() {
		if _, err := s.Inventory.Item(ctx, item.ID); err == nil {
			continue
		} else if !ledger.IsNotFound(err) {
			return err
		}
		if _, err := s.Inventory.AddItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func loadNewLearner(ctx context.Context, s Services) error {
	if err := loadCatalog(ctx, s); err != nil {
		return err
	}
	if _, _, err := s.Rewards.RegisterAccount(ctx, Learner); err != nil {
		return err
	}

	hundred := ledger.Tokens(100)
	completions := []rewards.Completion{
		{
			AccountID: Learner,
			Course: rewards.Course{
				ID: "go-basics", TokenReward: &hundred,
				EarlyCompletionBonus: ledger.Tokens(20), PerfectScoreBonus: ledger.Tokens(30),
				TotalDuration: 10 * time.Hour,
			},
			TimeSpent: 7 * time.Hour,
			Score:     decimal.NewFromInt(98),
		},
		{
			AccountID: Learner,
			Course: rewards.Course{
				ID: "sql-joins", EarlyCompletionBonus: ledger.Tokens(10),
				TotalDuration: 4 * time.Hour,
			},
			TimeSpent: 5 * time.Hour,
			Score:     decimal.NewFromInt(81),
		},
	}
	for _, c := range completions {
		if _, err := s.Rewards.RewardCourseCompletion(ctx, c); err != nil {
			return err
		}
	}

	_, _, err := s.Rewards.RewardWalletConnection(ctx, Learner, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	return err
}

func loadRedemptionFlow(ctx context.Context, s Services) error {
	if err := loadNewLearner(ctx, s); err != nil {
		return err
	}

	shipped, err := s.Redemptions.Create(ctx, redemption.Request{
		AccountID: Learner,
		ItemID:    "hoodie",
		Quantity:  1,
		Delivery: redemption.Delivery{
			Name: "Ada Learner", Street: "1 Main St", City: "Lisbon", PostalCode: "1100-001", Country: "PT",
		},
	})
	if err != nil {
		return err
	}
	for _, st := range []redemption.Status{redemption.StatusProcessing, redemption.StatusShipped} {
		if _, err := s.Redemptions.Advance(ctx, shipped.ID, st, "demo fulfilment"); err != nil {
			return err
		}
	}

	voucher, err := s.Redemptions.Create(ctx, redemption.Request{
		AccountID: Learner, ItemID: "coffee-voucher", Quantity: 2,
	})
	if err != nil {
		return err
	}
	if _, _, err := s.Redemptions.Cancel(ctx, voucher.ID, "changed my mind"); err != nil {
		return err
	}

	// The webhook and the synchronous confirmation both arrive.
	purchase := enrollment.Purchase{AccountID: Learner, CourseID: "rust-intro", PaymentID: "pay-001"}
	for i := 0; i < 2; i++ {
		if _, _, err := s.Enrollments.ConfirmPurchase(ctx, purchase); err != nil {
			return err
		}
	}
	return nil
}

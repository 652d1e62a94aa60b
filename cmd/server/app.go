package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/api"
	"github.com/warp/token-ledger/chain"
	"github.com/warp/token-ledger/config"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/query"
	"github.com/warp/token-ledger/redemption"
	"github.com/warp/token-ledger/rewards"
	"github.com/warp/token-ledger/store/sqlite"
)

// app is the wired service graph shared by every command.
type app struct {
	cfg config.Config
	log zerolog.Logger

	store       *sqlite.Store
	ledger      *ledger.Ledger
	inventory   *inventory.Guard
	mirror      chain.Mirror
	dispatcher  *chain.Dispatcher
	sweeper     *chain.Sweeper
	rewards     *rewards.Engine
	redemptions *redemption.Engine
	query       *query.Service
	enrollments *enrollment.Service
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	policy, err := cfg.Rewards.Policy()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	mirror, err := chain.NewMirror(cfg.Chain.EVM(), log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("blockchain mirror: %w", err)
	}

	l := ledger.New(store)
	guard := inventory.NewGuard(store, log)
	dispatcher := chain.NewDispatcher(mirror, l, cfg.Chain.ReceiptTimeout, cfg.Chain.MirrorWait, log)

	sweeper := chain.NewSweeper(store, l, mirror, log)
	sweeper.Enabled = cfg.Reconcile.Enabled
	sweeper.Interval = cfg.Reconcile.Interval
	sweeper.BatchSize = cfg.Reconcile.BatchSize
	sweeper.ReceiptTimeout = cfg.Chain.ReceiptTimeout

	return &app{
		cfg:         cfg,
		log:         log,
		store:       store,
		ledger:      l,
		inventory:   guard,
		mirror:      mirror,
		dispatcher:  dispatcher,
		sweeper:     sweeper,
		rewards:     rewards.NewEngine(l, dispatcher, policy, log),
		redemptions: redemption.NewEngine(l, guard, store, log),
		query:       query.NewService(l, store),
		enrollments: enrollment.NewService(store, log),
	}, nil
}

func (a *app) handler() *api.Handler {
	return &api.Handler{
		Rewards:     a.rewards,
		Redemptions: a.redemptions,
		Inventory:   a.inventory,
		Query:       a.query,
		Enrollments: a.enrollments,
		Store:       a.store,
		Log:         a.log,
	}
}

// Close waits for in-flight mirrors before closing the store.
func (a *app) Close() error {
	a.dispatcher.Drain()
	return a.store.Close()
}

package commands

import (
	"database/sql"

	"github.com/teranos/groupcast/am"
	"github.com/teranos/groupcast/db"
	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/gateway"
	"github.com/teranos/groupcast/internal/backoff"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/pulse/recurrence"
	"github.com/teranos/groupcast/pulse/schedule"
)

// dbPathFlag overrides database.path for every command that opens the store.
var dbPathFlag string

// runtime is the opened store plus the settings it was opened with.
type runtime struct {
	cfg   *am.Config
	db    *sql.DB
	pool  *db.Pool
	store *schedule.Store
	calc  *recurrence.Calculator
}

// loadConfig loads and validates the layered configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if dbPathFlag != "" {
		cfg.Database.Path = dbPathFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

// openRuntime opens and migrates the database. metrics may be nil.
func openRuntime(metrics *schedule.Metrics) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	calc, err := recurrence.LoadCalculator(cfg.Schedule.Timezone)
	if err != nil {
		database.Close()
		return nil, err
	}

	pool := db.NewPool(database,
		db.WithRetryPolicy(backoff.Policy{
			MaxAttempts: cfg.Database.BusyRetries,
			BaseDelay:   cfg.Database.BusyBaseDelayDuration(),
		}),
		db.WithPoolLogger(logger.Logger),
		db.WithContentionHook(metrics.RecordContention),
	)

	return &runtime{
		cfg:   cfg,
		db:    database,
		pool:  pool,
		store: schedule.NewSQLStore(pool),
		calc:  calc,
	}, nil
}

func (rt *runtime) Close() error {
	return rt.db.Close()
}

func (rt *runtime) service() *schedule.Service {
	return schedule.NewService(rt.store, rt.calc,
		schedule.WithHistoryDeletion(rt.cfg.History.DeleteWithJob))
}

func (rt *runtime) dispatcherConfig() schedule.DispatcherConfig {
	return schedule.DispatcherConfig{
		Interval:        rt.cfg.Dispatch.Interval(),
		RetryDelay:      rt.cfg.Dispatch.RetryDelay(),
		MaxErrorBackoff: rt.cfg.Dispatch.MaxErrorBackoff(),
		BatchSize:       rt.cfg.Dispatch.BatchSize,
	}
}

// newGatewayClient builds the gateway client from cfg.Gateway.
func newGatewayClient(cfg *am.Config) (*gateway.Client, error) {
	g := cfg.Gateway
	return gateway.New(gateway.Config{
		BaseURL:        g.BaseURL,
		ConnectTimeout: g.ConnectTimeout(),
		ReadTimeout:    g.ReadTimeout(),
		HealthTimeout:  g.HealthTimeout(),
		MaxAttempts:    g.MaxAttempts,
		RetryBaseDelay: g.RetryBaseDelay(),
		RatePerSecond:  g.RatePerSecond,
	}, gateway.WithLogger(logger.Logger))
}

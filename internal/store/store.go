// Package store mirrors trading state into PostgreSQL for durability and
// later analysis. Writes are append-only: orders get one row per lifecycle
// transition, positions get timestamped snapshots. The in-memory ledger stays
// authoritative; a store outage degrades persistence, never trading.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-engine/internal/ledger"
	"trading-engine/internal/orders"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// Store is the PostgreSQL mirror.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "Store").Logger(),
	}
	s.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the schema if it does not exist.
func (s *Store) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			mode VARCHAR(10) NOT NULL,
			strategy_name VARCHAR(100),
			initial_balance DECIMAL(20, 8) NOT NULL,
			final_balance DECIMAL(20, 8),
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,

		`CREATE TABLE IF NOT EXISTS order_transitions (
			id SERIAL PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			client_order_id VARCHAR(64) NOT NULL,
			order_id VARCHAR(64),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			filled_quantity DECIMAL(20, 8) NOT NULL,
			avg_fill_price DECIMAL(20, 8),
			commission DECIMAL(20, 8),
			cancel_reason TEXT,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_transitions_client ON order_transitions(client_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_transitions_session ON order_transitions(session_id)`,

		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id SERIAL PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8),
			unrealized_pnl DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_session ON position_snapshots(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_symbol ON position_snapshots(symbol)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.logger.Info().Msg("Database migrations complete")
	return nil
}

// SaveSessionStart records a new session.
func (s *Store) SaveSessionStart(ctx context.Context, id, mode, strategyName string, initialBalance float64, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, mode, strategy_name, initial_balance, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		id, mode, strategyName, initialBalance, startedAt)
	if err != nil {
		return fmt.Errorf("failed to save session start: %w", err)
	}
	return nil
}

// SaveSessionStop closes out a session record.
func (s *Store) SaveSessionStop(ctx context.Context, id string, finalBalance float64, stoppedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET final_balance = $2, stopped_at = $3 WHERE id = $1`,
		id, finalBalance, stoppedAt)
	if err != nil {
		return fmt.Errorf("failed to save session stop: %w", err)
	}
	return nil
}

// SaveOrderTransition appends one lifecycle row for an order.
func (s *Store) SaveOrderTransition(ctx context.Context, sessionID string, o *orders.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_transitions
		 (session_id, client_order_id, order_id, symbol, side, order_type, status,
		  quantity, filled_quantity, avg_fill_price, commission, cancel_reason, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sessionID, o.ClientOrderID, o.OrderID, o.Symbol, string(o.Side), string(o.Type),
		string(o.Status), o.Quantity, o.FilledQty, o.AvgFillPrice, o.Commission,
		o.CancelReason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save order transition: %w", err)
	}
	return nil
}

// SavePositionSnapshot appends one timestamped snapshot of a position.
func (s *Store) SavePositionSnapshot(ctx context.Context, sessionID string, p *ledger.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_snapshots
		 (session_id, symbol, side, quantity, entry_price, current_price,
		  unrealized_pnl, realized_pnl, stop_loss, take_profit, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sessionID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.StopLoss, p.TakeProfit, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save position snapshot: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

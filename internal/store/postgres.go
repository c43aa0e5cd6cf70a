package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds connection parameters for the pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	MinConns int
}

// Connect opens and pings a pgx pool configured from cfg.
func Connect(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies embedded SQL migrations in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Positions ---

const positionSelectCols = `id, token_mint,
	buy_amount_usd::TEXT, buy_price_usd::TEXT, quantity_tokens::TEXT, buy_executed_at, buy_signature,
	target_multiplier::TEXT, target_price_usd::TEXT,
	sell_price_usd::TEXT, sell_signature, sell_executed_at, profit_usd::TEXT,
	status, slippage_bps, priority_fee_mode,
	rebuy_enabled, rebuy_price_low_usd::TEXT, rebuy_price_high_usd::TEXT, rebuy_amount_usd::TEXT,
	rebuy_target_multiplier::TEXT, rebuy_loop_enabled, rebuy_status, rebuy_executed_at, rebuy_position_id,
	emergency_sell_enabled, emergency_sell_price_usd::TEXT, emergency_sell_status, emergency_sell_executed_at,
	parent_position_id, error_message, claim_id, claimed_at, created_at, updated_at`

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var status, rebuyStatus, emergencyStatus string
	var buyAmount, buyPrice, qty, targetMult, targetPrice, sellPrice, profit string
	var rebuyLow, rebuyHigh, rebuyAmount, rebuyMult, stopPrice string

	err := row.Scan(
		&p.ID, &p.TokenMint,
		&buyAmount, &buyPrice, &qty, &p.BuyExecutedAt, &p.BuySignature,
		&targetMult, &targetPrice,
		&sellPrice, &p.SellSignature, &p.SellExecutedAt, &profit,
		&status, &p.SlippageBps, &p.PriorityFeeMode,
		&p.RebuyEnabled, &rebuyLow, &rebuyHigh, &rebuyAmount,
		&rebuyMult, &p.RebuyLoopEnabled, &rebuyStatus, &p.RebuyExecutedAt, &p.RebuyPositionID,
		&p.EmergencySellEnabled, &stopPrice, &emergencyStatus, &p.EmergencySellExecutedAt,
		&p.ParentPositionID, &p.ErrorMessage, &p.ClaimID, &p.ClaimedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return model.Position{}, err
	}

	p.Status = model.PositionStatus(status)
	p.RebuyStatus = model.RebuyStatus(rebuyStatus)
	p.EmergencySellStatus = model.EmergencyStatus(emergencyStatus)

	p.BuyAmountUSD, _ = decimal.NewFromString(buyAmount)
	p.BuyPriceUSD, _ = decimal.NewFromString(buyPrice)
	p.QuantityTokens, _ = decimal.NewFromString(qty)
	p.TargetMultiplier, _ = decimal.NewFromString(targetMult)
	p.TargetPriceUSD, _ = decimal.NewFromString(targetPrice)
	p.SellPriceUSD, _ = decimal.NewFromString(sellPrice)
	p.ProfitUSD, _ = decimal.NewFromString(profit)
	p.RebuyPriceLowUSD, _ = decimal.NewFromString(rebuyLow)
	p.RebuyPriceHighUSD, _ = decimal.NewFromString(rebuyHigh)
	p.RebuyAmountUSD, _ = decimal.NewFromString(rebuyAmount)
	p.RebuyTargetMultiplier, _ = decimal.NewFromString(rebuyMult)
	p.EmergencySellPriceUSD, _ = decimal.NewFromString(stopPrice)
	return p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	return insertPosition(ctx, s.pool, p)
}

func insertPosition(ctx context.Context, db dbExec, p *model.Position) error {
	_, err := db.Exec(ctx,
		`INSERT INTO positions (
			id, token_mint,
			buy_amount_usd, buy_price_usd, quantity_tokens, buy_executed_at, buy_signature,
			target_multiplier, target_price_usd,
			status, slippage_bps, priority_fee_mode,
			rebuy_enabled, rebuy_price_low_usd, rebuy_price_high_usd, rebuy_amount_usd,
			rebuy_target_multiplier, rebuy_loop_enabled, rebuy_status,
			emergency_sell_enabled, emergency_sell_price_usd, emergency_sell_status,
			parent_position_id, error_message, claim_id, claimed_at, created_at, updated_at)
		 VALUES ($1, $2,
			$3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7,
			$8::NUMERIC, $9::NUMERIC,
			$10, $11, $12,
			$13, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
			$17::NUMERIC, $18, $19,
			$20, $21::NUMERIC, $22,
			$23, $24, $25, $26, $27, $28)`,
		p.ID, p.TokenMint,
		p.BuyAmountUSD.String(), p.BuyPriceUSD.String(), p.QuantityTokens.String(), p.BuyExecutedAt, p.BuySignature,
		p.TargetMultiplier.String(), p.TargetPriceUSD.String(),
		string(p.Status), p.SlippageBps, p.PriorityFeeMode,
		p.RebuyEnabled, p.RebuyPriceLowUSD.String(), p.RebuyPriceHighUSD.String(), p.RebuyAmountUSD.String(),
		p.RebuyTargetMultiplier.String(), p.RebuyLoopEnabled, string(p.RebuyStatus),
		p.EmergencySellEnabled, p.EmergencySellPriceUSD.String(), string(p.EmergencySellStatus),
		p.ParentPositionID, p.ErrorMessage, p.ClaimID, p.ClaimedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	var w whereBuilder
	w.eq("status", string(f.Status))
	w.eq("rebuy_status", string(f.RebuyStatus))
	w.eq("emergency_sell_status", string(f.EmergencySellStatus))
	w.eq("token_mint", f.TokenMint)
	if f.ClaimedBefore != nil {
		w.add("claimed_at < $%d", *f.ClaimedBefore)
	}

	query := `SELECT ` + positionSelectCols + ` FROM positions` + w.sql() + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, id string, guard PositionGuard, patch PositionPatch) (bool, error) {
	return updatePosition(ctx, s.pool, id, guard, patch)
}

func updatePosition(ctx context.Context, db dbExec, id string, guard PositionGuard, patch PositionPatch) (bool, error) {
	set := positionSet(patch)
	if len(set.cols) == 0 {
		return false, fmt.Errorf("update position %s: empty patch", id)
	}

	w := whereBuilder{args: set.args}
	w.add("id = $%d", id)
	w.add("status = $%d", string(guard.Status))
	w.eq("rebuy_status", string(guard.RebuyStatus))
	w.eq("emergency_sell_status", string(guard.EmergencySellStatus))
	w.eq("claim_id", guard.ClaimID)

	tag, err := db.Exec(ctx,
		`UPDATE positions SET `+strings.Join(set.cols, ", ")+`, updated_at = NOW()`+w.sql(),
		w.args...)
	if err != nil {
		return false, fmt.Errorf("update position %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, id string, guard PositionGuard) (bool, error) {
	var w whereBuilder
	w.add("id = $%d", id)
	w.add("status = $%d", string(guard.Status))
	w.eq("rebuy_status", string(guard.RebuyStatus))
	w.eq("emergency_sell_status", string(guard.EmergencySellStatus))
	w.eq("claim_id", guard.ClaimID)

	tag, err := s.pool.Exec(ctx, `DELETE FROM positions`+w.sql(), w.args...)
	if err != nil {
		return false, fmt.Errorf("delete position %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordRebuy(ctx context.Context, parentID, claimID string, child *model.Position, now time.Time) (bool, error) {
	var won bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ok, err := updatePosition(ctx, tx, parentID,
			PositionGuard{Status: model.StatusSold, RebuyStatus: model.RebuyExecuting, ClaimID: claimID},
			rebuyExecuted(child.ID, now))
		if err != nil || !ok {
			return err
		}
		if err := insertPosition(ctx, tx, child); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record rebuy %s: %w", parentID, err)
	}
	return won, nil
}

func (s *PostgresStore) OpenExposure(ctx context.Context) (map[string]decimal.Decimal, error) {
	statuses := make([]string, len(openStatuses))
	for i, st := range openStatuses {
		statuses[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT token_mint, SUM(buy_amount_usd)::TEXT
		 FROM positions WHERE status = ANY($1)
		 GROUP BY token_mint`, statuses)
	if err != nil {
		return nil, fmt.Errorf("open exposure: %w", err)
	}
	defer rows.Close()

	exposure := make(map[string]decimal.Decimal)
	for rows.Next() {
		var mint, total string
		if err := rows.Scan(&mint, &total); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		exposure[mint], _ = decimal.NewFromString(total)
	}
	return exposure, rows.Err()
}

// --- Limit orders ---

const limitOrderSelectCols = `id, token_mint,
	buy_price_min_usd::TEXT, buy_price_max_usd::TEXT, buy_amount_sol::TEXT, target_multiplier::TEXT,
	slippage_bps, priority_fee_mode, alert_only, status, expires_at,
	executed_at, alerted_at, cancelled_at, expired_at, executed_position_id,
	attempts, last_attempt_at, last_error, claim_id, claimed_at, created_at, updated_at`

func scanLimitOrder(row pgx.Row) (model.LimitOrder, error) {
	var o model.LimitOrder
	var status, minPrice, maxPrice, amountSol, mult string

	err := row.Scan(
		&o.ID, &o.TokenMint,
		&minPrice, &maxPrice, &amountSol, &mult,
		&o.SlippageBps, &o.PriorityFeeMode, &o.AlertOnly, &status, &o.ExpiresAt,
		&o.ExecutedAt, &o.AlertedAt, &o.CancelledAt, &o.ExpiredAt, &o.ExecutedPositionID,
		&o.Attempts, &o.LastAttemptAt, &o.LastError, &o.ClaimID, &o.ClaimedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return model.LimitOrder{}, err
	}
	o.Status = model.OrderStatus(status)
	o.BuyPriceMinUSD, _ = decimal.NewFromString(minPrice)
	o.BuyPriceMaxUSD, _ = decimal.NewFromString(maxPrice)
	o.BuyAmountSOL, _ = decimal.NewFromString(amountSol)
	o.TargetMultiplier, _ = decimal.NewFromString(mult)
	return o, nil
}

func (s *PostgresStore) CreateLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	return insertLimitOrder(ctx, s.pool, o)
}

func insertLimitOrder(ctx context.Context, db dbExec, o *model.LimitOrder) error {
	_, err := db.Exec(ctx,
		`INSERT INTO limit_orders (
			id, token_mint, buy_price_min_usd, buy_price_max_usd, buy_amount_sol, target_multiplier,
			slippage_bps, priority_fee_mode, alert_only, status, expires_at,
			claim_id, claimed_at, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11,
			$12, $13, $14, $15)`,
		o.ID, o.TokenMint,
		o.BuyPriceMinUSD.String(), o.BuyPriceMaxUSD.String(), o.BuyAmountSOL.String(), o.TargetMultiplier.String(),
		o.SlippageBps, o.PriorityFeeMode, o.AlertOnly, string(o.Status), o.ExpiresAt,
		o.ClaimID, o.ClaimedAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert limit order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	o, err := scanLimitOrder(s.pool.QueryRow(ctx,
		`SELECT `+limitOrderSelectCols+` FROM limit_orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("limit order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get limit order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) ListLimitOrders(ctx context.Context, f LimitOrderFilter) ([]model.LimitOrder, error) {
	var w whereBuilder
	w.eq("status", string(f.Status))
	w.eq("token_mint", f.TokenMint)
	if f.ClaimedBefore != nil {
		w.add("claimed_at < $%d", *f.ClaimedBefore)
	}

	query := `SELECT ` + limitOrderSelectCols + ` FROM limit_orders` + w.sql() + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list limit orders: %w", err)
	}
	defer rows.Close()

	out := make([]model.LimitOrder, 0)
	for rows.Next() {
		o, err := scanLimitOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan limit order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateLimitOrder(ctx context.Context, id string, guard LimitOrderGuard, patch LimitOrderPatch) (bool, error) {
	return updateLimitOrder(ctx, s.pool, id, guard, patch)
}

func updateLimitOrder(ctx context.Context, db dbExec, id string, guard LimitOrderGuard, patch LimitOrderPatch) (bool, error) {
	set := limitOrderSet(patch)
	if len(set.cols) == 0 {
		return false, fmt.Errorf("update limit order %s: empty patch", id)
	}

	w := whereBuilder{args: set.args}
	w.add("id = $%d", id)
	w.add("status = $%d", string(guard.Status))
	w.eq("claim_id", guard.ClaimID)
	if guard.LiveAt != nil {
		w.add("expires_at > $%d", *guard.LiveAt)
	}

	tag, err := db.Exec(ctx,
		`UPDATE limit_orders SET `+strings.Join(set.cols, ", ")+`, updated_at = NOW()`+w.sql(),
		w.args...)
	if err != nil {
		return false, fmt.Errorf("update limit order %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordLimitFill(ctx context.Context, orderID, claimID string, p *model.Position, now time.Time) (bool, error) {
	var won bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ok, err := updateLimitOrder(ctx, tx, orderID,
			LimitOrderGuard{Status: model.OrderExecuting, ClaimID: claimID},
			limitFilled(p.ID, now))
		if err != nil || !ok {
			return err
		}
		if err := insertPosition(ctx, tx, p); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record limit fill %s: %w", orderID, err)
	}
	return won, nil
}

func (s *PostgresStore) ExpireLimitOrders(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE limit_orders
		 SET status = $1, expired_at = $2, updated_at = NOW()
		 WHERE status = $3 AND expires_at <= $2
		 RETURNING id`,
		string(model.OrderExpired), now, string(model.OrderWatching))
	if err != nil {
		return nil, fmt.Errorf("expire limit orders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("expire limit orders: %w", err)
	}
	return ids, nil
}

// --- SQL helpers ---

// dbExec is satisfied by both the pool and a transaction.
type dbExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// whereBuilder accumulates AND-ed predicates with positional arguments.
type whereBuilder struct {
	preds []string
	args  []any
}

func (w *whereBuilder) add(pred string, v any) {
	w.args = append(w.args, v)
	w.preds = append(w.preds, fmt.Sprintf(pred, len(w.args)))
}

// eq adds "col = $n" unless v is empty.
func (w *whereBuilder) eq(col, v string) {
	if v != "" {
		w.add(col+" = $%d", v)
	}
}

func (w *whereBuilder) sql() string {
	if len(w.preds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.preds, " AND ")
}

// setBuilder accumulates "col = $n" assignments for a patch.
type setBuilder struct {
	cols []string
	args []any
}

func (b *setBuilder) raw(col string, v any) {
	b.args = append(b.args, v)
	b.cols = append(b.cols, fmt.Sprintf("%s = $%d", col, len(b.args)))
}

func (b *setBuilder) num(col string, v *decimal.Decimal) {
	if v != nil {
		b.args = append(b.args, v.String())
		b.cols = append(b.cols, fmt.Sprintf("%s = $%d::NUMERIC", col, len(b.args)))
	}
}

func (b *setBuilder) str(col string, v *string) {
	if v != nil {
		b.raw(col, *v)
	}
}

func (b *setBuilder) flag(col string, v *bool) {
	if v != nil {
		b.raw(col, *v)
	}
}

func (b *setBuilder) ts(col string, v *time.Time) {
	if v != nil {
		b.raw(col, *v)
	}
}

func positionSet(p PositionPatch) setBuilder {
	var b setBuilder
	if p.Status != nil {
		b.raw("status", string(*p.Status))
	}
	b.num("buy_amount_usd", p.BuyAmountUSD)
	b.num("buy_price_usd", p.BuyPriceUSD)
	b.num("quantity_tokens", p.QuantityTokens)
	b.ts("buy_executed_at", p.BuyExecutedAt)
	b.str("buy_signature", p.BuySignature)
	b.num("target_price_usd", p.TargetPriceUSD)
	b.num("sell_price_usd", p.SellPriceUSD)
	b.str("sell_signature", p.SellSignature)
	b.ts("sell_executed_at", p.SellExecutedAt)
	b.num("profit_usd", p.ProfitUSD)
	b.flag("rebuy_enabled", p.RebuyEnabled)
	b.num("rebuy_price_low_usd", p.RebuyPriceLowUSD)
	b.num("rebuy_price_high_usd", p.RebuyPriceHighUSD)
	b.num("rebuy_amount_usd", p.RebuyAmountUSD)
	b.num("rebuy_target_multiplier", p.RebuyTargetMultiplier)
	b.flag("rebuy_loop_enabled", p.RebuyLoopEnabled)
	if p.RebuyStatus != nil {
		b.raw("rebuy_status", string(*p.RebuyStatus))
	}
	b.ts("rebuy_executed_at", p.RebuyExecutedAt)
	b.str("rebuy_position_id", p.RebuyPositionID)
	b.flag("emergency_sell_enabled", p.EmergencySellEnabled)
	b.num("emergency_sell_price_usd", p.EmergencySellPriceUSD)
	if p.EmergencySellStatus != nil {
		b.raw("emergency_sell_status", string(*p.EmergencySellStatus))
	}
	b.ts("emergency_sell_executed_at", p.EmergencySellExecutedAt)
	b.str("error_message", p.ErrorMessage)
	claimColumns(&b, p.ClaimID, p.ClaimedAt, p.ClearClaim)
	return b
}

func limitOrderSet(p LimitOrderPatch) setBuilder {
	var b setBuilder
	if p.Status != nil {
		b.raw("status", string(*p.Status))
	}
	b.ts("executed_at", p.ExecutedAt)
	b.ts("alerted_at", p.AlertedAt)
	b.ts("cancelled_at", p.CancelledAt)
	b.ts("expired_at", p.ExpiredAt)
	b.str("executed_position_id", p.ExecutedPositionID)
	if p.IncAttempts {
		b.cols = append(b.cols, "attempts = attempts + 1")
	}
	b.ts("last_attempt_at", p.LastAttemptAt)
	b.str("last_error", p.LastError)
	claimColumns(&b, p.ClaimID, p.ClaimedAt, p.ClearClaim)
	return b
}

func claimColumns(b *setBuilder, id *string, at *time.Time, clear bool) {
	switch {
	case id != nil:
		b.raw("claim_id", *id)
		b.ts("claimed_at", at)
	case clear:
		b.cols = append(b.cols, "claim_id = ''", "claimed_at = NULL")
	}
}

// Package ledger persists order decisions, broker reconciliation updates,
// portfolio snapshots and broker errors in a local SQLite database. The
// ledger is the engine's durable memory: close and update verbs derive
// quantities and targets from it, and the retention policy keeps it bounded.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/threshfin/signalpilot/internal/models"
)

// Store is the persistence surface the engine programs against.
type Store interface {
	// InsertOrder appends one order row.
	InsertOrder(rec models.OrderRecord) error
	// OrderExists reports whether a row with the exact correlation key and
	// leg identity already exists. Placement uses it to drop replays.
	OrderExists(key, ticker, orderRef string, action models.Action, typ models.OrderType) (bool, error)
	// FindOrders returns every order row for the ticker and reference,
	// newest first. Portfolio rows are excluded.
	FindOrders(ticker, orderRef string) ([]models.OrderRecord, error)
	// FindOrderByID returns the newest order row with the broker order id,
	// or nil when none exists.
	FindOrderByID(orderID int64) (*models.OrderRecord, error)
	// FilledQuantity sums the signed filled quantity of the most recent
	// lookback alert batches for the ticker and reference. The bool is
	// false when no rows matched at all.
	FilledQuantity(ticker, orderRef string, lookback int) (float64, bool, error)
	// UpdateOrderStatus reconciles a broker status report into the row.
	// Zero prices and quantities never overwrite recorded values.
	UpdateOrderStatus(orderID int64, status models.OrderStatus, quantity, avgFill, limitPrice, stopPrice float64) error
	// UpdateOrderPosition records the reconciled position on an order row.
	UpdateOrderPosition(orderID int64, position float64) error
	// MarkCancelled finalizes a cancelled row, marking its fill price so a
	// repeated ack is a no-op.
	MarkCancelled(orderID int64) error
	// PortfolioPosition returns the recorded live position for the symbol,
	// or the NoOpenPositions sentinel when no portfolio row exists.
	PortfolioPosition(symbol string) (float64, error)
	// UpsertPortfolio stores a portfolio snapshot row for the symbol.
	UpsertPortfolio(rec models.OrderRecord) error
	// InsertError appends one broker error report.
	InsertError(rec models.ErrorRecord) error
	// Close releases the database handle.
	Close() error
}

const (
	// retentionEvery triggers the trim on every Nth insert per table.
	retentionEvery = 64
	// retentionKeep is how many rows per table survive a trim.
	retentionKeep = 3600
	// staleAfter is the age past which portfolio rows are evicted.
	staleAfter = 4 * time.Hour
)

// SQLiteStore implements Store on a single-connection SQLite database. The
// alert loop and the reconciler both write through it, so the insert
// counters driving retention are atomic.
type SQLiteStore struct {
	db           *sql.DB
	orderInserts atomic.Int64
	errorInserts atomic.Int64
}

var _ Store = (*SQLiteStore)(nil)

// Open opens or creates the ledger database at path and applies migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// SQLite handles one writer; a single connection avoids SQLITE_BUSY
	// between the alert loop and the reconciler.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger pragmas: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// migrations are applied in order; user_version records progress.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		created_at     TEXT    NOT NULL,
		alert_price    REAL    NOT NULL DEFAULT 0,
		order_id       INTEGER NOT NULL DEFAULT 0,
		ticker         TEXT    NOT NULL,
		action         TEXT    NOT NULL DEFAULT '',
		order_type     TEXT    NOT NULL DEFAULT '',
		limit_price    REAL    NOT NULL DEFAULT 0,
		stop_price     REAL    NOT NULL DEFAULT 0,
		qty            REAL    NOT NULL DEFAULT 0,
		avg_fill_price REAL    NOT NULL DEFAULT 0,
		order_status   TEXT    NOT NULL DEFAULT '',
		order_ref      TEXT    NOT NULL DEFAULT '',
		parent_id      INTEGER NOT NULL DEFAULT 0,
		position       REAL    NOT NULL DEFAULT 0,
		market_value   REAL    NOT NULL DEFAULT 0,
		avg_price      REAL    NOT NULL DEFAULT 0,
		unrealized_pnl REAL    NOT NULL DEFAULT 0,
		realized_pnl   REAL    NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_orders_ticker_ref ON orders (ticker, order_ref);
	CREATE INDEX IF NOT EXISTS idx_orders_order_id ON orders (order_id);
	CREATE TABLE IF NOT EXISTS order_errors (
		created_at    TEXT    NOT NULL,
		req_id        INTEGER NOT NULL DEFAULT 0,
		error_code    INTEGER NOT NULL DEFAULT 0,
		symbol        TEXT    NOT NULL DEFAULT '',
		error_message TEXT    NOT NULL DEFAULT ''
	);`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("ledger version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("ledger migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("ledger version bump: %w", err)
		}
	}
	return nil
}

const orderColumns = `created_at, alert_price, order_id, ticker, action, order_type,
	limit_price, stop_price, qty, avg_fill_price, order_status, order_ref,
	parent_id, position, market_value, avg_price, unrealized_pnl, realized_pnl`

func scanOrder(scan func(dest ...any) error) (models.OrderRecord, error) {
	var r models.OrderRecord
	err := scan(
		&r.Key, &r.AlertPrice, &r.OrderID, &r.Ticker, &r.Action, &r.OrderType,
		&r.LimitPrice, &r.StopPrice, &r.Quantity, &r.AvgFill, &r.Status, &r.OrderRef,
		&r.ParentID, &r.Position, &r.MarketValue, &r.AvgPrice, &r.UnrealizedPnL, &r.RealizedPnL,
	)
	return r, err
}

func (s *SQLiteStore) InsertOrder(rec models.OrderRecord) error {
	_, err := s.db.Exec(`INSERT INTO orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Key, rec.AlertPrice, rec.OrderID, rec.Ticker, string(rec.Action), string(rec.OrderType),
		rec.LimitPrice, rec.StopPrice, rec.Quantity, rec.AvgFill, string(rec.Status), rec.OrderRef,
		rec.ParentID, rec.Position, rec.MarketValue, rec.AvgPrice, rec.UnrealizedPnL, rec.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if s.orderInserts.Add(1)%retentionEvery == 0 {
		if _, err := s.db.Exec(`DELETE FROM orders WHERE rowid NOT IN
			(SELECT rowid FROM orders ORDER BY created_at DESC LIMIT ?)`, retentionKeep); err != nil {
			return fmt.Errorf("trim orders: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) OrderExists(key, ticker, orderRef string, action models.Action, typ models.OrderType) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM orders
		WHERE created_at = ? AND ticker = ? AND order_ref = ? AND action = ? AND order_type = ?`,
		key, ticker, orderRef, string(action), string(typ)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("order exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) FindOrders(ticker, orderRef string) ([]models.OrderRecord, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders
		WHERE ticker = ? AND order_ref = ? AND order_status != ?
		ORDER BY created_at DESC, rowid DESC`,
		ticker, orderRef, models.PortfolioStatus)
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	defer rows.Close()
	var out []models.OrderRecord
	for rows.Next() {
		r, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindOrderByID(orderID int64) (*models.OrderRecord, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders
		WHERE order_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, orderID)
	r, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find order %d: %w", orderID, err)
	}
	return &r, nil
}

// FilledQuantity walks the newest lookback alert batches, where a batch is
// every row sharing one correlation key, and sums the signed fill of the
// filled rows. Bracket exits in the same batch cancel their entry, so a
// filled entry whose exit also filled contributes nothing.
func (s *SQLiteStore) FilledQuantity(ticker, orderRef string, lookback int) (float64, bool, error) {
	recs, err := s.FindOrders(ticker, orderRef)
	if err != nil {
		return 0, false, err
	}
	if len(recs) == 0 {
		return 0, false, nil
	}
	var (
		sum     float64
		lastKey string
		batches int
	)
	for i := range recs {
		r := &recs[i]
		if r.Key != lastKey {
			batches++
			if batches > lookback {
				break
			}
			lastKey = r.Key
		}
		if r.IsFilled() {
			sum += r.FilledDelta()
		}
	}
	return sum, true, nil
}

func (s *SQLiteStore) UpdateOrderStatus(orderID int64, status models.OrderStatus, quantity, avgFill, limitPrice, stopPrice float64) error {
	// CASE guards keep recorded values when the broker reports zeros,
	// which it does for fields that did not change.
	_, err := s.db.Exec(`UPDATE orders SET
		order_status   = ?,
		qty            = CASE WHEN ? != 0 THEN ? ELSE qty END,
		avg_fill_price = CASE WHEN ? != 0 THEN ? ELSE avg_fill_price END,
		limit_price    = CASE WHEN ? != 0 THEN ? ELSE limit_price END,
		stop_price     = CASE WHEN ? != 0 THEN ? ELSE stop_price END
		WHERE order_id = ? AND order_status != ?`,
		string(status),
		quantity, quantity,
		avgFill, avgFill,
		limitPrice, limitPrice,
		stopPrice, stopPrice,
		orderID, models.PortfolioStatus,
	)
	if err != nil {
		return fmt.Errorf("update order %d: %w", orderID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOrderPosition(orderID int64, position float64) error {
	_, err := s.db.Exec(`UPDATE orders SET position = ?
		WHERE order_id = ? AND order_status != ?`,
		position, orderID, models.PortfolioStatus)
	if err != nil {
		return fmt.Errorf("update order position %d: %w", orderID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkCancelled(orderID int64) error {
	rec, err := s.FindOrderByID(orderID)
	if err != nil {
		return err
	}
	if rec == nil || rec.AvgFill < 0 {
		// Unknown id or already finalized; repeated acks are no-ops.
		return nil
	}
	mark := models.CancelledPriceMark
	if rec.AlertPrice > 0 {
		mark = -rec.AlertPrice
	}
	_, err = s.db.Exec(`UPDATE orders SET order_status = ?, avg_fill_price = ?
		WHERE order_id = ? AND order_status != ?`,
		string(models.StatusCancelled), mark, orderID, models.PortfolioStatus)
	if err != nil {
		return fmt.Errorf("mark cancelled %d: %w", orderID, err)
	}
	return nil
}

func (s *SQLiteStore) PortfolioPosition(symbol string) (float64, error) {
	var pos float64
	err := s.db.QueryRow(`SELECT position FROM orders
		WHERE ticker = ? AND order_ref = ? AND order_status = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		symbol, models.PortfolioRef(symbol), models.PortfolioStatus).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NoOpenPositions, nil
	}
	if err != nil {
		return 0, fmt.Errorf("portfolio position %s: %w", symbol, err)
	}
	return pos, nil
}

func (s *SQLiteStore) UpsertPortfolio(rec models.OrderRecord) error {
	res, err := s.db.Exec(`UPDATE orders SET
		created_at = ?, position = ?, market_value = ?, avg_price = ?,
		unrealized_pnl = ?, realized_pnl = ?
		WHERE ticker = ? AND order_ref = ? AND order_status = ?`,
		rec.Key, rec.Position, rec.MarketValue, rec.AvgPrice,
		rec.UnrealizedPnL, rec.RealizedPnL,
		rec.Ticker, models.PortfolioRef(rec.Ticker), models.PortfolioStatus)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", rec.Ticker, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", rec.Ticker, err)
	}
	if n > 0 {
		return nil
	}
	rec.OrderRef = models.PortfolioRef(rec.Ticker)
	rec.Status = models.PortfolioStatus
	if err := s.InsertOrder(rec); err != nil {
		return err
	}
	// Stale snapshots pile up for symbols the account no longer holds.
	// Evicting on roughly half the inserts amortizes the sweep.
	if rand.Intn(2) == 0 {
		return s.deleteStalePortfolio(time.Now().UTC().Add(-staleAfter))
	}
	return nil
}

func (s *SQLiteStore) deleteStalePortfolio(cutoff time.Time) error {
	_, err := s.db.Exec(`DELETE FROM orders
		WHERE order_status = ? AND created_at < ?`,
		models.PortfolioStatus, cutoff.Format("2006-01-02 15:04:05.000"))
	if err != nil {
		return fmt.Errorf("evict stale portfolio: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertError(rec models.ErrorRecord) error {
	_, err := s.db.Exec(`INSERT INTO order_errors
		(created_at, req_id, error_code, symbol, error_message)
		VALUES (?,?,?,?,?)`,
		rec.Key, rec.ReqID, rec.Code, rec.Symbol, rec.Message)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	if s.errorInserts.Add(1)%retentionEvery == 0 {
		if _, err := s.db.Exec(`DELETE FROM order_errors WHERE rowid NOT IN
			(SELECT rowid FROM order_errors ORDER BY created_at DESC LIMIT ?)`, retentionKeep); err != nil {
			return fmt.Errorf("trim errors: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/storelab/go-checkout-stock/internal/orders"
)

// Store implements orders.Store over pgx. Each Do call is one transaction;
// `SET LOCAL lock_timeout` bounds FOR UPDATE waits, and transactions that
// lose on lock contention are retried with jittered backoff before the
// failure surfaces as orders.ErrConflict.
type Store struct {
	Pool        *pgxpool.Pool
	LockTimeout time.Duration // per-statement lock wait bound, default 2s
	MaxRetries  int           // contention retries after the first attempt, default 3
	Log         *slog.Logger
}

func (s *Store) Do(ctx context.Context, fn func(tx orders.Tx) error) error {
	retries := s.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := 25 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := s.run(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= retries {
			return fmt.Errorf("%w: gave up after %d attempts: %v", orders.ErrConflict, attempt+1, err)
		}
		if s.Log != nil {
			s.Log.Warn("tx contention, retrying", "attempt", attempt+1, "err", err)
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
}

func (s *Store) run(ctx context.Context, fn func(tx orders.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lt := s.LockTimeout
	if lt <= 0 {
		lt = 2 * time.Second
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lt.Milliseconds())); err != nil {
		return err
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lock_not_available, serialization_failure, deadlock_detected
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01":
		return true
	}
	return false
}

type pgTx struct{ tx pgx.Tx }

var _ orders.Tx = (*pgTx)(nil)

const productCols = `id, sku, name, price, stock, status, created_at, updated_at`

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("product: %w", orders.ErrNotFound)
	}
	return p, err
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
}

func (t *pgTx) ProductForUpdate(ctx context.Context, id string) (orders.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) AdjustStock(ctx context.Context, productID string, delta int) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, delta)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetAddress(ctx context.Context, id string) (orders.Address, error) {
	var a orders.Address
	err := t.tx.QueryRow(ctx, `SELECT id, user_id FROM addresses WHERE id=$1`, id).Scan(&a.ID, &a.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Address{}, fmt.Errorf("address: %w", orders.ErrNotFound)
	}
	return a, err
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, user_id, address_id, total, status, metadata, placed_at, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.ExternalID, o.UserID, o.AddressID, o.Total, o.Status, o.Metadata, o.PlacedAt, o.UpdatedAt)
	return err
}

const orderCols = `id, COALESCE(external_id,''), user_id, address_id, total, status, placed_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	err := row.Scan(&o.ID, &o.ExternalID, &o.UserID, &o.AddressID, &o.Total, &o.Status, &o.PlacedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("order: %w", orders.ErrNotFound)
	}
	return o, err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
}

func (t *pgTx) GetOrderByExternalID(ctx context.Context, externalID string) (orders.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE external_id=$1`, externalID))
}

func (t *pgTx) SetOrderTotal(ctx context.Context, orderID string, total decimal.Decimal) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE orders SET total=$2, updated_at=now() WHERE id=$1`, orderID, total)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("order %s: %w", orderID, orders.ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("order %s: %w", orderID, orders.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertOrderItem(ctx context.Context, it orders.OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_items(id, order_id, product_id, product_name, sku, qty, price_snapshot, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		it.ID, it.OrderID, it.ProductID, it.ProductName, it.SKU, it.Qty, it.PriceSnapshot, it.CreatedAt)
	return err
}

func (t *pgTx) OrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, product_id, product_name, sku, qty, price_snapshot, created_at
		FROM order_items WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.SKU, &it.Qty, &it.PriceSnapshot, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const reservationCols = `id, product_id, order_id, qty, created_at, expires_at, released, released_at`

func scanReservation(row pgx.Row) (orders.Reservation, error) {
	var r orders.Reservation
	err := row.Scan(&r.ID, &r.ProductID, &r.OrderID, &r.Qty, &r.CreatedAt, &r.ExpiresAt, &r.Released, &r.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Reservation{}, fmt.Errorf("reservation: %w", orders.ErrNotFound)
	}
	return r, err
}

func (t *pgTx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservations(id, product_id, order_id, qty, created_at, expires_at, released, released_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.ProductID, r.OrderID, r.Qty, r.CreatedAt, r.ExpiresAt, r.Released, r.ReleasedAt)
	return err
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (orders.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id=$1`, id))
}

func (t *pgTx) OrderReservations(ctx context.Context, orderID string) ([]orders.Reservation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+reservationCols+` FROM reservations WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

// MarkReservationReleased is the idempotence guard: the WHERE released=false
// clause means exactly one caller ever sees a row flip.
func (t *pgTx) MarkReservationReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	ct, err := t.tx.Exec(ctx,
		`UPDATE reservations SET released=true, released_at=$2 WHERE id=$1 AND released=false`, id, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
		SELECT r.id, r.product_id, r.order_id, r.qty, r.created_at, r.expires_at, r.released, r.released_at
		FROM reservations r
		LEFT JOIN orders o ON o.id = r.order_id
		WHERE r.released = false AND r.expires_at <= $1
		  AND (r.order_id IS NULL OR o.status NOT IN ('paid','shipped','delivered','refunded'))
		ORDER BY r.expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

func collectReservations(rows pgx.Rows) ([]orders.Reservation, error) {
	var out []orders.Reservation
	for rows.Next() {
		var r orders.Reservation
		if err := rows.Scan(&r.ID, &r.ProductID, &r.OrderID, &r.Qty, &r.CreatedAt, &r.ExpiresAt, &r.Released, &r.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPayment(ctx context.Context, p orders.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments(id, order_id, amount, status, provider_order_id, provider_payment_id, created_at, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.OrderID, p.Amount, p.Status, p.ProviderOrderID, p.ProviderPaymentID, p.CreatedAt, p.CapturedAt)
	return err
}

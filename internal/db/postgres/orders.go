package postgres

import (
	"context"

	"storefront/internal/domain"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type basketRepo repos

func (r basketRepo) FindActiveByUser(ctx context.Context, userID int64) (domain.Basket, error) {
	var b domain.Basket
	err := r.q.GetContext(ctx, &b, `
		SELECT id, user_id, created_at, deleted_at FROM baskets
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, userID)
	if err != nil {
		return domain.Basket{}, translate(err, domain.ErrBasketNotFound, "find basket")
	}
	err = r.q.SelectContext(ctx, &b.Items, `
		SELECT id, basket_id, product_id, quantity, created_at, deleted_at FROM basket_items
		WHERE basket_id = $1 AND deleted_at IS NULL ORDER BY id`, b.ID)
	return b, errors.Wrap(err, "list basket items")
}

func (r basketRepo) Create(ctx context.Context, userID int64) (domain.Basket, error) {
	b := domain.Basket{UserID: userID}
	err := r.q.QueryRowxContext(ctx, `INSERT INTO baskets (user_id) VALUES ($1) RETURNING id, created_at`, userID).
		Scan(&b.ID, &b.CreatedAt)
	return b, translate(err, domain.ErrBasketNotFound, "insert basket")
}

func (r basketRepo) ReplaceItems(ctx context.Context, basketID int64, lines []domain.CartLine) ([]domain.BasketItem, error) {
	var exists bool
	if err := r.q.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM baskets WHERE id = $1 AND deleted_at IS NULL)`, basketID); err != nil {
		return nil, errors.Wrap(err, "check basket")
	}
	if !exists {
		return nil, domain.ErrBasketNotFound
	}
	if _, err := r.q.ExecContext(ctx, `UPDATE basket_items SET deleted_at = NOW() WHERE basket_id = $1 AND deleted_at IS NULL`, basketID); err != nil {
		return nil, errors.Wrap(err, "clear basket items")
	}
	items := make([]domain.BasketItem, 0, len(lines))
	for _, line := range lines {
		item := domain.BasketItem{BasketID: basketID, ProductID: line.ProductID, Quantity: line.Quantity}
		err := r.q.QueryRowxContext(ctx, `
			INSERT INTO basket_items (basket_id, product_id, quantity) VALUES ($1, $2, $3)
			RETURNING id, created_at`, basketID, line.ProductID, line.Quantity).
			Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "insert basket item")
		}
		items = append(items, item)
	}
	return items, nil
}

func (r basketRepo) SoftDelete(ctx context.Context, basketID int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE baskets SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, basketID)
	if err != nil {
		return errors.Wrap(err, "delete basket")
	}
	if err := affected(res, domain.ErrBasketNotFound, "delete basket"); err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `UPDATE basket_items SET deleted_at = NOW() WHERE basket_id = $1 AND deleted_at IS NULL`, basketID)
	return errors.Wrap(err, "delete basket items")
}

func (r basketRepo) RemoveProduct(ctx context.Context, productID int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE basket_items bi SET deleted_at = NOW()
		FROM baskets b
		WHERE bi.basket_id = b.id AND b.deleted_at IS NULL
		  AND bi.product_id = $1 AND bi.deleted_at IS NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM orders o
		      WHERE o.basket_id = b.id AND o.deleted_at IS NULL)`, productID)
	if err != nil {
		return 0, errors.Wrap(err, "remove product from baskets")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "remove product from baskets")
}

const orderColumns = `id, user_id, basket_id, address, total_amount, status, created_at, updated_at, deleted_at`

type orderRepo repos

func (r orderRepo) Create(ctx context.Context, o *domain.Order) error {
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO orders (user_id, basket_id, address, total_amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		o.UserID, o.BasketID, o.Address, o.TotalAmount, o.Status,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return translate(err, domain.ErrOrderNotFound, "insert order")
	}
	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID
		err := r.q.QueryRowxContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			o.ID, item.ProductID, item.Quantity, item.Price,
		).Scan(&item.ID)
		if err != nil {
			return errors.Wrap(err, "insert order item")
		}
	}
	return nil
}

func (r orderRepo) Get(ctx context.Context, id int64) (domain.Order, error) {
	var o domain.Order
	err := r.q.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return domain.Order{}, translate(err, domain.ErrOrderNotFound, "get order")
	}
	return o, r.loadItems(ctx, &o)
}

func (r orderRepo) FindByBasketID(ctx context.Context, basketID int64) (domain.Order, error) {
	var o domain.Order
	err := r.q.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE basket_id = $1 AND deleted_at IS NULL`, basketID)
	if err != nil {
		return domain.Order{}, translate(err, domain.ErrOrderNotFound, "find order by basket")
	}
	return o, r.loadItems(ctx, &o)
}

func (r orderRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	var out []domain.Order
	err := r.q.SelectContext(ctx, &out, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND deleted_at IS NULL ORDER BY id DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]int64, len(out))
	byID := make(map[int64]int, len(out))
	for i, o := range out {
		ids[i] = o.ID
		byID[o.ID] = i
	}
	query, args, err := sqlx.In(`SELECT id, order_id, product_id, quantity, price FROM order_items WHERE order_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "list order items")
	}
	var items []domain.OrderItem
	if err := r.q.SelectContext(ctx, &items, r.q.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list order items")
	}
	for _, item := range items {
		i := byID[item.OrderID]
		out[i].Items = append(out[i].Items, item)
	}
	return out, nil
}

func (r orderRepo) loadItems(ctx context.Context, o *domain.Order) error {
	err := r.q.SelectContext(ctx, &o.Items, `
		SELECT id, order_id, product_id, quantity, price FROM order_items
		WHERE order_id = $1 ORDER BY id`, o.ID)
	return errors.Wrap(err, "list order items")
}

func (r orderRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`, id, from, to)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.q.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1 AND deleted_at IS NULL)`, id); err != nil {
		return errors.Wrap(err, "check order")
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrInvalidTransition
}

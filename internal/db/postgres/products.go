package postgres

import (
	"context"

	"storefront/internal/domain"

	"github.com/pkg/errors"
)

const productColumns = `id, name, category, price, discount, stock, status, created_at, updated_at, deleted_at, discontinued_at`

type productRepo repos

func (r productRepo) Create(ctx context.Context, p *domain.Product) error {
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO products (name, category, price, discount, stock, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		p.Name, p.Category, p.Price, p.Discount, p.Stock, p.Status,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	p.DeletedAt = nil
	return translate(err, domain.ErrProductNotFound, "insert product")
}

func (r productRepo) Get(ctx context.Context, id int64) (domain.Product, error) {
	var p domain.Product
	err := r.q.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1 AND deleted_at IS NULL`, id)
	return p, translate(err, domain.ErrProductNotFound, "get product")
}

func (r productRepo) GetForUpdate(ctx context.Context, id int64) (domain.Product, error) {
	var p domain.Product
	err := r.q.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
	return p, translate(err, domain.ErrProductNotFound, "lock product")
}

func (r productRepo) Update(ctx context.Context, p domain.Product) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price = $4, discount = $5, stock = $6, status = $7, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		p.ID, p.Name, p.Category, p.Price, p.Discount, p.Stock, p.Status,
	)
	if err != nil {
		return translate(err, domain.ErrProductNotFound, "update product")
	}
	return affected(res, domain.ErrProductNotFound, "update product")
}

func (r productRepo) UpdateStock(ctx context.Context, id int64, stock int, status domain.ProductStatus) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE products SET stock = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		id, stock, status,
	)
	if err != nil {
		return translate(err, domain.ErrProductNotFound, "update stock")
	}
	return affected(res, domain.ErrProductNotFound, "update stock")
}

func (r productRepo) Discontinue(ctx context.Context, id int64, status domain.ProductStatus) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET status = $2, discontinued_at = COALESCE(discontinued_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		id, status,
	)
	if err != nil {
		return translate(err, domain.ErrProductNotFound, "discontinue product")
	}
	return affected(res, domain.ErrProductNotFound, "discontinue product")
}

func (r productRepo) SoftDelete(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE products SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return errors.Wrap(err, "delete product")
	}
	return affected(res, domain.ErrProductNotFound, "delete product")
}

type movementRepo repos

func (r movementRepo) Append(ctx context.Context, m *domain.StockMovement) error {
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO stock_movements (product_id, change, reason, note)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		m.ProductID, m.Change, m.Reason, m.Note,
	).Scan(&m.ID, &m.CreatedAt)
	return errors.Wrap(err, "insert stock movement")
}

func (r movementRepo) ListByProduct(ctx context.Context, productID int64) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := r.q.SelectContext(ctx, &out, `
		SELECT id, product_id, change, reason, note, created_at
		FROM stock_movements WHERE product_id = $1 ORDER BY id`, productID)
	return out, errors.Wrap(err, "list stock movements")
}

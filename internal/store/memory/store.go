// Package memory is an in-process implementation of domain.Store used for
// single-node runs and tests. Transactions work on a copy of the state that is
// swapped in on commit, so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"storefront/internal/domain"
)

type state struct {
	seq         map[string]int64
	products    map[int64]domain.Product
	movements   []domain.StockMovement
	baskets     map[int64]domain.Basket
	basketItems map[int64]domain.BasketItem
	orders      map[int64]domain.Order
	orderItems  map[int64]domain.OrderItem
	payments    map[int64]domain.Payment
	outbox      map[int64]domain.OutboxEvent
}

func newState() *state {
	return &state{
		seq:         make(map[string]int64),
		products:    make(map[int64]domain.Product),
		baskets:     make(map[int64]domain.Basket),
		basketItems: make(map[int64]domain.BasketItem),
		orders:      make(map[int64]domain.Order),
		orderItems:  make(map[int64]domain.OrderItem),
		payments:    make(map[int64]domain.Payment),
		outbox:      make(map[int64]domain.OutboxEvent),
	}
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.seq {
		c.seq[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	c.movements = append([]domain.StockMovement(nil), s.movements...)
	for k, v := range s.baskets {
		c.baskets[k] = v
	}
	for k, v := range s.basketItems {
		c.basketItems[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderItems {
		c.orderItems[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// Store is a mutex-guarded in-memory domain.Store.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// WithinTx runs fn against a private copy of the state and commits it only
// when fn returns nil. Transactions are serialized. Repositories obtained from
// the Store itself must not be used inside fn.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(repos{s: s, tx: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Products() domain.ProductRepository   { return productRepo{repos{s: s}} }
func (s *Store) Movements() domain.MovementRepository { return movementRepo{repos{s: s}} }
func (s *Store) Baskets() domain.BasketRepository     { return basketRepo{repos{s: s}} }
func (s *Store) Orders() domain.OrderRepository       { return orderRepo{repos{s: s}} }
func (s *Store) Payments() domain.PaymentRepository   { return paymentRepo{repos{s: s}} }
func (s *Store) Outbox() domain.OutboxRepository      { return outboxRepo{repos{s: s}} }

// repos resolves the state to operate on: the transaction copy when tx is set,
// otherwise the committed state under the store mutex.
type repos struct {
	s  *Store
	tx *state
}

func (r repos) Products() domain.ProductRepository   { return productRepo{r} }
func (r repos) Movements() domain.MovementRepository { return movementRepo{r} }
func (r repos) Baskets() domain.BasketRepository     { return basketRepo{r} }
func (r repos) Orders() domain.OrderRepository       { return orderRepo{r} }
func (r repos) Payments() domain.PaymentRepository   { return paymentRepo{r} }
func (r repos) Outbox() domain.OutboxRepository      { return outboxRepo{r} }

func (r repos) with(fn func(st *state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return fn(r.s.st)
}

func (r repos) now() time.Time {
	return r.s.now()
}

type productRepo struct{ repos }

func (r productRepo) Create(ctx context.Context, p *domain.Product) error {
	return r.with(func(st *state) error {
		now := r.now()
		p.ID = st.next("products")
		p.CreatedAt = now
		p.UpdatedAt = now
		p.DeletedAt = nil
		st.products[p.ID] = *p
		return nil
	})
}

func (r productRepo) Get(ctx context.Context, id int64) (domain.Product, error) {
	var out domain.Product
	err := r.with(func(st *state) error {
		p, ok := st.products[id]
		if !ok || p.DeletedAt != nil {
			return domain.ErrProductNotFound
		}
		out = p
		return nil
	})
	return out, err
}

// GetForUpdate is Get: transactions are already serialized.
func (r productRepo) GetForUpdate(ctx context.Context, id int64) (domain.Product, error) {
	return r.Get(ctx, id)
}

func (r productRepo) Update(ctx context.Context, p domain.Product) error {
	return r.with(func(st *state) error {
		cur, ok := st.products[p.ID]
		if !ok || cur.DeletedAt != nil {
			return domain.ErrProductNotFound
		}
		p.CreatedAt = cur.CreatedAt
		p.DiscontinuedAt = cur.DiscontinuedAt
		p.DeletedAt = nil
		p.UpdatedAt = r.now()
		st.products[p.ID] = p
		return nil
	})
}

func (r productRepo) UpdateStock(ctx context.Context, id int64, stock int, status domain.ProductStatus) error {
	return r.with(func(st *state) error {
		cur, ok := st.products[id]
		if !ok || cur.DeletedAt != nil {
			return domain.ErrProductNotFound
		}
		cur.Stock = stock
		cur.Status = status
		cur.UpdatedAt = r.now()
		st.products[id] = cur
		return nil
	})
}

func (r productRepo) Discontinue(ctx context.Context, id int64, status domain.ProductStatus) error {
	return r.with(func(st *state) error {
		cur, ok := st.products[id]
		if !ok || cur.DeletedAt != nil {
			return domain.ErrProductNotFound
		}
		now := r.now()
		if cur.DiscontinuedAt == nil {
			cur.DiscontinuedAt = &now
		}
		cur.Status = status
		cur.UpdatedAt = now
		st.products[id] = cur
		return nil
	})
}

func (r productRepo) SoftDelete(ctx context.Context, id int64) error {
	return r.with(func(st *state) error {
		cur, ok := st.products[id]
		if !ok || cur.DeletedAt != nil {
			return domain.ErrProductNotFound
		}
		now := r.now()
		cur.DeletedAt = &now
		cur.UpdatedAt = now
		st.products[id] = cur
		return nil
	})
}

type movementRepo struct{ repos }

func (r movementRepo) Append(ctx context.Context, m *domain.StockMovement) error {
	return r.with(func(st *state) error {
		m.ID = st.next("movements")
		m.CreatedAt = r.now()
		st.movements = append(st.movements, *m)
		return nil
	})
}

func (r movementRepo) ListByProduct(ctx context.Context, productID int64) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := r.with(func(st *state) error {
		for _, m := range st.movements {
			if m.ProductID == productID {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

type basketRepo struct{ repos }

func (r basketRepo) FindActiveByUser(ctx context.Context, userID int64) (domain.Basket, error) {
	var out domain.Basket
	err := r.with(func(st *state) error {
		found := false
		for _, b := range st.baskets {
			if b.UserID != userID || b.DeletedAt != nil {
				continue
			}
			if !found || b.ID > out.ID {
				out = b
				found = true
			}
		}
		if !found {
			return domain.ErrBasketNotFound
		}
		out.Items = activeItems(st, out.ID)
		return nil
	})
	return out, err
}

func activeItems(st *state, basketID int64) []domain.BasketItem {
	var items []domain.BasketItem
	for _, item := range st.basketItems {
		if item.BasketID == basketID && item.DeletedAt == nil {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (r basketRepo) Create(ctx context.Context, userID int64) (domain.Basket, error) {
	var out domain.Basket
	err := r.with(func(st *state) error {
		out = domain.Basket{ID: st.next("baskets"), UserID: userID, CreatedAt: r.now()}
		st.baskets[out.ID] = out
		return nil
	})
	return out, err
}

func (r basketRepo) ReplaceItems(ctx context.Context, basketID int64, lines []domain.CartLine) ([]domain.BasketItem, error) {
	var out []domain.BasketItem
	err := r.with(func(st *state) error {
		b, ok := st.baskets[basketID]
		if !ok || b.DeletedAt != nil {
			return domain.ErrBasketNotFound
		}
		now := r.now()
		for id, item := range st.basketItems {
			if item.BasketID == basketID && item.DeletedAt == nil {
				item.DeletedAt = &now
				st.basketItems[id] = item
			}
		}
		for _, line := range lines {
			item := domain.BasketItem{
				ID:        st.next("basket_items"),
				BasketID:  basketID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				CreatedAt: now,
			}
			st.basketItems[item.ID] = item
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

func (r basketRepo) SoftDelete(ctx context.Context, basketID int64) error {
	return r.with(func(st *state) error {
		b, ok := st.baskets[basketID]
		if !ok || b.DeletedAt != nil {
			return domain.ErrBasketNotFound
		}
		now := r.now()
		b.DeletedAt = &now
		st.baskets[basketID] = b
		for id, item := range st.basketItems {
			if item.BasketID == basketID && item.DeletedAt == nil {
				item.DeletedAt = &now
				st.basketItems[id] = item
			}
		}
		return nil
	})
}

func (r basketRepo) RemoveProduct(ctx context.Context, productID int64) (int64, error) {
	var removed int64
	err := r.with(func(st *state) error {
		now := r.now()
		for id, item := range st.basketItems {
			if item.ProductID != productID || item.DeletedAt != nil {
				continue
			}
			if b := st.baskets[item.BasketID]; b.DeletedAt != nil || st.ordered(item.BasketID) {
				continue
			}
			item.DeletedAt = &now
			st.basketItems[id] = item
			removed++
		}
		return nil
	})
	return removed, err
}

// ordered reports whether a live order was placed from basketID. Such
// baskets are frozen.
func (s *state) ordered(basketID int64) bool {
	for _, o := range s.orders {
		if o.BasketID == basketID && o.DeletedAt == nil {
			return true
		}
	}
	return false
}

type orderRepo struct{ repos }

func (r orderRepo) Create(ctx context.Context, o *domain.Order) error {
	return r.with(func(st *state) error {
		for _, existing := range st.orders {
			if existing.BasketID == o.BasketID && existing.DeletedAt == nil {
				return domain.ErrAlreadyExists
			}
		}
		now := r.now()
		o.ID = st.next("orders")
		o.CreatedAt = now
		o.UpdatedAt = now
		for i := range o.Items {
			o.Items[i].ID = st.next("order_items")
			o.Items[i].OrderID = o.ID
			st.orderItems[o.Items[i].ID] = o.Items[i]
		}
		stored := *o
		stored.Items = nil
		st.orders[o.ID] = stored
		return nil
	})
}

func (r orderRepo) Get(ctx context.Context, id int64) (domain.Order, error) {
	var out domain.Order
	err := r.with(func(st *state) error {
		o, ok := st.orders[id]
		if !ok || o.DeletedAt != nil {
			return domain.ErrOrderNotFound
		}
		out = withItems(st, o)
		return nil
	})
	return out, err
}

func withItems(st *state, o domain.Order) domain.Order {
	var items []domain.OrderItem
	for _, item := range st.orderItems {
		if item.OrderID == o.ID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	o.Items = items
	return o
}

func (r orderRepo) FindByBasketID(ctx context.Context, basketID int64) (domain.Order, error) {
	var out domain.Order
	err := r.with(func(st *state) error {
		for _, o := range st.orders {
			if o.BasketID == basketID && o.DeletedAt == nil {
				out = withItems(st, o)
				return nil
			}
		}
		return domain.ErrOrderNotFound
	})
	return out, err
}

func (r orderRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	var out []domain.Order
	err := r.with(func(st *state) error {
		for _, o := range st.orders {
			if o.UserID == userID && o.DeletedAt == nil {
				out = append(out, withItems(st, o))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, err
}

func (r orderRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) error {
	return r.with(func(st *state) error {
		o, ok := st.orders[id]
		if !ok || o.DeletedAt != nil {
			return domain.ErrOrderNotFound
		}
		if o.Status != from {
			return domain.ErrInvalidTransition
		}
		o.Status = to
		o.UpdatedAt = r.now()
		st.orders[id] = o
		return nil
	})
}

type paymentRepo struct{ repos }

func (r paymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	return r.with(func(st *state) error {
		for _, existing := range st.payments {
			switch {
			case existing.OrderID == p.OrderID,
				p.GatewayRef != "" && existing.GatewayRef == p.GatewayRef,
				existing.UserID == p.UserID && existing.IdempotencyKey == p.IdempotencyKey:
				return domain.ErrAlreadyExists
			}
		}
		now := r.now()
		p.ID = st.next("payments")
		p.CreatedAt = now
		p.UpdatedAt = now
		st.payments[p.ID] = *p
		return nil
	})
}

func (r paymentRepo) find(match func(domain.Payment) bool) (domain.Payment, error) {
	var out domain.Payment
	err := r.with(func(st *state) error {
		for _, p := range st.payments {
			if match(p) {
				out = p
				return nil
			}
		}
		return domain.ErrPaymentNotFound
	})
	return out, err
}

func (r paymentRepo) Get(ctx context.Context, id int64) (domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return p.ID == id })
}

func (r paymentRepo) FindByOrderID(ctx context.Context, orderID int64) (domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return p.OrderID == orderID })
}

func (r paymentRepo) FindByIdempotencyKey(ctx context.Context, key string, userID int64) (domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return p.IdempotencyKey == key && p.UserID == userID })
}

func (r paymentRepo) FindByGatewayRef(ctx context.Context, ref string) (domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return p.GatewayRef == ref })
}

func (r paymentRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.PaymentStatus, reason string) error {
	return r.with(func(st *state) error {
		p, ok := st.payments[id]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		if p.Status != from {
			return domain.ErrInvalidTransition
		}
		p.Status = to
		p.Reason = reason
		p.UpdatedAt = r.now()
		st.payments[id] = p
		return nil
	})
}

type outboxRepo struct{ repos }

func (r outboxRepo) Append(ctx context.Context, e *domain.OutboxEvent) error {
	return r.with(func(st *state) error {
		e.ID = st.next("outbox")
		e.CreatedAt = r.now()
		e.DispatchedAt = nil
		stored := *e
		stored.Payload = append([]byte(nil), e.Payload...)
		st.outbox[e.ID] = stored
		return nil
	})
}

func (r outboxRepo) list(match func(domain.OutboxEvent) bool, limit int) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	err := r.with(func(st *state) error {
		for _, e := range st.outbox {
			if match(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r outboxRepo) ListPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	return r.list(func(e domain.OutboxEvent) bool { return e.DispatchedAt == nil }, limit)
}

func (r outboxRepo) ListByPayment(ctx context.Context, paymentID int64) ([]domain.OutboxEvent, error) {
	return r.list(func(e domain.OutboxEvent) bool { return e.PaymentID == paymentID }, 0)
}

func (r outboxRepo) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	return r.with(func(st *state) error {
		e, ok := st.outbox[id]
		if !ok {
			return domain.ErrOutboxEventNotFound
		}
		if e.DispatchedAt != nil {
			return nil
		}
		e.DispatchedAt = &at
		st.outbox[id] = e
		return nil
	})
}

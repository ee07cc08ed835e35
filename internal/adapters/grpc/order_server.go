package grpc

import (
	"context"
	"fmt"

	"storefront/internal/domain"
	"storefront/internal/stock"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// StockService is the catalog and ledger surface the adapter needs.
type StockService interface {
	CreateProduct(ctx context.Context, in stock.NewProduct) (domain.Product, error)
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	UpdateProduct(ctx context.Context, id int64, in stock.ProductUpdate) (domain.Product, error)
	Restock(ctx context.Context, productID int64, qty int, note string) (domain.Product, error)
	Adjust(ctx context.Context, productID int64, delta int, reason string) (domain.Product, error)
	Discontinue(ctx context.Context, id int64) (domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	Audit(ctx context.Context, productID int64) (stock.AuditReport, error)
}

// BasketService manages a user's active basket.
type BasketService interface {
	Add(ctx context.Context, userID, productID int64, qty int) ([]domain.CartLine, error)
	Update(ctx context.Context, userID, productID int64, qty int) ([]domain.CartLine, error)
	Remove(ctx context.Context, userID, productID int64) ([]domain.CartLine, error)
	Get(ctx context.Context, userID int64) ([]domain.CartLine, error)
	Finalize(ctx context.Context, userID int64) (domain.Basket, error)
}

// OrderService places and manages orders.
type OrderService interface {
	CreateOrder(ctx context.Context, userID int64, address string) (domain.Order, bool, error)
	GetOrderFor(ctx context.Context, principal, id int64) (domain.Order, error)
	ListUserOrders(ctx context.Context, userID int64) ([]domain.Order, error)
	CancelOrder(ctx context.Context, id int64) (domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus) (domain.Order, error)
}

// PaymentService initiates and verifies payments.
type PaymentService interface {
	InitiatePayment(ctx context.Context, principal, orderID, amount int64, key string) (domain.Payment, error)
	VerifyPaymentAs(ctx context.Context, principal, id int64) (domain.Payment, error)
	GetPaymentFor(ctx context.Context, principal, id int64) (domain.Payment, error)
}

// Services groups the adapter's dependencies. A nil member answers its
// methods with Unimplemented.
type Services struct {
	Stock    StockService
	Baskets  BasketService
	Orders   OrderService
	Payments PaymentService
}

// Server adapts the saga services to gRPC.
type Server struct {
	svc    Services
	logger *zap.Logger
}

// NewServer constructs a Server.
func NewServer(svc Services, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger}
}

func unimplemented(name string) error {
	return status.Errorf(codes.Unimplemented, "%s service not configured", name)
}

type productView struct {
	domain.Product
	FinalPrice int64 `json:"finalPrice"`
}

func viewProduct(p domain.Product) productView {
	return productView{Product: p, FinalPrice: p.FinalPrice()}
}

func quantity(req *structpb.Struct, name string) (int, error) {
	n, err := intField(req, name)
	return int(n), err
}

func (s *Server) createProduct(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	price, err := intField(req, "price")
	if err != nil {
		return nil, err
	}
	in := stock.NewProduct{
		Name:     stringField(req, "name"),
		Category: stringField(req, "category"),
		Price:    price,
	}
	if d, err := optionalInt(req, "discount"); err != nil {
		return nil, err
	} else if d != nil {
		in.Discount = *d
	}
	if n, err := optionalInt(req, "stock"); err != nil {
		return nil, err
	} else if n != nil {
		in.Stock = int(*n)
	}
	p, err := s.svc.Stock.CreateProduct(ctx, in)
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (s *Server) getProduct(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	id, err := intField(req, "productId")
	if err != nil {
		return nil, err
	}
	p, err := s.svc.Stock.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (s *Server) updateProduct(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	id, err := intField(req, "productId")
	if err != nil {
		return nil, err
	}
	in := stock.ProductUpdate{
		Name:     optionalString(req, "name"),
		Category: optionalString(req, "category"),
	}
	if in.Price, err = optionalInt(req, "price"); err != nil {
		return nil, err
	}
	if in.Discount, err = optionalInt(req, "discount"); err != nil {
		return nil, err
	}
	p, err := s.svc.Stock.UpdateProduct(ctx, id, in)
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (s *Server) restockProduct(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	id, err := intField(req, "productId")
	if err != nil {
		return nil, err
	}
	qty, err := quantity(req, "quantity")
	if err != nil {
		return nil, err
	}
	p, err := s.svc.Stock.Restock(ctx, id, qty, stringField(req, "note"))
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (s *Server) adjustStock(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	id, err := intField(req, "productId")
	if err != nil {
		return nil, err
	}
	delta, err := quantity(req, "delta")
	if err != nil {
		return nil, err
	}
	p, err := s.svc.Stock.Adjust(ctx, id, delta, stringField(req, "reason"))
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (s *Server) discontinueProduct(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	id, err := intField(req, "productId")
	if err != nil {
		return nil, err
	}
	p, err := s.svc.Stock.Discontinue(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (s *Server) deleteProduct(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	id, err := intField(req, "productId")
	if err != nil {
		return nil, err
	}
	if err := s.svc.Stock.DeleteProduct(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"productId": id, "deleted": true}, nil
}

func (s *Server) auditProduct(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Stock == nil {
		return nil, unimplemented("stock")
	}
	id, err := intField(req, "productId")
	if err != nil {
		return nil, err
	}
	return s.svc.Stock.Audit(ctx, id)
}

func basketLines(lines []domain.CartLine) map[string]any {
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return map[string]any{"items": lines}
}

// basketArgs reads the principal, the product and, when withQty is set, the
// quantity of a basket request.
func basketArgs(req *structpb.Struct, withQty bool) (userID, productID int64, qty int, err error) {
	if userID, err = intField(req, "userId"); err != nil {
		return
	}
	if productID, err = intField(req, "productId"); err != nil {
		return
	}
	if withQty {
		qty, err = quantity(req, "quantity")
	}
	return
}

func (s *Server) addToBasket(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Baskets == nil {
		return nil, unimplemented("basket")
	}
	uid, pid, qty, err := basketArgs(req, true)
	if err != nil {
		return nil, err
	}
	lines, err := s.svc.Baskets.Add(ctx, uid, pid, qty)
	if err != nil {
		return nil, err
	}
	return basketLines(lines), nil
}

func (s *Server) updateBasketItem(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Baskets == nil {
		return nil, unimplemented("basket")
	}
	uid, pid, qty, err := basketArgs(req, true)
	if err != nil {
		return nil, err
	}
	lines, err := s.svc.Baskets.Update(ctx, uid, pid, qty)
	if err != nil {
		return nil, err
	}
	return basketLines(lines), nil
}

func (s *Server) removeFromBasket(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Baskets == nil {
		return nil, unimplemented("basket")
	}
	uid, pid, _, err := basketArgs(req, false)
	if err != nil {
		return nil, err
	}
	lines, err := s.svc.Baskets.Remove(ctx, uid, pid)
	if err != nil {
		return nil, err
	}
	return basketLines(lines), nil
}

func (s *Server) getBasket(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Baskets == nil {
		return nil, unimplemented("basket")
	}
	uid, err := intField(req, "userId")
	if err != nil {
		return nil, err
	}
	lines, err := s.svc.Baskets.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	return basketLines(lines), nil
}

func (s *Server) finalizeBasket(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Baskets == nil {
		return nil, unimplemented("basket")
	}
	uid, err := intField(req, "userId")
	if err != nil {
		return nil, err
	}
	return s.svc.Baskets.Finalize(ctx, uid)
}

func (s *Server) createOrder(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Orders == nil {
		return nil, unimplemented("order")
	}
	uid, err := intField(req, "userId")
	if err != nil {
		return nil, err
	}
	o, created, err := s.svc.Orders.CreateOrder(ctx, uid, stringField(req, "address"))
	if err != nil {
		return nil, err
	}
	if !created {
		s.logger.Info("order already placed for basket",
			zap.Int64("user_id", uid), zap.Int64("order_id", o.ID))
	}
	return struct {
		domain.Order
		Created bool `json:"created"`
	}{o, created}, nil
}

// ownedOrder loads an order and checks it belongs to the request's principal.
func (s *Server) ownedOrder(ctx context.Context, req *structpb.Struct) (domain.Order, error) {
	uid, err := intField(req, "userId")
	if err != nil {
		return domain.Order{}, err
	}
	id, err := intField(req, "orderId")
	if err != nil {
		return domain.Order{}, err
	}
	return s.svc.Orders.GetOrderFor(ctx, uid, id)
}

func (s *Server) getOrder(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Orders == nil {
		return nil, unimplemented("order")
	}
	return s.ownedOrder(ctx, req)
}

func (s *Server) listOrders(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Orders == nil {
		return nil, unimplemented("order")
	}
	uid, err := intField(req, "userId")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Orders.ListUserOrders(ctx, uid)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.Order{}
	}
	return map[string]any{"items": list}, nil
}

func (s *Server) cancelOrder(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Orders == nil {
		return nil, unimplemented("order")
	}
	o, err := s.ownedOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.svc.Orders.CancelOrder(ctx, o.ID)
}

// updateOrderStatus is an operator call; it carries no principal.
func (s *Server) updateOrderStatus(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Orders == nil {
		return nil, unimplemented("order")
	}
	id, err := intField(req, "orderId")
	if err != nil {
		return nil, err
	}
	to := domain.OrderStatus(stringField(req, "status"))
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", errBadRequest, to)
	}
	return s.svc.Orders.UpdateOrderStatus(ctx, id, to)
}

func (s *Server) initiatePayment(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Payments == nil {
		return nil, unimplemented("payment")
	}
	uid, err := intField(req, "userId")
	if err != nil {
		return nil, err
	}
	oid, err := intField(req, "orderId")
	if err != nil {
		return nil, err
	}
	amount, err := intField(req, "amount")
	if err != nil {
		return nil, err
	}
	return s.svc.Payments.InitiatePayment(ctx, uid, oid, amount, stringField(req, "idempotencyKey"))
}

func paymentArgs(req *structpb.Struct) (int64, int64, error) {
	uid, err := intField(req, "userId")
	if err != nil {
		return 0, 0, err
	}
	id, err := intField(req, "paymentId")
	return uid, id, err
}

func (s *Server) verifyPayment(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Payments == nil {
		return nil, unimplemented("payment")
	}
	uid, id, err := paymentArgs(req)
	if err != nil {
		return nil, err
	}
	return s.svc.Payments.VerifyPaymentAs(ctx, uid, id)
}

func (s *Server) getPayment(ctx context.Context, req *structpb.Struct) (any, error) {
	if s.svc.Payments == nil {
		return nil, unimplemented("payment")
	}
	uid, id, err := paymentArgs(req)
	if err != nil {
		return nil, err
	}
	return s.svc.Payments.GetPaymentFor(ctx, uid, id)
}

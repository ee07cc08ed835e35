// Package grpc exposes the saga services over gRPC. Messages are
// google.protobuf.Struct envelopes so the service needs no generated code;
// field names follow the JSON names of the domain types.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"storefront/internal/domain"
	"storefront/internal/lock"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "storefront.v1.Saga"

// FullMethod returns the invoke path of a method, e.g. "/storefront.v1.Saga/CreateOrder".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryFunc func(s *Server, ctx context.Context, req *structpb.Struct) (any, error)

var methods = map[string]unaryFunc{
	"CreateProduct":      (*Server).createProduct,
	"GetProduct":         (*Server).getProduct,
	"UpdateProduct":      (*Server).updateProduct,
	"RestockProduct":     (*Server).restockProduct,
	"AdjustStock":        (*Server).adjustStock,
	"DiscontinueProduct": (*Server).discontinueProduct,
	"DeleteProduct":      (*Server).deleteProduct,
	"AuditProduct":       (*Server).auditProduct,
	"AddToBasket":        (*Server).addToBasket,
	"UpdateBasketItem":   (*Server).updateBasketItem,
	"RemoveFromBasket":   (*Server).removeFromBasket,
	"GetBasket":          (*Server).getBasket,
	"FinalizeBasket":     (*Server).finalizeBasket,
	"CreateOrder":        (*Server).createOrder,
	"GetOrder":           (*Server).getOrder,
	"ListOrders":         (*Server).listOrders,
	"CancelOrder":        (*Server).cancelOrder,
	"UpdateOrderStatus":  (*Server).updateOrderStatus,
	"InitiatePayment":    (*Server).initiatePayment,
	"VerifyPayment":      (*Server).verifyPayment,
	"GetPayment":         (*Server).getPayment,
}

// SagaServer is the handler type registered with gRPC.
type SagaServer interface {
	call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Saga service.
var ServiceDesc = buildDesc()

func buildDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*SagaServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "storefront/saga",
	}
	for _, name := range slices.Sorted(maps.Keys(methods)) {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: handler(name)})
	}
	return desc
}

func handler(method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(SagaServer)
		if interceptor == nil {
			return s.call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return s.call(ctx, method, req.(*structpb.Struct))
		})
	}
}

// Register adds the Saga service to s.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func (s *Server) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	out, err := fn(s, ctx, req)
	if err != nil {
		return nil, mapError(err)
	}
	return toStruct(out)
}

// toStruct converts a JSON-tagged value into a Struct. v must encode as a
// JSON object.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

var errBadRequest = errors.New("bad request")

// maxExactInt is the largest magnitude a JSON number carries without loss.
const maxExactInt = 1 << 53

func intField(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	if math.Abs(n.NumberValue) > maxExactInt {
		return 0, fmt.Errorf("%w: %s is out of range", errBadRequest, name)
	}
	return int64(n.NumberValue), nil
}

func optionalInt(req *structpb.Struct, name string) (*int64, error) {
	if _, ok := req.GetFields()[name]; !ok {
		return nil, nil
	}
	n, err := intField(req, name)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func optionalString(req *structpb.Struct, name string) *string {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil
	}
	s := v.GetStringValue()
	return &s
}

func mapError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrIdempotencyKeyRequired),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidWebhook),
		errors.Is(err, domain.ErrRestockReasonRequired),
		errors.Is(err, domain.ErrInvalidProduct):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrBasketNotFound),
		errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPaymentNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrInvalidSignature):
		code = codes.Unauthenticated
	case errors.Is(err, domain.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, lock.ErrLockUnavailable),
		errors.Is(err, domain.ErrGatewayUnavailable):
		code = codes.Unavailable
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrDuplicateItem):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrEmptyBasket),
		errors.Is(err, domain.ErrProductUnavailable),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrCannotCancelCompleted),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrOrderNotPayable),
		errors.Is(err, domain.ErrAmountMismatch):
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}

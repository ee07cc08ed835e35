package lock

import "strconv"

// InventoryKey guards a product's stock and catalog fields.
func InventoryKey(productID int64) string {
	return "inventory:" + strconv.FormatInt(productID, 10)
}

// BasketKey serializes cart mutations and checkout for one user.
func BasketKey(userID int64) string {
	return "basket:" + strconv.FormatInt(userID, 10)
}

// OrderStatusKey guards an order's status transitions.
func OrderStatusKey(orderID int64) string {
	return "order:status:" + strconv.FormatInt(orderID, 10)
}

// PaymentInitKey allows one payment initiation per order at a time.
func PaymentInitKey(orderID int64) string {
	return "payment:init:order:" + strconv.FormatInt(orderID, 10)
}

// PaymentVerifyKey serializes settlement of one payment.
func PaymentVerifyKey(paymentID int64) string {
	return "payment:verify:" + strconv.FormatInt(paymentID, 10)
}

// OutboxKey serializes dispatcher passes across processes.
const OutboxKey = "outbox:payments"

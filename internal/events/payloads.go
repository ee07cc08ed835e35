package events

// OrderEvent is published on the order.* topics.
type OrderEvent struct {
	OrderID     int64  `json:"orderId"`
	UserID      int64  `json:"userId"`
	TotalAmount int64  `json:"totalAmount"`
	Reason      string `json:"reason,omitempty"`
}

// ProductStockChanged is published after every committed stock change.
type ProductStockChanged struct {
	ProductID int64  `json:"productId"`
	NewStock  int    `json:"newStock"`
	Status    string `json:"status"`
}

// Notification is published on notification.event for delivery to sinks.
type Notification struct {
	UserID  int64  `json:"userId"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

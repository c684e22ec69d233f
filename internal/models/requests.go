package models

import "payflow/internal/payment"

// APIResponse is the envelope every API endpoint answers with.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// CheckoutResultRequest relays the client SDK result for an order.
type CheckoutResultRequest struct {
	Status      string `json:"status" validate:"required_without=Error,max=32"`
	ReferenceID string `json:"reference_id" validate:"max=128"`
	Error       string `json:"error" validate:"max=512"`
}

// VerifyRequest asks for an immediate verification of the given orders.
type VerifyRequest struct {
	OrderIDs []string `json:"order_ids" validate:"required,min=1,max=100,dive=required,max=64"`
}

// VerifyResponseItem is one row of a verification response.
type VerifyResponseItem struct {
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	Status        string `json:"status,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error,omitempty"`
}

// PaymentAccepted is returned once the checkout session has been launched.
type PaymentAccepted struct {
	OrderID   string      `json:"order_id"`
	SessionID string      `json:"session_id"`
	Method    string      `json:"method"`
	Theme     interface{} `json:"theme,omitempty"`
}

// PaymentView is a stored attempt plus the checkout the client has to show
// while the attempt is still in flight. A fallback relaunch replaces it.
type PaymentView struct {
	*payment.Snapshot
	Checkout *PaymentAccepted `json:"checkout,omitempty"`
}

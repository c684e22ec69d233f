package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payflow/internal/payment"
	"payflow/internal/pkg/httpclient"
)

// Config holds the gateway credentials.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	APIVersion   string
	ReturnURL    string
	NotifyURL    string
	Timeout      time.Duration
}

// Cashfree talks to the Cashfree PG orders API. It implements
// payment.SessionAPI and payment.StatusAPI. Non-2xx responses surface as
// *httpclient.StatusError so the classifier sees the status code.
type Cashfree struct {
	cfg    Config
	client *httpclient.Client
	logger *zap.Logger
}

func NewCashfree(cfg Config, logger *zap.Logger) *Cashfree {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cashfree{
		cfg: cfg,
		client: httpclient.New().
			WithTimeout(cfg.Timeout).
			WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			WithHeader("x-client-id", cfg.ClientID).
			WithHeader("x-client-secret", cfg.ClientSecret).
			WithHeader("x-api-version", cfg.APIVersion).
			WithHeader("Accept", "application/json"),
		logger: logger,
	}
}

func (c *Cashfree) Name() string {
	return "cashfree"
}

type customerDetails struct {
	CustomerID    string `json:"customer_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone"`
}

type orderMeta struct {
	ReturnURL      string `json:"return_url,omitempty"`
	NotifyURL      string `json:"notify_url,omitempty"`
	PaymentMethods string `json:"payment_methods,omitempty"`
}

type createOrderRequest struct {
	OrderID         string            `json:"order_id"`
	OrderAmount     json.Number       `json:"order_amount"`
	OrderCurrency   string            `json:"order_currency"`
	CustomerDetails customerDetails   `json:"customer_details"`
	OrderMeta       orderMeta         `json:"order_meta"`
	OrderTags       map[string]string `json:"order_tags,omitempty"`
}

type orderResponse struct {
	CFOrderID        json.Number     `json:"cf_order_id"`
	OrderID          string          `json:"order_id"`
	OrderStatus      string          `json:"order_status"`
	OrderAmount      decimal.Decimal `json:"order_amount"`
	PaymentSessionID string          `json:"payment_session_id"`
}

type paymentEntity struct {
	CFPaymentID    json.Number     `json:"cf_payment_id"`
	PaymentStatus  string          `json:"payment_status"`
	PaymentAmount  decimal.Decimal `json:"payment_amount"`
	PaymentGroup   string          `json:"payment_group"`
	BankReference  string          `json:"bank_reference"`
	PaymentTime    string          `json:"payment_time"`
	PaymentMessage string          `json:"payment_message"`
}

// paymentMethods maps engine methods to the gateway's payment_methods filter.
var paymentMethods = map[payment.Method]string{
	payment.MethodUPI:        "upi",
	payment.MethodCard:       "cc,dc",
	payment.MethodNetBanking: "nb",
}

// CreateSession creates (or re-reads) the gateway order. Order ids are
// unique at the gateway, so a repeated call returns the same session.
func (c *Cashfree) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	body := createOrderRequest{
		OrderID:       req.OrderID,
		OrderAmount:   json.Number(req.Amount.StringFixed(2)),
		OrderCurrency: req.Currency,
		CustomerDetails: customerDetails{
			CustomerID:    req.Customer.ID,
			CustomerName:  req.Customer.Name,
			CustomerEmail: req.Customer.Email,
			CustomerPhone: req.Customer.Phone,
		},
		OrderMeta: orderMeta{
			ReturnURL:      c.cfg.ReturnURL,
			NotifyURL:      c.cfg.NotifyURL,
			PaymentMethods: paymentMethods[req.Method],
		},
		OrderTags: req.Meta,
	}

	resp, err := c.client.Post(ctx, "/pg/orders", body)
	if err != nil {
		return nil, fmt.Errorf("cashfree create order %s: %w", req.OrderID, err)
	}

	var order orderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("cashfree parse order: %w", err)
	}
	if order.PaymentSessionID == "" {
		return nil, fmt.Errorf("cashfree order %s returned no payment session", req.OrderID)
	}

	c.logger.Debug("Gateway order created",
		zap.String("order_id", req.OrderID),
		zap.String("cf_order_id", order.CFOrderID.String()),
		zap.String("order_status", order.OrderStatus),
	)
	return &payment.Session{
		SessionID: order.PaymentSessionID,
		OrderID:   req.OrderID,
		Method:    req.Method,
	}, nil
}

// GetStatus reads the order and its payments. The order status decides when
// it is final (PAID, EXPIRED, TERMINATED); otherwise the most recent payment
// is more precise than ACTIVE.
func (c *Cashfree) GetStatus(ctx context.Context, orderID string) (*payment.StatusResponse, error) {
	escaped := url.PathEscape(orderID)

	resp, err := c.client.Get(ctx, "/pg/orders/"+escaped)
	if err != nil {
		return nil, fmt.Errorf("cashfree get order %s: %w", orderID, err)
	}
	var order orderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("cashfree parse order: %w", err)
	}

	resp, err = c.client.Get(ctx, "/pg/orders/"+escaped+"/payments")
	if err != nil {
		return nil, fmt.Errorf("cashfree get payments %s: %w", orderID, err)
	}
	var payments []paymentEntity
	if err := json.Unmarshal(resp, &payments); err != nil {
		return nil, fmt.Errorf("cashfree parse payments: %w", err)
	}

	status := &payment.StatusResponse{
		Status: order.OrderStatus,
		Amount: order.OrderAmount,
	}

	chosen := pickPayment(order.OrderStatus, payments)
	if chosen != nil {
		if order.OrderStatus == "ACTIVE" {
			status.Status = chosen.PaymentStatus
		}
		status.TransactionID = chosen.CFPaymentID.String()
		status.Method = chosen.PaymentGroup
		status.BankReference = chosen.BankReference
		status.FailureReason = chosen.PaymentMessage
		if t, err := time.Parse(time.RFC3339, chosen.PaymentTime); err == nil {
			status.PaymentTime = t
		}
		if !chosen.PaymentAmount.IsZero() {
			status.Amount = chosen.PaymentAmount
		}
	}
	return status, nil
}

// pickPayment returns the successful payment of a paid order, or the most
// recent payment otherwise.
func pickPayment(orderStatus string, payments []paymentEntity) *paymentEntity {
	if len(payments) == 0 {
		return nil
	}
	if orderStatus == "PAID" {
		for i := range payments {
			if payments[i].PaymentStatus == "SUCCESS" {
				return &payments[i]
			}
		}
	}
	sorted := make([]paymentEntity, len(payments))
	copy(sorted, payments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PaymentTime > sorted[j].PaymentTime
	})
	return &sorted[0]
}

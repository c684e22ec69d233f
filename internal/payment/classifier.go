package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"payflow/internal/pkg/httpclient"
)

// Classifier maps raw failures to PaymentError. It holds no state and is
// safe for concurrent use.
type Classifier struct{}

// NewClassifier returns a Classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

type httpRule struct {
	kind Kind
	code string
}

var httpTable = map[int]httpRule{
	http.StatusBadRequest:          {KindValidation, CodeBadRequest},
	http.StatusUnprocessableEntity: {KindValidation, CodeUnprocessable},
	http.StatusUnauthorized:        {KindSecurity, CodeUnauthorized},
	http.StatusForbidden:           {KindSecurity, CodeForbidden},
	http.StatusNotFound:            {KindAPI, CodeNotFound},
	http.StatusConflict:            {KindAPI, CodeConflict},
	http.StatusTooManyRequests:     {KindAPI, CodeRateLimited},
	http.StatusInternalServerError: {KindAPI, CodeServerError},
	http.StatusBadGateway:          {KindAPI, CodeServerError},
	http.StatusServiceUnavailable:  {KindAPI, CodeServerError},
	http.StatusRequestTimeout:      {KindNetwork, CodeRequestTimeout},
	http.StatusGatewayTimeout:      {KindNetwork, CodeRequestTimeout},
}

// ClassifyHTTP classifies a non-2xx response by status code. The body only
// contributes the raw message.
func (c *Classifier) ClassifyHTTP(status int, body []byte) *PaymentError {
	raw := bodyMessage(body)
	if raw == "" {
		raw = http.StatusText(status)
	}

	var perr *PaymentError
	if rule, ok := httpTable[status]; ok {
		perr = NewError(rule.kind, rule.code, raw)
	} else {
		switch {
		case status >= 500 && status <= 599:
			perr = NewError(KindAPI, CodeServerError, raw)
		case status >= 400 && status <= 499:
			perr = NewError(KindAPI, CodeClientError, raw)
		default:
			perr = NewError(KindUnknown, CodeUnknown, raw)
		}
	}
	if perr.Kind == KindAPI {
		perr.Retryable = status >= 500 || status == http.StatusTooManyRequests
	}
	perr.HTTPStatus = status
	return perr.WithContext("http_status", strconv.Itoa(status))
}

// ClassifySDK classifies a free-form message reported by the checkout SDK.
func (c *Classifier) ClassifySDK(message string) *PaymentError {
	return classifyMessage(message, KindUnknown, CodeUnknown)
}

// Classify maps any error to a PaymentError. It never returns nil for a
// non-nil error.
func (c *Classifier) Classify(err error) *PaymentError {
	if err == nil {
		return nil
	}

	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return c.ClassifyHTTP(statusErr.StatusCode, statusErr.Body)
	}

	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		return classifyMessage(sdkErr.Message, KindSDK, CodeSDKError)
	}

	switch {
	case errors.Is(err, ErrNotConfigured):
		return NewError(KindConfiguration, CodeNotConfigured, err.Error())
	case errors.Is(err, ErrInsufficientFunds):
		return NewError(KindPayment, CodeInsufficientFunds, err.Error()).WithRetryable(false)
	case errors.Is(err, ErrOrderOwnership):
		return NewError(KindSecurity, CodeOrderOwnership, err.Error())
	case errors.Is(err, context.Canceled):
		return NewError(KindSystem, CodeContextCancelled, err.Error()).WithRetryable(false)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindNetwork, CodeTimeout, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindNetwork, CodeTimeout, err.Error())
		}
		return NewError(KindNetwork, CodeNetworkError, err.Error())
	}

	return classifyMessage(err.Error(), KindSystem, CodeInternal)
}

type messageRule struct {
	needles   []string
	kind      Kind
	code      string
	retryable *bool
}

var (
	notRetryable = false

	// Order matters: the first matching rule wins.
	messageTable = []messageRule{
		{needles: []string{"network", "connection"}, kind: KindNetwork, code: CodeNetworkError},
		{needles: []string{"timeout", "timed out"}, kind: KindNetwork, code: CodeTimeout},
		{needles: []string{"declined"}, kind: KindPayment, code: CodeDeclined, retryable: &notRetryable},
		{needles: []string{"failed"}, kind: KindPayment, code: CodePaymentFailed},
		{needles: []string{"cancelled", "canceled"}, kind: KindPayment, code: CodeCancelled, retryable: &notRetryable},
	}
)

func classifyMessage(message string, fallbackKind Kind, fallbackCode string) *PaymentError {
	lower := strings.ToLower(message)
	for _, rule := range messageTable {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				perr := NewError(rule.kind, rule.code, message)
				if rule.retryable != nil {
					perr.Retryable = *rule.retryable
				}
				return perr
			}
		}
	}
	return NewError(fallbackKind, fallbackCode, message)
}

// bodyMessage pulls a human readable message out of a gateway error body.
func bodyMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		case payload.Code != "":
			return payload.Code
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// PaymentStatus is the normalised status vocabulary shared by verification
// and webhooks.
type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusUnknown PaymentStatus = "unknown"
)

// statusVocabulary is exhaustive: a word missing here is unknown, and unknown
// is treated as "not final" (verification keeps polling, reconciliation
// leaves the attempt where it is).
var statusVocabulary = map[string]PaymentStatus{
	"PAID":          PaymentStatusSuccess,
	"SUCCESS":       PaymentStatusSuccess,
	"FAILED":        PaymentStatusFailed,
	"CANCELLED":     PaymentStatusFailed,
	"EXPIRED":       PaymentStatusFailed,
	"TERMINATED":    PaymentStatusFailed,
	"USER_DROPPED":  PaymentStatusFailed,
	"PENDING":       PaymentStatusPending,
	"ACTIVE":        PaymentStatusPending,
	"NOT_ATTEMPTED": PaymentStatusPending,
}

// NormalizeStatus maps a gateway status word to the shared vocabulary.
func NormalizeStatus(raw string) PaymentStatus {
	if s, ok := statusVocabulary[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return PaymentStatusUnknown
}

package payment

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Strategy is a fallback rail selection.
type Strategy string

const (
	StrategyNone                   Strategy = "none"
	StrategyRetrySameMethod        Strategy = "retry_same_method"
	StrategyAlternateGatewayMethod Strategy = "alternate_gateway_method"
	StrategyExternalIntentRail     Strategy = "external_intent_rail"
	StrategyWalletDebit            Strategy = "wallet_debit"
	StrategyCombinedWalletAndRail  Strategy = "combined_wallet_and_rail"
	StrategyManualSettlement       Strategy = "manual_settlement"
)

// FallbackPlan is the declarative recovery plan for one error kind.
type FallbackPlan struct {
	Primary     Strategy
	Secondary   Strategy
	MaxAttempts int
	Delay       time.Duration
	UserMessage string
}

// DefaultFallbackPlans returns the static kind to plan table.
func DefaultFallbackPlans() map[Kind]FallbackPlan {
	return map[Kind]FallbackPlan{
		KindNetwork: {
			Primary: StrategyRetrySameMethod, Secondary: StrategyExternalIntentRail,
			MaxAttempts: 2, Delay: 2 * time.Second,
			UserMessage: "Connection problem. We are retrying your payment.",
		},
		KindAPI: {
			Primary: StrategyAlternateGatewayMethod, Secondary: StrategyWalletDebit,
			MaxAttempts: 2, Delay: time.Second,
			UserMessage: "The payment provider is busy. Trying another way to pay.",
		},
		KindPayment: {
			Primary: StrategyAlternateGatewayMethod, Secondary: StrategyExternalIntentRail,
			MaxAttempts: 1, Delay: time.Second,
			UserMessage: "Your payment was not completed. Trying another payment method.",
		},
		KindSDK: {
			Primary: StrategyExternalIntentRail, Secondary: StrategyManualSettlement,
			MaxAttempts: 1, Delay: 500 * time.Millisecond,
			UserMessage: "The payment screen could not be opened. Trying another way to pay.",
		},
		KindSystem: {
			Primary: StrategyCombinedWalletAndRail, Secondary: StrategyManualSettlement,
			MaxAttempts: 1, Delay: time.Second,
			UserMessage: "Something went wrong. Trying another way to pay.",
		},
		KindUnknown: {
			Primary: StrategyRetrySameMethod, Secondary: StrategyManualSettlement,
			MaxAttempts: 1, Delay: time.Second,
			UserMessage: "Your payment could not be completed. Retrying.",
		},
		KindConfiguration: {
			Primary: StrategyManualSettlement, Secondary: StrategyNone,
			MaxAttempts: 1,
			UserMessage: "Online payment is unavailable. A manual payment request has been created.",
		},
		KindValidation: {
			Primary: StrategyNone, Secondary: StrategyNone,
			UserMessage: "Please check your payment details and try again.",
		},
		KindSecurity: {
			Primary: StrategyNone, Secondary: StrategyNone,
			UserMessage: "This payment could not be processed for security reasons. Please contact support.",
		},
	}
}

// MethodLimit bounds the amount a method accepts. A zero Max is unlimited.
type MethodLimit struct {
	Method Method
	Min    decimal.Decimal
	Max    decimal.Decimal
}

// DefaultMethodCatalog lists the rails known to the engine.
func DefaultMethodCatalog() []MethodLimit {
	one := decimal.NewFromInt(1)
	return []MethodLimit{
		{Method: MethodUPI, Min: one, Max: decimal.NewFromInt(100000)},
		{Method: MethodCard, Min: one, Max: decimal.NewFromInt(500000)},
		{Method: MethodNetBanking, Min: one, Max: decimal.NewFromInt(1000000)},
		{Method: MethodWallet, Min: one, Max: decimal.NewFromInt(50000)},
		{Method: MethodIntent, Min: one, Max: decimal.NewFromInt(100000)},
		{Method: MethodManual, Min: decimal.Zero},
	}
}

var (
	nonGatewayFirst = []Method{MethodIntent, MethodWallet, MethodUPI, MethodCard, MethodNetBanking, MethodManual}
	gatewayFirst    = []Method{MethodUPI, MethodCard, MethodNetBanking, MethodIntent, MethodWallet, MethodManual}
	walletFirst     = []Method{MethodWallet, MethodIntent, MethodUPI, MethodCard, MethodNetBanking, MethodManual}
	offGateway      = []Method{MethodWallet, MethodIntent, MethodManual}
)

func preferenceFor(kind Kind) []Method {
	switch kind {
	case KindSystem, KindNetwork, KindSDK:
		return nonGatewayFirst
	case KindPayment:
		return gatewayFirst
	case KindConfiguration:
		return offGateway
	case KindValidation, KindSecurity:
		return nil
	default:
		return walletFirst
	}
}

// Rails bundles the external rail collaborators. Any of them may be nil, in
// which case the matching strategies fail as not configured.
type Rails struct {
	Wallet WalletLedger
	Intent IntentRail
	Manual ManualSettlement
}

// CheckoutRunner re-runs the gateway checkout of the current attempt with
// the given method and returns the gateway reference.
type CheckoutRunner func(ctx context.Context, method Method) (string, error)

// FallbackRequest is the attempt context handed to the fallback engine.
type FallbackRequest struct {
	Error          *PaymentError
	AttemptID      string
	OrderID        string
	UserID         string
	Amount         decimal.Decimal
	OriginalMethod Method
	Checkout       CheckoutRunner
	// Claim marks a strategy as used for the attempt and reports whether it
	// was still unused. Nil means no bookkeeping.
	Claim func(Strategy) bool
}

// FallbackResult is the outcome of Execute.
type FallbackResult struct {
	Success     bool
	Strategy    Strategy
	Method      Method
	Reference   string
	Tried       []Strategy
	Attempts    int
	Err         *PaymentError
	UserMessage string
}

// FallbackEngine selects and executes recovery plans.
type FallbackEngine struct {
	plans    map[Kind]FallbackPlan
	catalog  []MethodLimit
	executor *RetryExecutor
	rails    Rails
	sleep    SleepFunc
	logger   *zap.Logger
}

// NewFallbackEngine creates an engine with the default plan table and catalogue.
func NewFallbackEngine(executor *RetryExecutor, rails Rails, sleep SleepFunc, logger *zap.Logger) *FallbackEngine {
	if executor == nil {
		executor = NewRetryExecutor(nil, sleep, logger)
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackEngine{
		plans:    DefaultFallbackPlans(),
		catalog:  DefaultMethodCatalog(),
		executor: executor,
		rails:    rails,
		sleep:    sleep,
		logger:   logger,
	}
}

// Plan returns the plan for kind; unmapped kinds use the unknown plan.
func (f *FallbackEngine) Plan(kind Kind) FallbackPlan {
	if p, ok := f.plans[kind]; ok {
		return p
	}
	return f.plans[KindUnknown]
}

// AvailableFallbackMethods returns the candidate rails for an error, most
// suitable first. The original method and rails whose limits exclude amount
// are dropped. The list is advisory: availability is checked when a
// strategy actually runs.
func (f *FallbackEngine) AvailableFallbackMethods(kind Kind, original Method, amount decimal.Decimal) []Method {
	order := preferenceFor(kind)
	out := make([]Method, 0, len(order))
	for _, m := range order {
		if m == original {
			continue
		}
		limit, ok := f.limitFor(m)
		if !ok || !limit.accepts(amount) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (f *FallbackEngine) limitFor(m Method) (MethodLimit, bool) {
	for _, l := range f.catalog {
		if l.Method == m {
			return l, true
		}
	}
	return MethodLimit{}, false
}

func (l MethodLimit) accepts(amount decimal.Decimal) bool {
	if amount.LessThan(l.Min) {
		return false
	}
	if !l.Max.IsZero() && amount.GreaterThan(l.Max) {
		return false
	}
	return true
}

// Execute runs the plan for req.Error.Kind.
func (f *FallbackEngine) Execute(ctx context.Context, req FallbackRequest) FallbackResult {
	original := req.Error
	if original == nil {
		original = NewError(KindUnknown, CodeUnknown, "fallback without error")
	}
	plan := f.Plan(original.Kind)
	log := f.logger.With(
		zap.String("order_id", req.OrderID),
		zap.String("attempt_id", req.AttemptID),
		zap.String("kind", string(original.Kind)),
	)

	if plan.Primary == StrategyNone {
		log.Info("No fallback for error kind")
		return FallbackResult{
			Strategy:    StrategyNone,
			Err:         original,
			UserMessage: plan.UserMessage,
		}
	}

	result := FallbackResult{}
	var failures []*PaymentError

	for i, strategy := range []Strategy{plan.Primary, plan.Secondary} {
		if strategy == StrategyNone || strategy == "" {
			continue
		}
		if i > 0 {
			if err := f.sleep(ctx, plan.Delay); err != nil {
				failures = append(failures, abortedError(err, nil))
				break
			}
		}

		log.Info("Executing fallback strategy", zap.String("strategy", string(strategy)))
		out := f.runStrategy(ctx, strategy, plan, original.Kind, req)
		result.Tried = append(result.Tried, strategy)
		result.Attempts += out.attempts
		if out.err == nil {
			result.Success = true
			result.Strategy = strategy
			result.Method = out.method
			result.Reference = out.reference
			result.UserMessage = plan.UserMessage
			log.Info("Fallback strategy succeeded",
				zap.String("strategy", string(strategy)),
				zap.String("method", string(out.method)),
			)
			return result
		}
		log.Warn("Fallback strategy failed",
			zap.String("strategy", string(strategy)),
			zap.String("code", out.err.Code),
			zap.Error(out.err),
		)
		failures = append(failures, out.err)
	}

	result.Err = exhaustedError(original, result.Tried, failures)
	result.UserMessage = ExhaustedMessage
	return result
}

func exhaustedError(original *PaymentError, tried []Strategy, failures []*PaymentError) *PaymentError {
	raws := make([]string, 0, len(failures))
	for _, f := range failures {
		raws = append(raws, f.Error())
	}
	perr := NewError(original.Kind, CodeFallbackExhausted, strings.Join(raws, "; ")).WithRetryable(false)
	perr.Severity = SeverityHigh
	perr.WithContext("original_code", original.Code)
	names := make([]string, 0, len(tried))
	for _, s := range tried {
		names = append(names, string(s))
	}
	perr.WithContext("strategies", strings.Join(names, ","))
	for i, f := range failures {
		switch i {
		case 0:
			perr.WithContext("primary_code", f.Code)
		case 1:
			perr.WithContext("secondary_code", f.Code)
		}
	}
	return perr
}

type railResult struct {
	method    Method
	reference string
}

type strategyOutcome struct {
	railResult
	attempts int
	err      *PaymentError
}

func (f *FallbackEngine) runStrategy(ctx context.Context, s Strategy, plan FallbackPlan, kind Kind, req FallbackRequest) strategyOutcome {
	if req.Claim != nil && !req.Claim(s) {
		return strategyOutcome{err: NewError(KindSystem, "STRATEGY_ALREADY_USED", string(s)).WithRetryable(false)}
	}

	op, perr := f.operationFor(ctx, s, req)
	if perr != nil {
		return strategyOutcome{attempts: 0, err: perr}
	}

	policy := RetryPolicy{
		MaxAttempts:       plan.MaxAttempts,
		InitialDelay:      plan.Delay,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
	res := Retry(ctx, f.executor, policy, op)
	return strategyOutcome{railResult: res.Value, attempts: res.Attempts, err: res.Err}
}

// operationFor checks the rail is really usable and returns the retryable
// operation for the strategy.
func (f *FallbackEngine) operationFor(ctx context.Context, s Strategy, req FallbackRequest) (func(context.Context) (railResult, error), *PaymentError) {
	switch s {
	case StrategyRetrySameMethod:
		if req.Checkout == nil {
			return nil, notConfigured(s)
		}
		method := req.OriginalMethod
		return func(ctx context.Context) (railResult, error) {
			ref, err := req.Checkout(ctx, method)
			return railResult{method: method, reference: ref}, err
		}, nil

	case StrategyAlternateGatewayMethod:
		if req.Checkout == nil {
			return nil, notConfigured(s)
		}
		method, ok := f.alternateGatewayMethod(req.OriginalMethod, req.Amount)
		if !ok {
			return nil, NewError(KindPayment, "NO_ALTERNATE_METHOD", "no alternate gateway method for amount").WithRetryable(false)
		}
		return func(ctx context.Context) (railResult, error) {
			ref, err := req.Checkout(ctx, method)
			return railResult{method: method, reference: ref}, err
		}, nil

	case StrategyExternalIntentRail:
		if f.rails.Intent == nil {
			return nil, notConfigured(s)
		}
		if !f.rails.Intent.Available(ctx) {
			return nil, NewError(KindSystem, "RAIL_UNAVAILABLE", "intent rail unavailable").WithRetryable(false)
		}
		return func(ctx context.Context) (railResult, error) {
			ref, err := f.rails.Intent.Launch(ctx, IntentRequest{OrderID: req.OrderID, UserID: req.UserID, Amount: req.Amount})
			return railResult{method: MethodIntent, reference: ref}, err
		}, nil

	case StrategyWalletDebit:
		if f.rails.Wallet == nil {
			return nil, notConfigured(s)
		}
		balance, err := f.rails.Wallet.Balance(ctx, req.UserID)
		if err != nil {
			return nil, f.executor.classifier.Classify(err)
		}
		if balance.LessThan(req.Amount) {
			return nil, f.executor.classifier.Classify(ErrInsufficientFunds)
		}
		return func(ctx context.Context) (railResult, error) {
			ref, err := f.rails.Wallet.Debit(ctx, req.UserID, req.Amount, req.OrderID)
			return railResult{method: MethodWallet, reference: ref}, err
		}, nil

	case StrategyCombinedWalletAndRail:
		if f.rails.Wallet == nil || f.rails.Intent == nil {
			return nil, notConfigured(s)
		}
		return func(ctx context.Context) (railResult, error) {
			return f.combined(ctx, req)
		}, nil

	case StrategyManualSettlement:
		if f.rails.Manual == nil {
			return nil, notConfigured(s)
		}
		reason := ""
		if req.Error != nil {
			reason = req.Error.Code
		}
		return func(ctx context.Context) (railResult, error) {
			ref, err := f.rails.Manual.Register(ctx, ManualRequest{
				OrderID: req.OrderID, UserID: req.UserID, Amount: req.Amount, Reason: reason,
			})
			return railResult{method: MethodManual, reference: ref}, err
		}, nil
	}
	return nil, NewError(KindSystem, CodeNoFallback, "unsupported strategy "+string(s)).WithRetryable(false)
}

// combined pays what the wallet covers and sends the remainder through the
// intent rail. The wallet part is credited back if the rail fails.
func (f *FallbackEngine) combined(ctx context.Context, req FallbackRequest) (railResult, error) {
	balance, err := f.rails.Wallet.Balance(ctx, req.UserID)
	if err != nil {
		return railResult{}, err
	}
	if !balance.IsPositive() {
		return railResult{}, ErrInsufficientFunds
	}
	if balance.GreaterThanOrEqual(req.Amount) {
		ref, err := f.rails.Wallet.Debit(ctx, req.UserID, req.Amount, req.OrderID)
		return railResult{method: MethodWallet, reference: ref}, err
	}
	if !f.rails.Intent.Available(ctx) {
		return railResult{}, NewError(KindSystem, "RAIL_UNAVAILABLE", "intent rail unavailable").WithRetryable(false)
	}

	// A partial debit may be refunded, so its ledger references belong to
	// the attempt. A later attempt for the same order debits afresh.
	walletRef, err := f.rails.Wallet.Debit(ctx, req.UserID, balance, attemptReference(req, "wallet"))
	if err != nil {
		return railResult{}, err
	}
	remainder := req.Amount.Sub(balance)
	railRef, err := f.rails.Intent.Launch(ctx, IntentRequest{OrderID: req.OrderID, UserID: req.UserID, Amount: remainder})
	if err != nil {
		if _, cerr := f.rails.Wallet.Credit(ctx, req.UserID, balance, attemptReference(req, "refund")); cerr != nil {
			f.logger.Error("Failed to refund partial wallet debit",
				zap.String("order_id", req.OrderID),
				zap.String("amount", balance.String()),
				zap.Error(cerr),
			)
		}
		return railResult{}, err
	}
	return railResult{method: MethodWalletIntent, reference: walletRef + "+" + railRef}, nil
}

func attemptReference(req FallbackRequest, part string) string {
	owner := req.AttemptID
	if owner == "" {
		owner = req.OrderID
	}
	return owner + ":" + part
}

func (f *FallbackEngine) alternateGatewayMethod(original Method, amount decimal.Decimal) (Method, bool) {
	for _, m := range f.AvailableFallbackMethods(KindPayment, original, amount) {
		if m.IsGateway() {
			return m, true
		}
	}
	return "", false
}

func notConfigured(s Strategy) *PaymentError {
	return NewError(KindConfiguration, CodeNotConfigured, string(s)+" rail not configured")
}

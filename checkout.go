// Package checkout orchestrates a point-of-sale USDC payment session: payee
// resolution, payload construction for tap or scan flows, relay session
// registration, push-channel tracking, and independent on-chain settlement
// verification.
package checkout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/merchkit/checkout/events"
	"github.com/merchkit/checkout/logger"
	"github.com/merchkit/checkout/metrics"
	"github.com/merchkit/checkout/payload"
	"github.com/merchkit/checkout/relay"
	"github.com/merchkit/checkout/resolver"
	"github.com/merchkit/checkout/settlement"
	"github.com/merchkit/checkout/types"
	"github.com/merchkit/checkout/utils"
)

// Deps are the external collaborators a deployment injects. Wallet may be
// nil; everything else is required.
type Deps struct {
	Names    resolver.NameService
	Receipts settlement.ReceiptSource
	Push     events.PushChannel
	Wallet   relay.WalletCapability
}

// Orchestrator is the state machine driving one checkout at a time. All
// state mutation happens under a single lock in response to completed async
// operations; handlers for superseded sessions are made inert by an epoch
// check before any delayed result is applied.
type Orchestrator struct {
	cfg      types.Config
	resolver *resolver.Resolver
	builder  *payload.Builder
	relay    *relay.Client
	watcher  *settlement.Watcher
	bridge   *events.Bridge
	wallet   relay.WalletCapability

	log        logger.Logger
	metrics    metrics.Recorder
	notify     Notifier
	onResolved resolver.OnResolvedFunc

	mu            sync.Mutex
	epoch         uint64
	phase         types.SessionPhase
	payee         types.PayeeIdentity
	amounts       types.AmountBreakdown
	method        types.PaymentMethod
	sessionID     string
	activePayload types.PaymentPayload
	qrPayload     string
	txHash        string
	submittedAt   time.Time
	lastErr       error
	confirmed     bool
	watchCancel   context.CancelFunc
}

// New wires an orchestrator from config and collaborators. The config is
// validated up front so a misconfigured deployment fails at construction,
// not mid-payment.
func New(cfg types.Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := utils.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		wallet:  deps.Wallet,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		notify:  NoopNotifier{},
		phase:   types.PhaseIdle,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.resolver = resolver.New(deps.Names,
		resolver.WithLogger(o.log),
		resolver.WithOnResolved(o.onResolved),
	)
	o.builder = payload.NewBuilder(cfg.ChainID, cfg.TokenContract, cfg.TokenDecimals)
	o.relay = relay.NewClient(cfg.RelayerURL, relay.WithLogger(o.log))
	o.watcher = settlement.NewWatcher(deps.Receipts,
		settlement.WithAttempts(cfg.PollAttempts),
		settlement.WithInterval(cfg.PollInterval),
		settlement.WithLogger(o.log),
	)
	o.bridge = events.NewBridge(deps.Push, o.handleTxUpdate, o.log)

	return o, nil
}

// SetPayee resolves the identifier and fixes the session's recipient.
// Allowed only before a flow has started.
func (o *Orchestrator) SetPayee(ctx context.Context, identifier string) error {
	identity, err := o.resolver.Resolve(ctx, identifier)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != types.PhaseIdle && o.phase != types.PhaseAwaitingMethodChoice {
		return &types.CheckoutError{
			Code:    types.ErrSessionSuperseded,
			Message: fmt.Sprintf("cannot change payee in phase %s", o.phase),
		}
	}
	o.payee = identity
	o.phase = types.PhaseAwaitingMethodChoice
	return nil
}

// SetBaseAmount fixes the charge for the session. Allowed only before start.
func (o *Orchestrator) SetBaseAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &types.CheckoutError{
			Code:    types.ErrPayloadValidation,
			Message: "baseAmount cannot be negative",
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != types.PhaseIdle && o.phase != types.PhaseAwaitingMethodChoice {
		return &types.CheckoutError{
			Code:    types.ErrSessionSuperseded,
			Message: fmt.Sprintf("cannot change base amount in phase %s", o.phase),
		}
	}
	o.amounts.BaseAmount = amount
	return nil
}

// SetTip changes the tip component. The base is untouched; the total is
// always recomputed from the parts.
func (o *Orchestrator) SetTip(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &types.CheckoutError{
			Code:    types.ErrPayloadValidation,
			Message: "tipAmount cannot be negative",
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != types.PhaseIdle && o.phase != types.PhaseAwaitingMethodChoice {
		return &types.CheckoutError{
			Code:    types.ErrSessionSuperseded,
			Message: fmt.Sprintf("cannot change tip in phase %s", o.phase),
		}
	}
	o.amounts.TipAmount = amount
	return nil
}

// Start drives one payment attempt: payload construction, session
// registration, push subscription, and (tap only) the best-effort
// contactless instruction. For the scan flow the QR payload is exposed
// before the registration network call so visual feedback never waits on
// the relayer.
func (o *Orchestrator) Start(ctx context.Context, method types.PaymentMethod) error {
	o.mu.Lock()
	if o.phase != types.PhaseIdle && o.phase != types.PhaseAwaitingMethodChoice {
		phase := o.phase
		o.mu.Unlock()
		return &types.CheckoutError{
			Code:    types.ErrSessionSuperseded,
			Message: fmt.Sprintf("session already active in phase %s", phase),
		}
	}
	if !utils.IsHexAddress(o.payee.CanonicalAddress) {
		err := &types.CheckoutError{
			Code:    types.ErrInvalidRecipient,
			Message: "no valid recipient address resolved",
		}
		o.phase = types.PhaseFailed
		o.lastErr = err
		o.mu.Unlock()
		o.notify.Error("Invalid address")
		o.metrics.IncCounter("session_failed", map[string]string{"method": method.String()})
		return err
	}

	epoch := o.epoch
	o.method = method
	o.phase = types.PhaseBuildingPayload
	recipient := o.payee.CanonicalAddress
	total := o.amounts.Total()
	o.mu.Unlock()

	o.metrics.IncCounter("session_started", map[string]string{"method": method.String()})

	// Pacing delay so a host loading indicator can render.
	if o.cfg.PreDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.PreDelay):
		}
	}

	p, err := o.builder.Build(method, recipient, total)
	if err != nil {
		o.fail(epoch, err)
		return err
	}

	if link, ok := p.(types.LinkPayload); ok {
		uri := o.builder.LinkURI(link)
		o.mu.Lock()
		if epoch == o.epoch {
			o.qrPayload = uri
		}
		o.mu.Unlock()
	}

	if !o.advance(epoch, types.PhaseRegisteringSession, p) {
		return &types.CheckoutError{Code: types.ErrSessionSuperseded, Message: "session superseded"}
	}

	sessionID, err := o.relay.Register(ctx, p)
	if err != nil {
		o.fail(epoch, err)
		return err
	}

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return &types.CheckoutError{Code: types.ErrSessionSuperseded, Message: "session superseded"}
	}
	o.sessionID = sessionID
	o.mu.Unlock()

	if err := o.bridge.Rebind(ctx, sessionID); err != nil {
		failErr := &types.CheckoutError{
			Code:    types.ErrRegistrationFail,
			Message: fmt.Sprintf("failed to subscribe to session updates: %v", err),
		}
		o.fail(epoch, failErr)
		return failErr
	}

	if !o.advance(epoch, types.PhaseWaitingForSubmission, nil) {
		return &types.CheckoutError{Code: types.ErrSessionSuperseded, Message: "session superseded"}
	}

	// Fire-and-forget: confirmation arrives over the push channel whether or
	// not the wallet accepts this instruction.
	if method == types.MethodTap {
		o.relay.RequestContactlessSubmission(ctx, o.wallet, sessionID)
	}

	return nil
}

// handleTxUpdate receives push-channel updates for the bound session. The
// first transaction hash moves the session to TransactionSubmitted and spawns
// the settlement watch; a repeated delivery of the same hash is a no-op.
func (o *Orchestrator) handleTxUpdate(u events.TxUpdate) {
	o.mu.Lock()
	if u.SessionID != o.sessionID {
		o.mu.Unlock()
		return
	}
	if o.phase != types.PhaseWaitingForSubmission && o.phase != types.PhaseTransactionSubmitted {
		o.mu.Unlock()
		return
	}
	if o.txHash != "" {
		// Duplicate delivery, or a competing hash after the first. First wins.
		o.mu.Unlock()
		return
	}

	o.txHash = u.TxHash
	o.phase = types.PhaseTransactionSubmitted
	o.submittedAt = time.Now()
	epoch := o.epoch
	method := o.method

	// At most one settlement loop per session.
	if o.watchCancel != nil {
		o.watchCancel()
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	o.watchCancel = cancel
	o.mu.Unlock()

	o.log.Info("transaction submitted", map[string]any{
		"sessionId": u.SessionID,
		"txHash":    u.TxHash,
	})
	o.notify.Info("Transaction processing...")
	o.metrics.IncCounter("transaction_submitted", map[string]string{"method": method.String()})

	go o.watchSettlement(watchCtx, epoch, u.TxHash)
}

func (o *Orchestrator) watchSettlement(ctx context.Context, epoch uint64, txHash string) {
	receipt, err := o.watcher.WaitForReceipt(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			// Torn down or superseded; the result must not touch state.
			return
		}
		o.fail(epoch, err)
		return
	}

	_ = receipt
	o.confirm(epoch, txHash)
}

// confirm applies the terminal confirmed state exactly once, no matter how
// many observers report settlement.
func (o *Orchestrator) confirm(epoch uint64, txHash string) {
	o.mu.Lock()
	if epoch != o.epoch || o.confirmed || o.phase.Terminal() {
		o.mu.Unlock()
		return
	}
	o.confirmed = true
	o.phase = types.PhaseTransactionConfirmed
	method := o.method
	submittedAt := o.submittedAt
	o.mu.Unlock()

	o.log.Info("transaction confirmed", map[string]any{
		"txHash": txHash,
	})
	o.notify.Success("Transaction confirmed!")
	o.metrics.IncCounter("transaction_confirmed", map[string]string{"method": method.String()})
	if !submittedAt.IsZero() {
		o.metrics.ObserveLatency("settlement", time.Since(submittedAt), map[string]string{"method": method.String()})
	}
}

// fail moves the session to the terminal Failed phase. Stale epochs and
// already-terminal sessions are left untouched.
func (o *Orchestrator) fail(epoch uint64, err error) {
	o.mu.Lock()
	if epoch != o.epoch || o.phase.Terminal() {
		o.mu.Unlock()
		return
	}
	o.phase = types.PhaseFailed
	o.lastErr = err
	method := o.method
	o.mu.Unlock()

	o.log.Error("checkout session failed", map[string]any{
		"code":  types.CodeOf(err),
		"error": err.Error(),
	})
	o.notify.Error(err.Error())
	o.metrics.IncCounter("session_failed", map[string]string{"method": method.String()})
}

// advance moves to the next phase unless the session was superseded or has
// already terminated. A non-nil payload is recorded with the transition.
func (o *Orchestrator) advance(epoch uint64, phase types.SessionPhase, p types.PaymentPayload) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if epoch != o.epoch || o.phase.Terminal() {
		return false
	}
	o.phase = phase
	if p != nil {
		o.activePayload = p
	}
	return true
}

// Restart abandons the current session and returns to Idle under a new
// epoch: the active settlement loop is cancelled, the push filter dropped,
// and any delayed result from the old session becomes inert. Payee and
// amounts are retained so the user can retry immediately.
func (o *Orchestrator) Restart(ctx context.Context) {
	o.mu.Lock()
	o.epoch++
	if o.watchCancel != nil {
		o.watchCancel()
		o.watchCancel = nil
	}
	o.sessionID = ""
	o.activePayload = nil
	o.qrPayload = ""
	o.txHash = ""
	o.submittedAt = time.Time{}
	o.lastErr = nil
	o.confirmed = false
	o.method = ""
	if utils.IsHexAddress(o.payee.CanonicalAddress) {
		o.phase = types.PhaseAwaitingMethodChoice
	} else {
		o.phase = types.PhaseIdle
	}
	o.mu.Unlock()

	_ = o.bridge.Rebind(ctx, "")
}

// Close tears the orchestrator down. In-flight polling and the push
// subscription are cancelled; neither may mutate state afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.epoch++
	if o.watchCancel != nil {
		o.watchCancel()
		o.watchCancel = nil
	}
	o.phase = types.PhaseIdle
	o.mu.Unlock()

	o.bridge.Close()
}

// Phase returns the current session phase.
func (o *Orchestrator) Phase() types.SessionPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Payee returns the resolved recipient identity.
func (o *Orchestrator) Payee() types.PayeeIdentity {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.payee
}

// Amounts returns the current charge breakdown.
func (o *Orchestrator) Amounts() types.AmountBreakdown {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.amounts
}

// QRPayload returns the renderable link URI for the scan flow, available
// from payload construction onward. Empty for the tap flow.
func (o *Orchestrator) QRPayload() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.qrPayload
}

// TxHash returns the submitted transaction hash, or "" before submission.
func (o *Orchestrator) TxHash() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.txHash
}

// Err returns the error that moved the session to Failed, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Session returns a snapshot of the active payment attempt.
func (o *Orchestrator) Session() types.PaymentSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return types.PaymentSession{
		SessionID: o.sessionID,
		Payload:   o.activePayload,
		TxHash:    o.txHash,
		Phase:     o.phase,
	}
}

// NeedsProviderHint reports whether the name service wants a locally
// connected signer before it can enrich the payee.
func (o *Orchestrator) NeedsProviderHint() bool {
	return o.resolver.NeedsProviderHint()
}

// ExplorerURL returns the public explorer link for the submitted
// transaction, or "" before one exists.
func (o *Orchestrator) ExplorerURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.txHash == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", o.cfg.ExplorerURL, o.txHash)
}

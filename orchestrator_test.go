package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchkit/checkout/events"
	"github.com/merchkit/checkout/relay"
	"github.com/merchkit/checkout/resolver"
	"github.com/merchkit/checkout/types"
)

const (
	testRecipient = "0x1111111111111111111111111111111111111111"
	testTxHash    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

type fakeNames struct {
	entries map[string]resolver.ResolvedName
}

func (f *fakeNames) Resolve(_ context.Context, name string) (resolver.ResolvedName, error) {
	r, ok := f.entries[name]
	if !ok {
		return resolver.ResolvedName{}, fmt.Errorf("unknown name %q", name)
	}
	return r, nil
}

func (f *fakeNames) NeedsProviderHint() bool { return false }

// immediateReceipts returns a successful receipt on every call.
type immediateReceipts struct {
	calls atomic.Int64
}

func (f *immediateReceipts) TransactionReceipt(context.Context, string) (*ethtypes.Receipt, error) {
	f.calls.Add(1)
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
}

// gatedReceipts blocks every lookup until the gate is closed.
type gatedReceipts struct {
	gate  chan struct{}
	calls atomic.Int64
}

func newGatedReceipts() *gatedReceipts {
	return &gatedReceipts{gate: make(chan struct{})}
}

func (f *gatedReceipts) TransactionReceipt(ctx context.Context, _ string) (*ethtypes.Receipt, error) {
	f.calls.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.gate:
		return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
	}
}

type fakePush struct {
	mu            sync.Mutex
	subscriptions map[string]chan events.TxUpdate
}

func newFakePush() *fakePush {
	return &fakePush{subscriptions: make(map[string]chan events.TxUpdate)}
}

func (f *fakePush) Subscribe(_ context.Context, sessionID string) (<-chan events.TxUpdate, events.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan events.TxUpdate, 16)
	f.subscriptions[sessionID] = ch
	closed := false
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}, nil
}

func (f *fakePush) push(sessionID string, u events.TxUpdate) {
	f.mu.Lock()
	ch := f.subscriptions[sessionID]
	f.mu.Unlock()
	ch <- u
}

type recordingWallet struct {
	mu       sync.Mutex
	requests []relay.ContactlessRequest
	err      error
}

func (w *recordingWallet) Request(_ context.Context, req relay.ContactlessRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests = append(w.requests, req)
	return w.err
}

func (w *recordingWallet) seen() []relay.ContactlessRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]relay.ContactlessRequest(nil), w.requests...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	infos     []string
	successes []string
	errors    []string
}

func (n *recordingNotifier) Info(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, msg)
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) counts() (int, int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.infos), len(n.successes), len(n.errors)
}

// relayRecorder captures what the stub relayer was sent.
type relayRecorder struct {
	hits atomic.Int64

	mu   sync.Mutex
	body []byte
}

func (r *relayRecorder) lastBody() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.body...)
}

// relayServer spins up a stub relayer returning sessionID for every
// registration and recording requests.
func relayServer(t *testing.T, sessionID string) (*httptest.Server, *relayRecorder) {
	t.Helper()
	rec := &relayRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.body = body
		rec.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": sessionID})
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func testConfig(relayerURL string) types.Config {
	cfg := types.DefaultConfig()
	cfg.RelayerURL = relayerURL
	cfg.PreDelay = 0
	cfg.PollAttempts = 5
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestScanFlowEndToEnd(t *testing.T) {
	srv, rec := relayServer(t, "s1")
	names := &fakeNames{entries: map[string]resolver.ResolvedName{
		"alice.base": {Address: testRecipient},
	}}
	receipts := &immediateReceipts{}
	push := newFakePush()
	notifier := &recordingNotifier{}

	o, err := New(testConfig(srv.URL), Deps{Names: names, Receipts: receipts, Push: push},
		WithNotifier(notifier))
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, "alice.base"))
	assert.Equal(t, testRecipient, o.Payee().CanonicalAddress)
	assert.Equal(t, "alice.base", o.Payee().DisplayName)

	require.NoError(t, o.SetBaseAmount(decimal.RequireFromString("5.00")))
	require.NoError(t, o.SetTip(decimal.RequireFromString("1.00")))
	assert.Equal(t, "6.00", o.Amounts().Total().String())

	require.NoError(t, o.Start(ctx, types.MethodScan))
	assert.Equal(t, int64(1), rec.hits.Load())

	uri := o.QRPayload()
	require.NotEmpty(t, uri)
	assert.Contains(t, uri, "ethereum:")
	assert.Contains(t, uri, "uint256=6000000")
	assert.Contains(t, uri, "address="+testRecipient)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(rec.lastBody(), &wire))
	assert.Equal(t, "eip681", wire["payloadType"])
	assert.Equal(t, testRecipient, wire["toAddress"])

	assert.Equal(t, "s1", o.Session().SessionID)
	assert.Equal(t, types.PhaseWaitingForSubmission, o.Phase())

	push.push("s1", events.TxUpdate{SessionID: "s1", TxHash: testTxHash})

	require.Eventually(t, func() bool {
		return o.Phase() == types.PhaseTransactionConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, testTxHash, o.TxHash())
	assert.Equal(t, "https://basescan.org/tx/"+testTxHash, o.ExplorerURL())

	infos, successes, errs := notifier.counts()
	assert.Equal(t, 1, infos)
	assert.Equal(t, 1, successes)
	assert.Zero(t, errs)
}

func TestDuplicateTxHashIsIdempotent(t *testing.T) {
	srv, _ := relayServer(t, "s1")
	push := newFakePush()
	notifier := &recordingNotifier{}

	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     push,
	}, WithNotifier(notifier))
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, testRecipient))
	require.NoError(t, o.SetBaseAmount(decimal.NewFromInt(3)))
	require.NoError(t, o.Start(ctx, types.MethodScan))

	push.push("s1", events.TxUpdate{SessionID: "s1", TxHash: testTxHash})
	push.push("s1", events.TxUpdate{SessionID: "s1", TxHash: testTxHash})
	push.push("s1", events.TxUpdate{SessionID: "s1", TxHash: "0xbbb"})

	require.Eventually(t, func() bool {
		return o.Phase() == types.PhaseTransactionConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	// Give the duplicate deliveries time to be dropped.
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, testTxHash, o.TxHash())
	infos, successes, _ := notifier.counts()
	assert.Equal(t, 1, infos, "processing notification must fire once")
	assert.Equal(t, 1, successes, "confirmation notification must fire once")
}

func TestRestartMakesDelayedSettlementInert(t *testing.T) {
	srv, _ := relayServer(t, "s1")
	push := newFakePush()
	receipts := newGatedReceipts()
	notifier := &recordingNotifier{}

	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: receipts,
		Push:     push,
	}, WithNotifier(notifier))
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, testRecipient))
	require.NoError(t, o.SetBaseAmount(decimal.NewFromInt(2)))
	require.NoError(t, o.Start(ctx, types.MethodScan))

	push.push("s1", events.TxUpdate{SessionID: "s1", TxHash: testTxHash})
	require.Eventually(t, func() bool {
		return o.Phase() == types.PhaseTransactionSubmitted
	}, 2*time.Second, 5*time.Millisecond)

	o.Restart(ctx)
	assert.Equal(t, types.PhaseAwaitingMethodChoice, o.Phase())
	assert.Empty(t, o.TxHash())
	assert.Equal(t, testRecipient, o.Payee().CanonicalAddress, "payee survives restart")

	close(receipts.gate)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, types.PhaseAwaitingMethodChoice, o.Phase(), "stale settlement result must not touch state")
	_, successes, _ := notifier.counts()
	assert.Zero(t, successes)
}

func TestInvalidRecipientFailsWithoutNetwork(t *testing.T) {
	srv, rec := relayServer(t, "s1")
	notifier := &recordingNotifier{}

	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
	}, WithNotifier(notifier))
	require.NoError(t, err)
	defer o.Close()

	err = o.Start(context.Background(), types.MethodScan)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRecipient, types.CodeOf(err))
	assert.Equal(t, types.PhaseFailed, o.Phase())
	assert.Zero(t, rec.hits.Load(), "no relayer call may be made for an invalid recipient")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.errors, 1)
	assert.Equal(t, "Invalid address", notifier.errors[0])
}

func TestResolutionFailureSurfacesError(t *testing.T) {
	srv, _ := relayServer(t, "s1")
	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
	})
	require.NoError(t, err)
	defer o.Close()

	err = o.SetPayee(context.Background(), "nobody.base")
	require.Error(t, err)
	assert.Equal(t, types.ErrResolutionFailed, types.CodeOf(err))
	assert.Equal(t, types.PhaseIdle, o.Phase())
}

func TestTapFlowRequestsContactlessSubmission(t *testing.T) {
	srv, rec := relayServer(t, "tap-1")
	wallet := &recordingWallet{}

	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
		Wallet:   wallet,
	})
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, testRecipient))
	require.NoError(t, o.SetBaseAmount(decimal.RequireFromString("9.99")))
	require.NoError(t, o.Start(ctx, types.MethodTap))

	assert.Equal(t, types.PhaseWaitingForSubmission, o.Phase())
	assert.Empty(t, o.QRPayload(), "tap flow renders no link")

	reqs := wallet.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].Type)
	assert.Equal(t, srv.URL+"/api/paymentTxParams/tap-1", reqs[0].URI)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(rec.lastBody(), &wire))
	assert.Equal(t, "eip712", wire["payloadType"])
	assert.Equal(t, "TransferWithAuthorization", wire["primaryType"])
}

func TestTapFlowToleratesWalletFailure(t *testing.T) {
	srv, _ := relayServer(t, "tap-2")
	wallet := &recordingWallet{err: fmt.Errorf("wallet rejected")}

	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
		Wallet:   wallet,
	})
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, testRecipient))
	require.NoError(t, o.SetBaseAmount(decimal.NewFromInt(1)))

	require.NoError(t, o.Start(ctx, types.MethodTap))
	assert.Equal(t, types.PhaseWaitingForSubmission, o.Phase())
}

func TestQRPayloadSurvivesRegistrationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
	})
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, testRecipient))
	require.NoError(t, o.SetBaseAmount(decimal.NewFromInt(4)))

	err = o.Start(ctx, types.MethodScan)
	require.Error(t, err)
	assert.Equal(t, types.ErrRegistrationFail, types.CodeOf(err))
	assert.Equal(t, types.PhaseFailed, o.Phase())
	assert.NotEmpty(t, o.QRPayload(), "link stays renderable so the payer is not left blank")
}

func TestMutationRejectedAfterStart(t *testing.T) {
	srv, _ := relayServer(t, "s1")
	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
	})
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, testRecipient))
	require.NoError(t, o.SetBaseAmount(decimal.NewFromInt(7)))
	require.NoError(t, o.Start(ctx, types.MethodScan))

	assert.Equal(t, types.ErrSessionSuperseded, types.CodeOf(o.SetTip(decimal.NewFromInt(1))))
	assert.Equal(t, types.ErrSessionSuperseded, types.CodeOf(o.SetBaseAmount(decimal.NewFromInt(8))))
	assert.Equal(t, types.ErrSessionSuperseded, types.CodeOf(o.Start(ctx, types.MethodScan)))
	assert.Equal(t, types.ErrSessionSuperseded, types.CodeOf(o.SetPayee(ctx, testRecipient)))
}

func TestNegativeAmountsRejected(t *testing.T) {
	srv, _ := relayServer(t, "s1")
	o, err := New(testConfig(srv.URL), Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
	})
	require.NoError(t, err)
	defer o.Close()

	assert.Equal(t, types.ErrPayloadValidation, types.CodeOf(o.SetBaseAmount(decimal.NewFromInt(-1))))
	assert.Equal(t, types.ErrPayloadValidation, types.CodeOf(o.SetTip(decimal.NewFromInt(-1))))
}

func TestPreDelayAndResolvedCallback(t *testing.T) {
	srv, _ := relayServer(t, "s1")
	names := &fakeNames{entries: map[string]resolver.ResolvedName{
		"alice.base": {Address: testRecipient},
	}}

	var resolved []types.PayeeIdentity
	o, err := New(testConfig(srv.URL), Deps{
		Names:    names,
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
	},
		WithPreDelay(50*time.Millisecond),
		WithOnResolved(func(id types.PayeeIdentity) { resolved = append(resolved, id) }),
	)
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	require.NoError(t, o.SetPayee(ctx, "alice.base"))
	require.NoError(t, o.SetPayee(ctx, "alice.base"))
	require.Len(t, resolved, 1, "callback fires once per distinct address")
	assert.Equal(t, testRecipient, resolved[0].CanonicalAddress)

	require.NoError(t, o.SetBaseAmount(decimal.NewFromInt(1)))
	started := time.Now()
	require.NoError(t, o.Start(ctx, types.MethodScan))
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RelayerURL = "not a url"
	_, err := New(cfg, Deps{
		Names:    &fakeNames{},
		Receipts: &immediateReceipts{},
		Push:     newFakePush(),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigError, types.CodeOf(err))
}

package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod selects which checkout flow drives a session.
type PaymentMethod string

const (
	// MethodTap instructs a near-field-enabled wallet to fetch and execute
	// the payload autonomously.
	MethodTap PaymentMethod = "tap"

	// MethodScan renders the payload as a scannable payment link.
	MethodScan PaymentMethod = "scan"
)

func (m PaymentMethod) String() string {
	return string(m)
}

// Valid reports whether the method is one of the supported flows.
func (m PaymentMethod) Valid() bool {
	return m == MethodTap || m == MethodScan
}

// SessionPhase is the lifecycle position of a checkout session.
// Phases only advance; the single exception is an explicit restart,
// which returns the session to PhaseIdle under a new epoch.
type SessionPhase int

const (
	PhaseIdle SessionPhase = iota
	PhaseAwaitingMethodChoice
	PhaseBuildingPayload
	PhaseRegisteringSession
	PhaseWaitingForSubmission
	PhaseTransactionSubmitted
	PhaseTransactionConfirmed
	PhaseFailed
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingMethodChoice:
		return "awaiting_method_choice"
	case PhaseBuildingPayload:
		return "building_payload"
	case PhaseRegisteringSession:
		return "registering_session"
	case PhaseWaitingForSubmission:
		return "waiting_for_submission"
	case PhaseTransactionSubmitted:
		return "transaction_submitted"
	case PhaseTransactionConfirmed:
		return "transaction_confirmed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Terminal reports whether no further transition can occur for the session.
func (p SessionPhase) Terminal() bool {
	return p == PhaseTransactionConfirmed || p == PhaseFailed
}

// PayeeIdentity is the resolved recipient of a payment. CanonicalAddress is
// immutable once a session has started.
type PayeeIdentity struct {
	// Lowercase 0x-prefixed hex address the payment is sent to.
	CanonicalAddress string `json:"canonicalAddress"`

	// Human-readable name shown to the payer. For raw-address input this is
	// the address itself unless a reverse lookup supplies a name.
	DisplayName string `json:"displayName"`

	AvatarURL string `json:"avatarUrl,omitempty"`
}

// AmountBreakdown splits a charge into its fixed base and a mutable tip.
// The total is always derived, never stored, so the parts cannot drift.
type AmountBreakdown struct {
	BaseAmount decimal.Decimal `json:"baseAmount"`
	TipAmount  decimal.Decimal `json:"tipAmount"`
}

// Total returns baseAmount + tipAmount.
func (a AmountBreakdown) Total() decimal.Decimal {
	return a.BaseAmount.Add(a.TipAmount)
}

// Validate rejects negative components.
func (a AmountBreakdown) Validate() error {
	if a.BaseAmount.IsNegative() {
		return fmt.Errorf("baseAmount cannot be negative")
	}
	if a.TipAmount.IsNegative() {
		return fmt.Errorf("tipAmount cannot be negative")
	}
	return nil
}

// PayloadKind tags the two payment payload variants.
type PayloadKind string

const (
	PayloadLink      PayloadKind = "link"
	PayloadSignature PayloadKind = "signature"
)

// PaymentPayload is the tagged union of the two payload encodings. Exactly
// one variant is active per submission; consumers switch on Kind and must
// handle both.
type PaymentPayload interface {
	Kind() PayloadKind
}

// LinkPayload is a payment-request encoding scannable as a QR code. It is
// registered with the relayer as an eip681-flavored body.
type LinkPayload struct {
	Recipient     string          `json:"toAddress"`
	Amount        decimal.Decimal `json:"value"`
	ChainID       int64           `json:"chainId"`
	TokenContract string          `json:"contractAddress"`
}

func (LinkPayload) Kind() PayloadKind { return PayloadLink }

// linkWire is the relayer body for the link variant. The chain id travels as
// a string and the value as a bare JSON number, matching the relayer contract.
type linkWire struct {
	PayloadType     string      `json:"payloadType"`
	ToAddress       string      `json:"toAddress"`
	Value           json.Number `json:"value"`
	ChainID         string      `json:"chainId"`
	ContractAddress string      `json:"contractAddress"`
}

func (p LinkPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(linkWire{
		PayloadType:     "eip681",
		ToAddress:       p.Recipient,
		Value:           json.Number(p.Amount.String()),
		ChainID:         strconv.FormatInt(p.ChainID, 10),
		ContractAddress: p.TokenContract,
	})
}

// EIP712Domain is the typed-data domain separator for the signature variant.
type EIP712Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// TransferAuthorization carries the EIP-3009 TransferWithAuthorization
// message fields. Numeric fields are decimal strings; Nonce is 0x-prefixed
// bytes32 hex.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignaturePayload is a typed-data signing request for direct wallet
// submission, bypassing the scan step. Amount is the human-denominated
// decimal string; Authorization.Value holds the same amount in atomic units.
type SignaturePayload struct {
	Recipient     string                `json:"recipient"`
	Amount        string                `json:"amount"`
	Domain        EIP712Domain          `json:"domain"`
	Authorization TransferAuthorization `json:"authorization"`
}

func (SignaturePayload) Kind() PayloadKind { return PayloadSignature }

// signatureWire is the relayer body for the signature variant: the full
// typed-data envelope a wallet can sign without further context.
type signatureWire struct {
	PayloadType string                      `json:"payloadType"`
	Types       map[string][]typedDataField `json:"types"`
	PrimaryType string                      `json:"primaryType"`
	Domain      EIP712Domain                `json:"domain"`
	Message     TransferAuthorization       `json:"message"`
}

type typedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (p SignaturePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureWire{
		PayloadType: "eip712",
		Types: map[string][]typedDataField{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain:      p.Domain,
		Message:     p.Authorization,
	})
}

// PaymentSession is a read-only snapshot of one registered payment attempt,
// exposed to the presentation layer. SessionID is the opaque server-issued
// key correlating push events to this session.
type PaymentSession struct {
	SessionID string         `json:"sessionId"`
	Payload   PaymentPayload `json:"payload,omitempty"`
	TxHash    string         `json:"txHash,omitempty"`
	Phase     SessionPhase   `json:"phase"`
}

// Config holds the static wiring of a checkout deployment.
type Config struct {
	// Base URL of the relaying service, without trailing slash.
	RelayerURL string `json:"relayerUrl" validate:"required,url"`

	// JSON-RPC endpoint used for settlement polling.
	RPCUrl string `json:"rpcUrl" validate:"required,url"`

	ChainID       int64  `json:"chainId" validate:"required,gt=0"`
	TokenContract string `json:"tokenContract" validate:"required,len=42,startswith=0x"`
	TokenDecimals int32  `json:"tokenDecimals" validate:"gte=0,lte=18"`

	// Base URL of the public explorer used for the terminal tx link.
	ExplorerURL string `json:"explorerUrl" validate:"required,url"`

	// Settlement polling bounds. The interval is fixed, not exponential.
	PollAttempts int           `json:"pollAttempts" validate:"gt=0"`
	PollInterval time.Duration `json:"pollInterval"`

	// Pacing delay inserted before payload construction so a host UI can
	// render its loading state. Zero disables it.
	PreDelay time.Duration `json:"preDelay"`
}

// DefaultConfig returns the Base mainnet USDC wiring.
func DefaultConfig() Config {
	return Config{
		RelayerURL:    "https://relayer.merchkit.dev",
		RPCUrl:        "https://mainnet.base.org",
		ChainID:       BaseChainID,
		TokenContract: BaseUSDCContract,
		TokenDecimals: USDCDecimals,
		ExplorerURL:   BaseExplorerURL,
		PollAttempts:  DefaultPollAttempts,
		PollInterval:  DefaultPollInterval,
		PreDelay:      time.Second,
	}
}

// CheckoutError is the error type surfaced across package boundaries.
type CheckoutError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *CheckoutError) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidRecipient  = "INVALID_RECIPIENT"
	ErrResolutionFailed  = "RESOLUTION_FAILED"
	ErrPayloadValidation = "PAYLOAD_VALIDATION"
	ErrRegistrationFail  = "REGISTRATION_FAILED"
	ErrSettlementTimeout = "SETTLEMENT_TIMEOUT"
	ErrSettlementRead    = "SETTLEMENT_READ"
	ErrSessionSuperseded = "SESSION_SUPERSEDED"
	ErrConfigError       = "CONFIG_ERROR"
)

// CodeOf extracts the checkout error code from err, or "" when err carries
// no CheckoutError in its chain.
func CodeOf(err error) string {
	for err != nil {
		if ce, ok := err.(*CheckoutError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

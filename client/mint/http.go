// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/netreq"
)

// unitForCurrency maps a currency code to the Cashu unit tag. Bitcoin
// amounts are satoshis on the wire.
func unitForCurrency(c wallet.Currency) string {
	if c == wallet.BTC {
		return "sat"
	}
	return strings.ToLower(string(c))
}

// currencyForUnit is the inverse of unitForCurrency.
func currencyForUnit(unit string) wallet.Currency {
	if unit == "sat" || unit == "msat" {
		return wallet.BTC
	}
	return wallet.Currency(strings.ToUpper(unit))
}

// cashuError is the error body shape of the standard mint endpoints.
type cashuError struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

// HTTPCapability is the Capability implementation for a standard Cashu mint
// over its REST and websocket endpoints.
type HTTPCapability struct {
	ctx     context.Context
	baseURL string

	infoMtx sync.Mutex
	info    *mintInfo

	subMtx sync.Mutex
	sub    *WsSubscriber
}

var _ Capability = (*HTTPCapability)(nil)

// NewHTTPCapability creates a capability client for the mint at baseURL. The
// context bounds the lifetime of the client's websocket connection.
func NewHTTPCapability(ctx context.Context, baseURL string) (*HTTPCapability, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("malformed mint URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported mint URL scheme %q", u.Scheme)
	}
	return &HTTPCapability{
		ctx:     ctx,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// get wraps netreq.Get with mint error classification.
func (m *HTTPCapability) get(ctx context.Context, path string, thing any) error {
	var cErr cashuError
	var statusErr *netreq.StatusError
	err := netreq.Get(ctx, m.baseURL+path, thing, netreq.WithErrorParsing(&cErr))
	if errors.As(err, &statusErr) {
		return m.protocolError(statusErr, &cErr)
	}
	return err
}

// post wraps netreq.Post with mint error classification.
func (m *HTTPCapability) post(ctx context.Context, path string, body, thing any) error {
	var cErr cashuError
	var statusErr *netreq.StatusError
	err := netreq.Post(ctx, m.baseURL+path, body, thing, netreq.WithErrorParsing(&cErr))
	if errors.As(err, &statusErr) {
		return m.protocolError(statusErr, &cErr)
	}
	return err
}

func (m *HTTPCapability) protocolError(statusErr *netreq.StatusError, cErr *cashuError) error {
	if cErr.Code != 0 {
		return &wallet.ProtocolError{Code: cErr.Code, Detail: cErr.Detail}
	}
	if statusErr.Status == http.StatusTooManyRequests {
		return &wallet.ProtocolError{Code: ErrRateLimited, Detail: "rate limited"}
	}
	// 5xx responses are transient from the client's perspective.
	if statusErr.Status >= 500 {
		return &wallet.NetworkError{Err: statusErr}
	}
	return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: statusErr.Error()}
}

// keysetInfo is an entry of the GET /v1/keysets listing: metadata without
// keys.
type keysetInfo struct {
	ID          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePPK uint64 `json:"input_fee_ppk"`
}

type keysetsResponse struct {
	Keysets []keysetInfo `json:"keysets"`
}

type keysResponse struct {
	Keysets []struct {
		ID   string            `json:"id"`
		Unit string            `json:"unit"`
		Keys map[uint64]string `json:"keys"`
	} `json:"keysets"`
}

// ActiveKeyset implements Capability.
func (m *HTTPCapability) ActiveKeyset(ctx context.Context, currency wallet.Currency) (*Keyset, error) {
	var listing keysetsResponse
	if err := m.get(ctx, "/v1/keysets", &listing); err != nil {
		return nil, err
	}
	unit := unitForCurrency(currency)
	for _, info := range listing.Keysets {
		if info.Active && info.Unit == unit {
			return m.fetchKeys(ctx, info)
		}
	}
	return nil, &wallet.ProtocolError{Code: ErrUnsupportedUnit,
		Detail: "no active keyset for unit " + unit}
}

// Keyset implements Capability.
func (m *HTTPCapability) Keyset(ctx context.Context, keysetID string) (*Keyset, error) {
	var listing keysetsResponse
	if err := m.get(ctx, "/v1/keysets", &listing); err != nil {
		return nil, err
	}
	for _, info := range listing.Keysets {
		if info.ID == keysetID {
			return m.fetchKeys(ctx, info)
		}
	}
	return nil, &wallet.ProtocolError{Code: ErrKeysetUnknown, Detail: "unknown keyset " + keysetID}
}

func (m *HTTPCapability) fetchKeys(ctx context.Context, info keysetInfo) (*Keyset, error) {
	var resp keysResponse
	if err := m.get(ctx, "/v1/keys/"+info.ID, &resp); err != nil {
		return nil, err
	}
	for _, entry := range resp.Keysets {
		if entry.ID != info.ID {
			continue
		}
		ks := &Keyset{
			ID:          info.ID,
			Currency:    currencyForUnit(info.Unit),
			Active:      info.Active,
			Keys:        entry.Keys,
			InputFeePPK: info.InputFeePPK,
		}
		if err := ks.Validate(); err != nil {
			return nil, err
		}
		return ks, nil
	}
	return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
		Detail: "keys response missing keyset " + info.ID}
}

type mintQuoteRequest struct {
	Amount      uint64 `json:"amount"`
	Unit        string `json:"unit"`
	Description string `json:"description,omitempty"`
	Pubkey      string `json:"pubkey,omitempty"`
}

// CreateQuote implements Capability.
func (m *HTTPCapability) CreateQuote(ctx context.Context, amount wallet.Amount, lockingKey []byte, description string) (*Quote, error) {
	req := &mintQuoteRequest{
		Amount:      amount.Value,
		Unit:        unitForCurrency(amount.Currency),
		Description: description,
	}
	if len(lockingKey) > 0 {
		req.Pubkey = hex.EncodeToString(lockingKey)
	}
	q := new(Quote)
	if err := m.post(ctx, "/v1/mint/quote/bolt11", req, q); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// CheckQuote implements Capability.
func (m *HTTPCapability) CheckQuote(ctx context.Context, quoteID string) (*Quote, error) {
	q := new(Quote)
	if err := m.get(ctx, "/v1/mint/quote/bolt11/"+url.PathEscape(quoteID), q); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

type meltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

// CreateMeltQuote implements Capability.
func (m *HTTPCapability) CreateMeltQuote(ctx context.Context, paymentRequest string) (*MeltQuote, error) {
	q := new(MeltQuote)
	err := m.post(ctx, "/v1/melt/quote/bolt11", &meltQuoteRequest{
		Request: paymentRequest,
		Unit:    "sat",
	}, q)
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

type meltRequest struct {
	Quote  string  `json:"quote"`
	Inputs []Proof `json:"inputs"`
}

// MeltProofs implements Capability.
func (m *HTTPCapability) MeltProofs(ctx context.Context, meltQuoteID string, proofs []Proof) (*MeltQuote, error) {
	q := new(MeltQuote)
	err := m.post(ctx, "/v1/melt/bolt11", &meltRequest{
		Quote:  meltQuoteID,
		Inputs: proofs,
	}, q)
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

type mintRequest struct {
	Quote   string           `json:"quote"`
	Outputs []BlindedMessage `json:"outputs"`
	// Witness is the locking-key signature over the quote id (NUT-20).
	Witness string `json:"signature,omitempty"`
}

type signaturesResponse struct {
	Signatures []BlindedSignature `json:"signatures"`
}

// MintProofs implements Capability.
func (m *HTTPCapability) MintProofs(ctx context.Context, quoteID string, outputs []BlindedMessage, witness []byte) ([]BlindedSignature, error) {
	req := &mintRequest{Quote: quoteID, Outputs: outputs}
	if len(witness) > 0 {
		req.Witness = hex.EncodeToString(witness)
	}
	var resp signaturesResponse
	if err := m.post(ctx, "/v1/mint/bolt11", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Signatures) != len(outputs) {
		return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
			Detail: fmt.Sprintf("%d signatures for %d outputs", len(resp.Signatures), len(outputs))}
	}
	return resp.Signatures, nil
}

type swapRequest struct {
	Inputs  []Proof          `json:"inputs"`
	Outputs []BlindedMessage `json:"outputs"`
}

// SwapProofs implements Capability.
func (m *HTTPCapability) SwapProofs(ctx context.Context, inputs []Proof, outputs []BlindedMessage) ([]BlindedSignature, error) {
	var resp signaturesResponse
	if err := m.post(ctx, "/v1/swap", &swapRequest{Inputs: inputs, Outputs: outputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Signatures) != len(outputs) {
		return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
			Detail: fmt.Sprintf("%d signatures for %d outputs", len(resp.Signatures), len(outputs))}
	}
	return resp.Signatures, nil
}

type restoreRequest struct {
	Outputs []BlindedMessage `json:"outputs"`
}

type restoreResponse struct {
	Outputs    []BlindedMessage   `json:"outputs"`
	Signatures []BlindedSignature `json:"signatures"`
}

// Restore implements Capability. The mint returns only the outputs it has
// signed. The result is re-aligned to the request order and truncated to the
// contiguous signed prefix, which is what deterministic re-derivation of a
// single entity's outputs produces.
func (m *HTTPCapability) Restore(ctx context.Context, outputs []BlindedMessage) ([]BlindedSignature, error) {
	var resp restoreResponse
	if err := m.post(ctx, "/v1/restore", &restoreRequest{Outputs: outputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Outputs) != len(resp.Signatures) {
		return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
			Detail: fmt.Sprintf("restore returned %d outputs with %d signatures",
				len(resp.Outputs), len(resp.Signatures))}
	}
	byBlinded := make(map[string]BlindedSignature, len(resp.Outputs))
	for i, o := range resp.Outputs {
		byBlinded[o.B] = resp.Signatures[i]
	}
	sigs := make([]BlindedSignature, 0, len(byBlinded))
	for _, o := range outputs {
		sig, found := byBlinded[o.B]
		if !found {
			break
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// mintInfo is the subset of GET /v1/info the client cares about: websocket
// subscription support per method and unit (NUT-17).
type mintInfo struct {
	Nuts map[string]struct {
		Supported supportedField `json:"supported"`
	} `json:"nuts"`
}

// supportedField decodes both NUT-17's array-of-objects form and the plain
// boolean used by most other nut entries.
type supportedField struct {
	Entries []struct {
		Method   string   `json:"method"`
		Unit     string   `json:"unit"`
		Commands []string `json:"commands"`
	}
}

func (f *supportedField) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &f.Entries)
	}
	return nil // boolean or absent: no subscription entries
}

func (m *HTTPCapability) mintInfo() *mintInfo {
	m.infoMtx.Lock()
	defer m.infoMtx.Unlock()
	if m.info == nil {
		info := new(mintInfo)
		if err := m.get(m.ctx, "/v1/info", info); err != nil {
			log.Warnf("mint info fetch for %s failed: %v", m.baseURL, err)
			return nil // not cached, retried on next call
		}
		m.info = info
	}
	return m.info
}

// SupportsSubscriptions implements Capability.
func (m *HTTPCapability) SupportsSubscriptions(method string, currency wallet.Currency) bool {
	info := m.mintInfo()
	if info == nil {
		return false
	}
	ws, found := info.Nuts["17"]
	if !found {
		return false
	}
	unit := unitForCurrency(currency)
	for _, entry := range ws.Supported.Entries {
		if entry.Method != "bolt11" || entry.Unit != unit {
			continue
		}
		for _, cmd := range entry.Commands {
			if cmd == method {
				return true
			}
		}
	}
	return false
}

// SubscribeQuoteUpdates implements Capability, connecting the websocket on
// first use.
func (m *HTTPCapability) SubscribeQuoteUpdates(ctx context.Context, quoteIDs []string, onUpdate QuoteUpdateHandler) (Unsubscribe, error) {
	m.subMtx.Lock()
	defer m.subMtx.Unlock()
	if m.sub == nil {
		wsURL := strings.Replace(m.baseURL, "http", "ws", 1) + "/v1/ws"
		sub, err := NewWsSubscriber(m.ctx, wsURL)
		if err != nil {
			return nil, fmt.Errorf("websocket connect error: %w", err)
		}
		m.sub = sub
	}
	return m.sub.Subscribe(ctx, quoteIDs, onUpdate)
}

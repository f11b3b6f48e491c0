// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/derive"
)

const (
	tUser     = "user1"
	tMintURL  = "https://mint.example.com"
	tKeysetID = "009a1f293253e41e"
)

var tSeed = bytes.Repeat([]byte{0x2a}, 64)

func tAccount() *Account {
	return &Account{
		ID:             "acct1",
		UserID:         tUser,
		Mint:           tMintURL,
		Currency:       wallet.BTC,
		DerivationPath: []uint32{0x80000000, 0},
	}
}

// tDB is an in-memory DB with version enforcement matching the bolt
// implementation.
type tDB struct {
	mtx          sync.Mutex
	quotes       map[string]*db.ReceiveQuote
	byProvider   map[string]string
	swaps        map[string]*db.TokenSwap
	byHash       map[string]string
	counters     map[string]uint32
	conflictNext int // inject n version conflicts on quote updates
}

func newTDB() *tDB {
	return &tDB{
		quotes:     make(map[string]*db.ReceiveQuote),
		byProvider: make(map[string]string),
		swaps:      make(map[string]*db.TokenSwap),
		byHash:     make(map[string]string),
		counters:   make(map[string]uint32),
	}
}

func (d *tDB) Run(ctx context.Context) { <-ctx.Done() }

func (d *tDB) CreateReceiveQuote(q *db.ReceiveQuote) (*db.ReceiveQuote, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	cp := *q
	cp.Version = 1
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	d.quotes[cp.ID] = &cp
	d.byProvider[cp.Mint+"\x00"+cp.ProviderQuoteID] = cp.ID
	ret := cp
	return &ret, nil
}

func (d *tDB) ReceiveQuote(id string) (*db.ReceiveQuote, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	q, found := d.quotes[id]
	if !found {
		return nil, db.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (d *tDB) ReceiveQuoteByProviderID(mintURL, providerQuoteID string) (*db.ReceiveQuote, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	id, found := d.byProvider[mintURL+"\x00"+providerQuoteID]
	if !found {
		return nil, db.ErrNotFound
	}
	cp := *d.quotes[id]
	return &cp, nil
}

func (d *tDB) UpdateReceiveQuote(q *db.ReceiveQuote) (*db.ReceiveQuote, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	stored, found := d.quotes[q.ID]
	if !found {
		return nil, db.ErrNotFound
	}
	if d.conflictNext > 0 {
		d.conflictNext--
		return nil, &wallet.ConflictError{ID: q.ID, Expected: q.Version, Actual: stored.Version}
	}
	if q.Version != stored.Version {
		return nil, &wallet.ConflictError{ID: q.ID, Expected: q.Version, Actual: stored.Version}
	}
	cp := *q
	cp.Version++
	cp.UpdatedAt = time.Now()
	d.quotes[cp.ID] = &cp
	ret := cp
	return &ret, nil
}

func (d *tDB) PendingReceiveQuotes(userID string) ([]*db.ReceiveQuote, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var qs []*db.ReceiveQuote
	for _, q := range d.quotes {
		if q.UserID == userID && !q.State.Terminal() {
			cp := *q
			qs = append(qs, &cp)
		}
	}
	return qs, nil
}

func (d *tDB) CreateTokenSwap(s *db.TokenSwap) (*db.TokenSwap, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, found := d.byHash[s.TokenHash]; found {
		return nil, db.ErrDuplicateToken
	}
	cp := *s
	cp.Version = 1
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	d.swaps[cp.ID] = &cp
	d.byHash[cp.TokenHash] = cp.ID
	ret := cp
	return &ret, nil
}

func (d *tDB) TokenSwap(id string) (*db.TokenSwap, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	s, found := d.swaps[id]
	if !found {
		return nil, db.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (d *tDB) TokenSwapByHash(tokenHash string) (*db.TokenSwap, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	id, found := d.byHash[tokenHash]
	if !found {
		return nil, db.ErrNotFound
	}
	cp := *d.swaps[id]
	return &cp, nil
}

func (d *tDB) UpdateTokenSwap(s *db.TokenSwap) (*db.TokenSwap, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	stored, found := d.swaps[s.ID]
	if !found {
		return nil, db.ErrNotFound
	}
	if s.Version != stored.Version {
		return nil, &wallet.ConflictError{ID: s.ID, Expected: s.Version, Actual: stored.Version}
	}
	cp := *s
	cp.Version++
	cp.UpdatedAt = time.Now()
	d.swaps[cp.ID] = &cp
	ret := cp
	return &ret, nil
}

func (d *tDB) PendingTokenSwaps(userID string) ([]*db.TokenSwap, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ss []*db.TokenSwap
	for _, s := range d.swaps {
		if s.UserID == userID && !s.State.Terminal() {
			cp := *s
			ss = append(ss, &cp)
		}
	}
	return ss, nil
}

func (d *tDB) ReserveCounter(keysetID string, n uint32) (uint32, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	first := d.counters[keysetID]
	d.counters[keysetID] = first + n
	return first, nil
}

// tCapability is a scriptable in-memory mint. It signs blinded messages with
// a real key, so unblinding in the completion path exercises the actual
// curve math.
type tCapability struct {
	mtx  sync.Mutex
	priv *secp256k1.PrivateKey
	ks   *mint.Keyset

	quotes      map[string]*mint.Quote
	quoteCount  int
	quoteExpiry time.Duration
	payOnCheck  bool
	mintingFee  uint64

	mintProofsErr error
	mintCalls     int
	mintGate      chan struct{} // when set, MintProofs blocks until closed
	swapProofsErr error
	restoreHook   func(sigs []mint.BlindedSignature) []mint.BlindedSignature
	meltQuoteHook func(paymentRequest string) (*mint.MeltQuote, error)
	meltExecHook  func(meltQuoteID string, proofs []mint.Proof) (*mint.MeltQuote, error)

	supportsSubs   bool
	subscribeDelay time.Duration // simulated subscribe RPC latency
	subCalls       [][]string    // coverage sets, in arrival order
	onUpdate       mint.QuoteUpdateHandler
}

func newTCapability() *tCapability {
	privB := bytes.Repeat([]byte{0x07}, 32)
	priv := secp256k1.PrivKeyFromBytes(privB)
	keys := make(map[uint64]string)
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	for d := uint64(1); d <= 1024; d <<= 1 {
		keys[d] = pubHex
	}
	return &tCapability{
		priv:        priv,
		ks:          &mint.Keyset{ID: tKeysetID, Currency: wallet.BTC, Active: true, Keys: keys},
		quotes:      make(map[string]*mint.Quote),
		quoteExpiry: time.Hour,
	}
}

func (m *tCapability) sign(outputs []mint.BlindedMessage) ([]mint.BlindedSignature, error) {
	sigs := make([]mint.BlindedSignature, len(outputs))
	for i, o := range outputs {
		bB, err := hex.DecodeString(o.B)
		if err != nil {
			return nil, err
		}
		B, err := secp256k1.ParsePubKey(bB)
		if err != nil {
			return nil, err
		}
		var p, r secp256k1.JacobianPoint
		B.AsJacobian(&p)
		secp256k1.ScalarMultNonConst(&m.priv.Key, &p, &r)
		r.ToAffine()
		sigs[i] = mint.BlindedSignature{
			Amount:   o.Amount,
			KeysetID: o.KeysetID,
			C:        hex.EncodeToString(secp256k1.NewPublicKey(&r.X, &r.Y).SerializeCompressed()),
		}
	}
	return sigs, nil
}

func (m *tCapability) ActiveKeyset(_ context.Context, _ wallet.Currency) (*mint.Keyset, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cp := *m.ks
	return &cp, nil
}

func (m *tCapability) Keyset(_ context.Context, keysetID string) (*mint.Keyset, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if keysetID != m.ks.ID {
		return nil, &wallet.ProtocolError{Code: mint.ErrKeysetUnknown, Detail: "unknown keyset"}
	}
	cp := *m.ks
	return &cp, nil
}

func (m *tCapability) CreateQuote(_ context.Context, amount wallet.Amount, lockingKey []byte, _ string) (*mint.Quote, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.quoteCount++
	q := &mint.Quote{
		ID:             fmt.Sprintf("pq-%d", m.quoteCount),
		Amount:         amount.Value,
		PaymentRequest: fmt.Sprintf("lnbc%d-%d", amount.Value, m.quoteCount),
		PaymentHash:    fmt.Sprintf("hash-%d", m.quoteCount),
		State:          mint.QuoteUnpaid,
		Expiry:         uint64(time.Now().Add(m.quoteExpiry).Unix()),
		MintingFee:     m.mintingFee,
		Pubkey:         hex.EncodeToString(lockingKey),
	}
	m.quotes[q.ID] = q
	cp := *q
	return &cp, nil
}

func (m *tCapability) CheckQuote(_ context.Context, quoteID string) (*mint.Quote, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	q, found := m.quotes[quoteID]
	if !found {
		return nil, &wallet.ProtocolError{Code: mint.ErrInvalidResponse, Detail: "unknown quote"}
	}
	cp := *q
	if m.payOnCheck && cp.State == mint.QuoteUnpaid {
		cp.State = mint.QuotePaid
	}
	return &cp, nil
}

func (m *tCapability) CreateMeltQuote(ctx context.Context, paymentRequest string) (*mint.MeltQuote, error) {
	m.mtx.Lock()
	hook := m.meltQuoteHook
	m.mtx.Unlock()
	if hook == nil {
		return nil, errors.New("no melt quote hook")
	}
	return hook(paymentRequest)
}

func (m *tCapability) MeltProofs(ctx context.Context, meltQuoteID string, proofs []mint.Proof) (*mint.MeltQuote, error) {
	m.mtx.Lock()
	hook := m.meltExecHook
	m.mtx.Unlock()
	if hook == nil {
		return nil, errors.New("no melt exec hook")
	}
	return hook(meltQuoteID, proofs)
}

func (m *tCapability) MintProofs(_ context.Context, quoteID string, outputs []mint.BlindedMessage, witness []byte) ([]mint.BlindedSignature, error) {
	m.mtx.Lock()
	gate := m.mintGate
	m.mtx.Unlock()
	if gate != nil {
		<-gate
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.mintCalls++
	if m.mintProofsErr != nil {
		return nil, m.mintProofsErr
	}
	if q, found := m.quotes[quoteID]; found {
		q.State = mint.QuoteIssued
	}
	return m.sign(outputs)
}

func (m *tCapability) SwapProofs(_ context.Context, inputs []mint.Proof, outputs []mint.BlindedMessage) ([]mint.BlindedSignature, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.swapProofsErr != nil {
		return nil, m.swapProofsErr
	}
	return m.sign(outputs)
}

func (m *tCapability) Restore(_ context.Context, outputs []mint.BlindedMessage) ([]mint.BlindedSignature, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	sigs, err := m.sign(outputs)
	if err != nil {
		return nil, err
	}
	if m.restoreHook != nil {
		sigs = m.restoreHook(sigs)
	}
	return sigs, nil
}

func (m *tCapability) SupportsSubscriptions(_ string, _ wallet.Currency) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.supportsSubs
}

func (m *tCapability) SubscribeQuoteUpdates(_ context.Context, quoteIDs []string, onUpdate mint.QuoteUpdateHandler) (mint.Unsubscribe, error) {
	m.mtx.Lock()
	delay := m.subscribeDelay
	m.mtx.Unlock()
	if delay > 0 {
		time.Sleep(delay) // in-flight subscribe RPC
	}
	m.mtx.Lock()
	m.onUpdate = onUpdate
	m.subCalls = append(m.subCalls, quoteIDs)
	m.mtx.Unlock()
	return func() {}, nil
}

// push simulates a provider-side quote update on the active subscription.
func (m *tCapability) push(q *mint.Quote) {
	m.mtx.Lock()
	onUpdate := m.onUpdate
	m.mtx.Unlock()
	if onUpdate != nil {
		onUpdate(q)
	}
}

// payQuote marks a provider quote paid.
func (m *tCapability) payQuote(quoteID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if q, found := m.quotes[quoteID]; found && q.State == mint.QuoteUnpaid {
		q.State = mint.QuotePaid
	}
}

type testRig struct {
	core   *Core
	db     *tDB
	caps   map[string]*tCapability
	feed   <-chan *Notification
	cancel context.CancelFunc
}

func newTestRig(t *testing.T, tick time.Duration) *testRig {
	t.Helper()
	rig := &testRig{
		db:   newTDB(),
		caps: map[string]*tCapability{tMintURL: newTCapability()},
	}
	c, err := New(&Config{
		DB:     rig.db,
		UserID: tUser,
		Keys:   NewSeedKeys(tSeed),
		NewCapability: func(_ context.Context, mintURL string) (mint.Capability, error) {
			cap, found := rig.caps[mintURL]
			if !found {
				return nil, fmt.Errorf("no test capability for %s", mintURL)
			}
			return cap, nil
		},
		TickInterval:     tick,
		SlowTickInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	rig.core = c
	rig.feed = c.NotificationFeed()
	ctx, cancel := context.WithCancel(context.Background())
	rig.cancel = cancel
	go c.Run(ctx)
	<-c.Ready()
	t.Cleanup(cancel)
	return rig
}

func (rig *testRig) cap() *tCapability { return rig.caps[tMintURL] }

func (rig *testRig) waitForNote(t *testing.T, topic string) *Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-rig.feed:
			if n.Topic == topic {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s notification", topic)
		}
	}
}

func TestCompleteReceiveQuote(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	acct := tAccount()

	q, err := rig.core.CreateReceiveQuote(ctx, acct, wallet.NewAmount(1000, wallet.BTC), "latte")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	if q.State != db.QuoteStateUnpaid || q.Version != 1 {
		t.Fatalf("new quote state %s version %d", q.State, q.Version)
	}
	if len(q.LockingPath) != len(acct.DerivationPath)+1 {
		t.Fatalf("locking path length %d", len(q.LockingPath))
	}
	if q.KeysetID != "" || len(q.OutputAmounts) != 0 {
		t.Fatalf("derivation parameters fixed before payment")
	}

	// Not paid yet.
	if _, _, err := rig.core.CompleteReceiveQuote(ctx, q.ID); !errors.Is(err, ErrQuoteNotPaid) {
		t.Fatalf("expected ErrQuoteNotPaid, got %v", err)
	}

	rig.cap().payOnCheck = true
	completed, proofs, err := rig.core.CompleteReceiveQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("CompleteReceiveQuote error: %v", err)
	}
	if completed.State != db.QuoteStateCompleted {
		t.Fatalf("state %s after completion", completed.State)
	}
	// One bump for PAID with fixed parameters, one for COMPLETED.
	if completed.Version != 3 {
		t.Fatalf("version %d after completion, expected 3", completed.Version)
	}
	if completed.KeysetID != tKeysetID {
		t.Fatalf("keyset %s", completed.KeysetID)
	}
	if v := mint.ProofsValue(proofs); v != 1000 {
		t.Fatalf("proofs value %d, expected 1000", v)
	}

	// Idempotent re-completion: same row, no new proofs, no version bump.
	again, proofs2, err := rig.core.CompleteReceiveQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("idempotent CompleteReceiveQuote error: %v", err)
	}
	if again.Version != 3 || len(proofs2) != 0 {
		t.Fatalf("re-completion version %d, %d proofs", again.Version, len(proofs2))
	}
}

func TestCompleteRecoversFromPartialMint(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(1000, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	rig.cap().payOnCheck = true
	// Simulate a previous attempt whose response was lost: the mint says
	// issued, and restore recovers the full signature set.
	rig.cap().mintProofsErr = &wallet.ProtocolError{Code: mint.ErrQuoteAlreadyIssued, Detail: "issued"}

	completed, proofs, err := rig.core.CompleteReceiveQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("CompleteReceiveQuote error: %v", err)
	}
	if completed.State != db.QuoteStateCompleted {
		t.Fatalf("state %s", completed.State)
	}
	if v := mint.ProofsValue(proofs); v != 1000 {
		t.Fatalf("restored proofs value %d", v)
	}
}

func TestCompletePartialRestoreStaysPaid(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(1000, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	rig.cap().payOnCheck = true
	rig.cap().mintProofsErr = &wallet.ProtocolError{Code: mint.ErrQuoteAlreadyIssued, Detail: "issued"}
	rig.cap().restoreHook = func(sigs []mint.BlindedSignature) []mint.BlindedSignature {
		return sigs[:1] // mint only remembers one signature
	}

	if _, _, err := rig.core.CompleteReceiveQuote(ctx, q.ID); err == nil {
		t.Fatalf("expected error for partial restore of an issued quote")
	}
	stored, _ := rig.core.ReceiveQuote(q.ID)
	if stored.State != db.QuoteStatePaid {
		t.Fatalf("state %s after failed recovery, expected PAID", stored.State)
	}
}

func TestCompleteConflictRetry(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(1000, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	rig.cap().payOnCheck = true
	rig.db.conflictNext = 1

	completed, _, err := rig.core.CompleteReceiveQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("CompleteReceiveQuote error with injected conflict: %v", err)
	}
	if completed.State != db.QuoteStateCompleted || completed.Version != 3 {
		t.Fatalf("state %s version %d", completed.State, completed.Version)
	}
}

func TestCompleteRejectsExcessiveMintingFee(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	// A hostile or broken provider reports a minting fee larger than the
	// quote amount. The unsigned receivable must not wrap around.
	rig.cap().mintingFee = 1001

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(1000, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	rig.cap().payOnCheck = true

	if _, _, err := rig.core.CompleteReceiveQuote(ctx, q.ID); err == nil {
		t.Fatalf("completed a quote whose minting fee exceeds its amount")
	} else if !errors.As(err, new(*wallet.ProtocolError)) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
	stored, _ := rig.core.ReceiveQuote(q.ID)
	if stored.State != db.QuoteStateUnpaid || len(stored.OutputAmounts) != 0 {
		t.Fatalf("state %s with %d output amounts after rejected fee",
			stored.State, len(stored.OutputAmounts))
	}
}

func TestConcurrentCompletionsCollapse(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(1000, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	rig.cap().payOnCheck = true
	gate := make(chan struct{})
	rig.cap().mintGate = gate

	// Two racing completions, e.g. a user action and a tracking callback,
	// must collapse into one in-flight attempt whose result both observe.
	type result struct {
		quote  *db.ReceiveQuote
		proofs []mint.Proof
		err    error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cq, proofs, err := rig.core.CompleteReceiveQuote(ctx, q.ID)
			results[i] = result{cq, proofs, err}
		}(i)
	}
	time.Sleep(100 * time.Millisecond) // both attempts in flight
	close(gate)
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			t.Fatalf("completion %d error: %v", i, r.err)
		}
		if r.quote.State != db.QuoteStateCompleted || r.quote.Version != 3 {
			t.Fatalf("completion %d state %s version %d", i, r.quote.State, r.quote.Version)
		}
		if v := mint.ProofsValue(r.proofs); v != 1000 {
			t.Fatalf("completion %d proofs value %d, expected 1000", i, v)
		}
	}
	rig.cap().mtx.Lock()
	calls := rig.cap().mintCalls
	rig.cap().mtx.Unlock()
	if calls != 1 {
		t.Fatalf("%d mint calls for racing completions, expected 1", calls)
	}
}

func TestExpireReceiveQuote(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	rig.cap().quoteExpiry = -time.Minute // already expired

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(1000, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}

	// The tracker's expiry timer fires immediately and settles the quote.
	rig.waitForNote(t, TopicQuoteExpired)
	expired, err := rig.core.ReceiveQuote(q.ID)
	if err != nil {
		t.Fatalf("ReceiveQuote error: %v", err)
	}
	if expired.State != db.QuoteStateExpired || expired.Version != 2 {
		t.Fatalf("state %s version %d", expired.State, expired.Version)
	}

	// Expiring again is a no-op.
	again, err := rig.core.ExpireReceiveQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("idempotent ExpireReceiveQuote error: %v", err)
	}
	if again.Version != 2 {
		t.Fatalf("version %d after no-op expire", again.Version)
	}

	if _, _, err := rig.core.CompleteReceiveQuote(ctx, q.ID); !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
}

func TestPollingCompletesQuote(t *testing.T) {
	rig := newTestRig(t, 10*time.Millisecond)
	ctx := context.Background()

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(100, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}

	rig.cap().payQuote(q.ProviderQuoteID)
	rig.waitForNote(t, TopicQuoteCompleted)
	completed, _ := rig.core.ReceiveQuote(q.ID)
	if completed.State != db.QuoteStateCompleted {
		t.Fatalf("state %s after polled payment", completed.State)
	}
}

func TestSubscriptionCompletesQuote(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	rig.cap().supportsSubs = true

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(100, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	if rig.cap().onUpdate == nil {
		t.Fatalf("no subscription installed for tracked quote")
	}

	rig.cap().payQuote(q.ProviderQuoteID)
	rig.cap().push(&mint.Quote{ID: q.ProviderQuoteID, State: mint.QuotePaid, Expiry: uint64(time.Now().Add(time.Hour).Unix())})
	rig.waitForNote(t, TopicQuoteCompleted)
	completed, _ := rig.core.ReceiveQuote(q.ID)
	if completed.State != db.QuoteStateCompleted {
		t.Fatalf("state %s after pushed payment", completed.State)
	}
}

func TestSubscriptionResyncSerialized(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	rig.cap().supportsSubs = true
	rig.cap().subscribeDelay = 20 * time.Millisecond

	// Quotes tracked from racing goroutines while the subscribe RPC is slow:
	// the last installed coverage set must include every tracked quote, never
	// a stale subset.
	var wg sync.WaitGroup
	pids := make([]string, 2)
	for i := range pids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(uint64(100*(i+1)), wallet.BTC), "")
			if err != nil {
				t.Errorf("CreateReceiveQuote error: %v", err)
				return
			}
			pids[i] = q.ProviderQuoteID
		}(i)
	}
	wg.Wait()

	rig.cap().mtx.Lock()
	calls := rig.cap().subCalls
	last := calls[len(calls)-1]
	rig.cap().mtx.Unlock()
	covered := make(map[string]bool, len(last))
	for _, id := range last {
		covered[id] = true
	}
	for _, pid := range pids {
		if !covered[pid] {
			t.Fatalf("final coverage %v is missing quote %s", last, pid)
		}
	}
}

func TestSparkReceiveQuote(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	q, err := rig.core.CreateSparkReceiveQuote(ctx, tAccount(), wallet.NewAmount(500, wallet.BTC), "spark")
	if err != nil {
		t.Fatalf("CreateSparkReceiveQuote error: %v", err)
	}
	if q.Provider != db.ProviderSpark || len(q.LockingPath) != 0 {
		t.Fatalf("spark quote provider %s, locking path %v", q.Provider, q.LockingPath)
	}

	rig.cap().payOnCheck = true
	completed, proofs, err := rig.core.CompleteReceiveQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("CompleteReceiveQuote error: %v", err)
	}
	if completed.State != db.QuoteStateCompleted {
		t.Fatalf("state %s", completed.State)
	}
	// Spark settles provider-side. Nothing is minted.
	if len(proofs) != 0 || completed.KeysetID != "" {
		t.Fatalf("spark completion minted: %d proofs, keyset %q", len(proofs), completed.KeysetID)
	}
}

func tToken(amounts ...uint64) *Token {
	proofs := make([]mint.Proof, len(amounts))
	for i, a := range amounts {
		proofs[i] = mint.Proof{Amount: a, KeysetID: tKeysetID,
			Secret: fmt.Sprintf("secret-%d", i), C: "02" + fmt.Sprintf("%064x", i+1)}
	}
	return &Token{Mint: tMintURL, Currency: wallet.BTC, Proofs: proofs}
}

func TestTokenSwap(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	acct := tAccount()
	token := tToken(600, 400)

	s, err := rig.core.CreateTokenSwap(ctx, acct, token)
	if err != nil {
		t.Fatalf("CreateTokenSwap error: %v", err)
	}
	if s.State != db.SwapStatePending || s.ReceiveAmount != 1000 {
		t.Fatalf("swap state %s receive amount %d", s.State, s.ReceiveAmount)
	}
	if len(s.OutputAmounts) == 0 || s.KeysetID != tKeysetID {
		t.Fatalf("derivation parameters not fixed at creation")
	}

	// A second claim of the same token is refused before any mint call.
	if _, err := rig.core.CreateTokenSwap(ctx, acct, token); !errors.Is(err, ErrTokenAlreadyClaimed) {
		t.Fatalf("expected ErrTokenAlreadyClaimed, got %v", err)
	}

	completed, proofs, err := rig.core.CompleteTokenSwap(ctx, s.ID)
	if err != nil {
		t.Fatalf("CompleteTokenSwap error: %v", err)
	}
	if completed.State != db.SwapStateCompleted || completed.Version != 2 {
		t.Fatalf("state %s version %d", completed.State, completed.Version)
	}
	if v := mint.ProofsValue(proofs); v != 1000 {
		t.Fatalf("swap proofs value %d", v)
	}

	// Idempotent re-completion.
	again, proofs2, err := rig.core.CompleteTokenSwap(ctx, s.ID)
	if err != nil {
		t.Fatalf("idempotent CompleteTokenSwap error: %v", err)
	}
	if again.Version != 2 || len(proofs2) != 0 {
		t.Fatalf("re-completion version %d, %d proofs", again.Version, len(proofs2))
	}
}

func TestTokenSwapClaimedElsewhere(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	s, err := rig.core.CreateTokenSwap(ctx, tAccount(), tToken(512, 256))
	if err != nil {
		t.Fatalf("CreateTokenSwap error: %v", err)
	}

	// The proofs were spent by another wallet: the mint rejects the swap and
	// has never signed our outputs.
	rig.cap().swapProofsErr = &wallet.ProtocolError{Code: mint.ErrTokenAlreadySpent, Detail: "spent"}
	rig.cap().restoreHook = func([]mint.BlindedSignature) []mint.BlindedSignature { return nil }

	if _, _, err := rig.core.CompleteTokenSwap(ctx, s.ID); !errors.Is(err, ErrTokenAlreadyClaimed) {
		t.Fatalf("expected ErrTokenAlreadyClaimed, got %v", err)
	}
	failed, _ := rig.core.TokenSwap(s.ID)
	if failed.State != db.SwapStateFailed {
		t.Fatalf("state %s, expected FAILED", failed.State)
	}

	// But if restore finds our signatures, a previous attempt of ours spent
	// the proofs and the swap still completes.
	s2, err := rig.core.CreateTokenSwap(ctx, tAccount(), tToken(128, 64))
	if err != nil {
		t.Fatalf("CreateTokenSwap error: %v", err)
	}
	rig.cap().restoreHook = nil
	completed, proofs, err := rig.core.CompleteTokenSwap(ctx, s2.ID)
	if err != nil {
		t.Fatalf("CompleteTokenSwap error: %v", err)
	}
	if completed.State != db.SwapStateCompleted || mint.ProofsValue(proofs) != 192 {
		t.Fatalf("state %s, value %d", completed.State, mint.ProofsValue(proofs))
	}
}

func TestTokenSwapValidation(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	acct := tAccount()

	wrongMint := tToken(100)
	wrongMint.Mint = "https://other.example.com"
	if _, err := rig.core.CreateTokenSwap(ctx, acct, wrongMint); !errors.Is(err, ErrWrongMint) {
		t.Fatalf("expected ErrWrongMint, got %v", err)
	}

	rig.cap().ks.InputFeePPK = 2000 // 2 sats per proof
	if _, err := rig.core.CreateTokenSwap(ctx, acct, tToken(1)); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("expected ErrAmountTooSmall, got %v", err)
	}
}

const tSrcMintURL = "https://source.example.com"

func TestCrossAccountConvergence(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	src := newTCapability()
	rig.caps[tSrcMintURL] = src
	dest := tAccount()
	token := tToken(600, 400)
	token.Mint = tSrcMintURL

	// The melt quote charges the full target plus a 50 sat fee reserve, so
	// the first pairing overshoots the 1000 sat token by 50 and the second
	// converges.
	var meltQuotes int
	src.meltQuoteHook = func(pr string) (*mint.MeltQuote, error) {
		meltQuotes++
		var amt uint64
		fmt.Sscanf(pr, "lnbc%d", &amt)
		return &mint.MeltQuote{
			ID:             fmt.Sprintf("mq-%d", meltQuotes),
			PaymentRequest: pr,
			Amount:         amt,
			FeeReserve:     50,
			State:          mint.MeltUnpaid,
			Expiry:         uint64(time.Now().Add(time.Hour).Unix()),
		}, nil
	}

	q, err := rig.core.CreateCrossAccountReceiveQuotes(ctx, dest, token, "bridge")
	if err != nil {
		t.Fatalf("CreateCrossAccountReceiveQuotes error: %v", err)
	}
	if meltQuotes != 2 {
		t.Fatalf("converged in %d attempts, expected 2", meltQuotes)
	}
	if q.Amount.Value != 950 {
		t.Fatalf("target %d, expected 950", q.Amount.Value)
	}
	if q.Type != db.ReceiveCashuToken || q.Melt == nil {
		t.Fatalf("quote type %s, melt %v", q.Type, q.Melt)
	}
	if q.TotalFee != 50 {
		t.Fatalf("total fee %d, expected 50", q.TotalFee)
	}

	// Pay and claim: melt on the source, mint on the destination.
	src.meltExecHook = func(meltQuoteID string, proofs []mint.Proof) (*mint.MeltQuote, error) {
		if mint.ProofsValue(proofs) != 1000 {
			t.Errorf("melting %d, expected the full token", mint.ProofsValue(proofs))
		}
		rig.cap().payQuote(q.ProviderQuoteID)
		return &mint.MeltQuote{ID: meltQuoteID, State: mint.MeltPaid, Preimage: "00"}, nil
	}
	completed, proofs, err := rig.core.ExecuteCrossAccountReceive(ctx, q.ID)
	if err != nil {
		t.Fatalf("ExecuteCrossAccountReceive error: %v", err)
	}
	if completed.State != db.QuoteStateCompleted {
		t.Fatalf("state %s", completed.State)
	}
	if v := mint.ProofsValue(proofs); v != 950 {
		t.Fatalf("minted %d, expected 950", v)
	}
}

func TestCrossAccountNoValidQuotes(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	src := newTCapability()
	rig.caps[tSrcMintURL] = src
	token := tToken(600, 400)
	token.Mint = tSrcMintURL

	// The melt always costs 1100 sats regardless of the target, so the
	// pairing can never converge.
	var meltQuotes int
	src.meltQuoteHook = func(pr string) (*mint.MeltQuote, error) {
		meltQuotes++
		return &mint.MeltQuote{
			ID:         fmt.Sprintf("mq-%d", meltQuotes),
			Amount:     1000,
			FeeReserve: 100,
			State:      mint.MeltUnpaid,
			Expiry:     uint64(time.Now().Add(time.Hour).Unix()),
		}, nil
	}

	if _, err := rig.core.CreateCrossAccountReceiveQuotes(ctx, tAccount(), token, ""); !errors.Is(err, ErrNoValidQuotes) {
		t.Fatalf("expected ErrNoValidQuotes, got %v", err)
	}
	if meltQuotes != maxCrossAccountAttempts {
		t.Fatalf("gave up after %d attempts, expected %d", meltQuotes, maxCrossAccountAttempts)
	}
	// Nothing was persisted.
	if qs, _ := rig.db.PendingReceiveQuotes(tUser); len(qs) != 0 {
		t.Fatalf("%d quotes persisted by failed convergence", len(qs))
	}
}

func TestResumePending(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	q, err := rig.core.CreateReceiveQuote(ctx, tAccount(), wallet.NewAmount(1000, wallet.BTC), "")
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	rig.cap().payOnCheck = true
	if _, err := rig.core.markQuotePaid(ctx, rig.cap(), q); err != nil {
		t.Fatalf("markQuotePaid error: %v", err)
	}
	rig.cancel()

	// A new engine over the same DB resumes the PAID quote and completes it.
	c2, err := New(&Config{
		DB:     rig.db,
		UserID: tUser,
		Keys:   NewSeedKeys(tSeed),
		NewCapability: func(_ context.Context, mintURL string) (mint.Capability, error) {
			return rig.caps[mintURL], nil
		},
		TickInterval:     time.Hour,
		SlowTickInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	feed := c2.NotificationFeed()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go c2.Run(ctx2)
	<-c2.Ready()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-feed:
			if n.Topic == TopicQuoteCompleted {
				if n.Quote.ID != q.ID {
					t.Fatalf("completed quote %s, expected %s", n.Quote.ID, q.ID)
				}
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for startup completion")
		}
	}
}

func TestConvertRate(t *testing.T) {
	tests := []struct {
		v, num, den, want uint64
	}{
		{1000, 2, 1, 2000},
		{1000, 1, 3, 333},
		{1 << 63, 3, 3, 1 << 63},               // v*num exceeds 64 bits
		{math.MaxUint64, 2, 1, math.MaxUint64}, // quotient saturates
		{5, 1, 0, 0},
	}
	for _, tt := range tests {
		if got := convertRate(tt.v, tt.num, tt.den); got != tt.want {
			t.Errorf("convertRate(%d, %d, %d) = %d, expected %d",
				tt.v, tt.num, tt.den, got, tt.want)
		}
	}
}

func TestDeterministicRederivation(t *testing.T) {
	// The outputs minted for a quote must be reproducible from the persisted
	// (keyset, counter, amounts) alone, or crash recovery could not restore
	// them.
	set1, err := derive.Outputs(tSeed, tKeysetID, 7, []uint64{512, 256, 32})
	if err != nil {
		t.Fatalf("Outputs error: %v", err)
	}
	set2, err := derive.Outputs(tSeed, tKeysetID, 7, []uint64{512, 256, 32})
	if err != nil {
		t.Fatalf("Outputs error: %v", err)
	}
	for i := range set1.Outputs {
		if set1.Outputs[i].Secret != set2.Outputs[i].Secret {
			t.Fatalf("secret %d not deterministic", i)
		}
		if !set1.Outputs[i].B.IsEqual(set2.Outputs[i].B) {
			t.Fatalf("blinded point %d not deterministic", i)
		}
	}
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mintward/mintward/client/comms"
)

// Subscription routes and methods.
const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"

	// KindMintQuote is the subscription kind for bolt11 mint quote updates.
	KindMintQuote = "bolt11_mint_quote"
)

type subscribeParams struct {
	Kind    string   `json:"kind"`
	SubID   string   `json:"subId"`
	Filters []string `json:"filters"`
}

type unsubscribeParams struct {
	SubID string `json:"subId"`
}

type notificationParams struct {
	SubID   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

// WsSubscriber implements quote update subscriptions over a single websocket
// connection to one mint endpoint. At most one subscription is active at a
// time; a new Subscribe fully replaces the previous coverage set. Concrete
// Capability implementations embed a WsSubscriber to satisfy
// SubscribeQuoteUpdates.
type WsSubscriber struct {
	conn *comms.WsConn

	mtx      sync.Mutex
	subID    string
	quoteIDs []string
	onUpdate QuoteUpdateHandler
}

// NewWsSubscriber dials the mint's websocket endpoint. The connection lives
// until ctx is canceled, resubscribing the active coverage set after any
// reconnect.
func NewWsSubscriber(ctx context.Context, wsURL string) (*WsSubscriber, error) {
	s := new(WsSubscriber)
	conn, err := comms.NewWsConn(&comms.WsCfg{
		URL:           wsURL,
		PingWait:      time.Minute,
		ReconnectSync: s.resubscribe,
		Ctx:           ctx,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn

	go s.readNotifications(ctx)

	return s, nil
}

// Subscribe replaces the active subscription with one covering quoteIDs.
// Updates are delivered to onUpdate until Unsubscribe is called or the
// coverage set is replaced again.
func (s *WsSubscriber) Subscribe(ctx context.Context, quoteIDs []string, onUpdate QuoteUpdateHandler) (Unsubscribe, error) {
	subID := uuid.NewString()
	_, err := s.conn.Request(methodSubscribe, &subscribeParams{
		Kind:    KindMintQuote,
		SubID:   subID,
		Filters: quoteIDs,
	}, comms.DefaultResponseTimeout)
	if err != nil {
		return nil, fmt.Errorf("subscribe error: %w", err)
	}

	s.mtx.Lock()
	oldSubID := s.subID
	s.subID, s.quoteIDs, s.onUpdate = subID, quoteIDs, onUpdate
	s.mtx.Unlock()

	// The new subscription is live. Release the replaced one; failure only
	// leaks a dead server-side filter, so it is logged and ignored.
	if oldSubID != "" {
		s.dropSub(oldSubID)
	}

	return func() {
		s.mtx.Lock()
		active := s.subID == subID
		if active {
			s.subID, s.quoteIDs, s.onUpdate = "", nil, nil
		}
		s.mtx.Unlock()
		if active {
			s.dropSub(subID)
		}
	}, nil
}

func (s *WsSubscriber) dropSub(subID string) {
	_, err := s.conn.Request(methodUnsubscribe, &unsubscribeParams{SubID: subID},
		comms.DefaultResponseTimeout)
	if err != nil {
		log.Warnf("unsubscribe %s error: %v", subID, err)
	}
}

// resubscribe restores the active coverage set after a reconnect.
func (s *WsSubscriber) resubscribe() {
	s.mtx.Lock()
	subID, quoteIDs := s.subID, s.quoteIDs
	s.mtx.Unlock()
	if subID == "" {
		return
	}
	_, err := s.conn.Request(methodSubscribe, &subscribeParams{
		Kind:    KindMintQuote,
		SubID:   subID,
		Filters: quoteIDs,
	}, comms.DefaultResponseTimeout)
	if err != nil {
		log.Errorf("resubscribe %s error: %v", subID, err)
	}
}

// readNotifications dispatches pushed quote updates to the active handler.
func (s *WsSubscriber) readNotifications(ctx context.Context) {
	notes := s.conn.Notifications()
	for {
		select {
		case msg := <-notes:
			if msg.Method != methodSubscribe {
				log.Warnf("ignoring notification with unknown method %q", msg.Method)
				continue
			}
			var params notificationParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				log.Errorf("notification decode error: %v", err)
				continue
			}

			s.mtx.Lock()
			subID, onUpdate := s.subID, s.onUpdate
			s.mtx.Unlock()
			if params.SubID != subID || onUpdate == nil {
				continue // stale subscription
			}

			quote := new(Quote)
			if err := json.Unmarshal(params.Payload, quote); err != nil {
				log.Errorf("quote payload decode error: %v", err)
				continue
			}
			if err := quote.Validate(); err != nil {
				log.Errorf("invalid pushed quote: %v", err)
				continue
			}
			onUpdate(quote)

		case <-ctx.Done():
			return
		}
	}
}

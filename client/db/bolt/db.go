// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	walletdb "github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/encode"
)

// Bolt works on []byte keys and values. These are the bucket names and some
// commonly used key encodings.
var (
	receiveQuotesBucket = []byte("receiveQuotes")
	quoteProviderIdx    = []byte("quoteProviderIdx")
	tokenSwapsBucket    = []byte("tokenSwaps")
	swapTokenIdx        = []byte("swapTokenIdx")
	countersBucket      = []byte("keysetCounters")

	uint32Bytes = encode.Uint32Bytes

	backupDir = "backup"
)

// idxSep joins composite index keys. Mint URLs cannot contain a NUL byte.
var idxSep = []byte{0}

// BoltDB is a bbolt-based ledger for the wallet. BoltDB satisfies the db.DB
// interface defined at github.com/mintward/mintward/client/db.
type BoltDB struct {
	*bbolt.DB
}

// Check that BoltDB satisfies the db.DB interface.
var _ walletdb.DB = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string) (walletdb.DB, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	bdb := &BoltDB{
		DB: db,
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{receiveQuotesBucket, quoteProviderIdx,
			tokenSwapsBucket, swapTokenIdx, countersBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s error: %w", string(bucket), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bdb, nil
}

// Run waits for context cancellation and closes the database.
func (db *BoltDB) Run(ctx context.Context) {
	<-ctx.Done()
	if err := db.backup(); err != nil {
		log.Errorf("unable to backup database: %v", err)
	}
	db.Close()
}

// backup makes a copy of the database in the backup subdirectory.
func (db *BoltDB) backup() error {
	dir := filepath.Join(filepath.Dir(db.Path()), backupDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("unable to create backup directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(db.Path()))
	return db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

func providerKey(mintURL, providerQuoteID string) []byte {
	k := make([]byte, 0, len(mintURL)+1+len(providerQuoteID))
	k = append(k, []byte(mintURL)...)
	k = append(k, idxSep...)
	k = append(k, []byte(providerQuoteID)...)
	return k
}

// CreateReceiveQuote persists a new receive quote at version 1 and indexes
// it by provider quote id.
func (db *BoltDB) CreateReceiveQuote(q *walletdb.ReceiveQuote) (*walletdb.ReceiveQuote, error) {
	if q.ID == "" {
		return nil, fmt.Errorf("cannot store a receive quote without an id")
	}
	stored := *q
	stored.Version = 1
	now := time.Now().Truncate(time.Millisecond)
	stored.CreatedAt, stored.UpdatedAt = now, now

	qB, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("receive quote encode error: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		quotes := tx.Bucket(receiveQuotesBucket)
		idB := []byte(stored.ID)
		if quotes.Get(idB) != nil {
			return fmt.Errorf("receive quote %s already exists", stored.ID)
		}
		if err := quotes.Put(idB, qB); err != nil {
			return err
		}
		if stored.ProviderQuoteID != "" {
			return tx.Bucket(quoteProviderIdx).
				Put(providerKey(stored.Mint, stored.ProviderQuoteID), idB)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ReceiveQuote fetches a receive quote by id.
func (db *BoltDB) ReceiveQuote(id string) (*walletdb.ReceiveQuote, error) {
	var q *walletdb.ReceiveQuote
	return q, db.View(func(tx *bbolt.Tx) error {
		var err error
		q, err = decodeQuote(tx.Bucket(receiveQuotesBucket).Get([]byte(id)))
		return err
	})
}

// ReceiveQuoteByProviderID fetches a receive quote by its provider quote id
// at the given mint.
func (db *BoltDB) ReceiveQuoteByProviderID(mintURL, providerQuoteID string) (*walletdb.ReceiveQuote, error) {
	var q *walletdb.ReceiveQuote
	return q, db.View(func(tx *bbolt.Tx) error {
		idB := tx.Bucket(quoteProviderIdx).Get(providerKey(mintURL, providerQuoteID))
		if idB == nil {
			return walletdb.ErrNotFound
		}
		var err error
		q, err = decodeQuote(tx.Bucket(receiveQuotesBucket).Get(idB))
		return err
	})
}

// UpdateReceiveQuote writes the quote if q.Version matches the stored
// version. The accepted write bumps the version by exactly 1.
func (db *BoltDB) UpdateReceiveQuote(q *walletdb.ReceiveQuote) (*walletdb.ReceiveQuote, error) {
	updated := *q
	updated.Version = q.Version + 1
	updated.UpdatedAt = time.Now().Truncate(time.Millisecond)

	err := db.Update(func(tx *bbolt.Tx) error {
		quotes := tx.Bucket(receiveQuotesBucket)
		stored, err := decodeQuote(quotes.Get([]byte(q.ID)))
		if err != nil {
			return err
		}
		if stored.Version != q.Version {
			return &wallet.ConflictError{ID: q.ID, Expected: q.Version, Actual: stored.Version}
		}
		qB, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("receive quote encode error: %w", err)
		}
		return quotes.Put([]byte(q.ID), qB)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// PendingReceiveQuotes returns the user's non-terminal receive quotes.
func (db *BoltDB) PendingReceiveQuotes(userID string) ([]*walletdb.ReceiveQuote, error) {
	var quotes []*walletdb.ReceiveQuote
	return quotes, db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(receiveQuotesBucket).ForEach(func(_, v []byte) error {
			q, err := decodeQuote(v)
			if err != nil {
				return err
			}
			if q.UserID == userID && !q.State.Terminal() {
				quotes = append(quotes, q)
			}
			return nil
		})
	})
}

// CreateTokenSwap persists a new token swap at version 1. The token hash
// index is the double-claim guard: an existing swap with the same hash makes
// the create fail with ErrDuplicateToken, leaving the existing swap
// untouched.
func (db *BoltDB) CreateTokenSwap(s *walletdb.TokenSwap) (*walletdb.TokenSwap, error) {
	if s.ID == "" || s.TokenHash == "" {
		return nil, fmt.Errorf("cannot store a token swap without id and token hash")
	}
	stored := *s
	stored.Version = 1
	now := time.Now().Truncate(time.Millisecond)
	stored.CreatedAt, stored.UpdatedAt = now, now

	sB, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("token swap encode error: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(swapTokenIdx)
		hashB := []byte(stored.TokenHash)
		if idx.Get(hashB) != nil {
			return walletdb.ErrDuplicateToken
		}
		idB := []byte(stored.ID)
		if err := tx.Bucket(tokenSwapsBucket).Put(idB, sB); err != nil {
			return err
		}
		return idx.Put(hashB, idB)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// TokenSwap fetches a token swap by id.
func (db *BoltDB) TokenSwap(id string) (*walletdb.TokenSwap, error) {
	var s *walletdb.TokenSwap
	return s, db.View(func(tx *bbolt.Tx) error {
		var err error
		s, err = decodeSwap(tx.Bucket(tokenSwapsBucket).Get([]byte(id)))
		return err
	})
}

// TokenSwapByHash fetches a token swap by its token hash.
func (db *BoltDB) TokenSwapByHash(tokenHash string) (*walletdb.TokenSwap, error) {
	var s *walletdb.TokenSwap
	return s, db.View(func(tx *bbolt.Tx) error {
		idB := tx.Bucket(swapTokenIdx).Get([]byte(tokenHash))
		if idB == nil {
			return walletdb.ErrNotFound
		}
		var err error
		s, err = decodeSwap(tx.Bucket(tokenSwapsBucket).Get(idB))
		return err
	})
}

// UpdateTokenSwap writes the swap if s.Version matches the stored version.
func (db *BoltDB) UpdateTokenSwap(s *walletdb.TokenSwap) (*walletdb.TokenSwap, error) {
	updated := *s
	updated.Version = s.Version + 1
	updated.UpdatedAt = time.Now().Truncate(time.Millisecond)

	err := db.Update(func(tx *bbolt.Tx) error {
		swaps := tx.Bucket(tokenSwapsBucket)
		stored, err := decodeSwap(swaps.Get([]byte(s.ID)))
		if err != nil {
			return err
		}
		if stored.Version != s.Version {
			return &wallet.ConflictError{ID: s.ID, Expected: s.Version, Actual: stored.Version}
		}
		sB, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("token swap encode error: %w", err)
		}
		return swaps.Put([]byte(s.ID), sB)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// PendingTokenSwaps returns the user's non-terminal token swaps.
func (db *BoltDB) PendingTokenSwaps(userID string) ([]*walletdb.TokenSwap, error) {
	var swaps []*walletdb.TokenSwap
	return swaps, db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tokenSwapsBucket).ForEach(func(_, v []byte) error {
			s, err := decodeSwap(v)
			if err != nil {
				return err
			}
			if s.UserID == userID && !s.State.Terminal() {
				swaps = append(swaps, s)
			}
			return nil
		})
	})
}

// ReserveCounter atomically reserves n consecutive derivation counter values
// for the keyset, returning the first of the reserved range.
func (db *BoltDB) ReserveCounter(keysetID string, n uint32) (uint32, error) {
	var first uint32
	return first, db.Update(func(tx *bbolt.Tx) error {
		counters := tx.Bucket(countersBucket)
		keyB := []byte(keysetID)
		if cur := counters.Get(keyB); cur != nil {
			first = encode.BytesToUint32(cur)
		}
		return counters.Put(keyB, uint32Bytes(first+n))
	})
}

func decodeQuote(b []byte) (*walletdb.ReceiveQuote, error) {
	if b == nil {
		return nil, walletdb.ErrNotFound
	}
	q := new(walletdb.ReceiveQuote)
	if err := json.Unmarshal(bytes.TrimSpace(b), q); err != nil {
		return nil, fmt.Errorf("receive quote decode error: %w", err)
	}
	return q, nil
}

func decodeSwap(b []byte) (*walletdb.TokenSwap, error) {
	if b == nil {
		return nil, walletdb.ErrNotFound
	}
	s := new(walletdb.TokenSwap)
	if err := json.Unmarshal(bytes.TrimSpace(b), s); err != nil {
		return nil, fmt.Errorf("token swap decode error: %w", err)
	}
	return s, nil
}

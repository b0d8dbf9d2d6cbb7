// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// accountKeyPrefix namespaces account records inside the Badger keyspace.
const accountKeyPrefix = "account:"

// BadgerAccountStore is an AccountStore backed by a local BadgerDB replica
// of the account directory. The deployment syncs the replica out of band;
// the relay only reads it, plus Put/Delete for the sync job and tests.
type BadgerAccountStore struct {
	db *badger.DB
}

// NewBadgerAccountStore creates a Badger-backed account store.
func NewBadgerAccountStore(db *badger.DB) *BadgerAccountStore {
	return &BadgerAccountStore{db: db}
}

// FindByID returns the account record for a subject id.
func (s *BadgerAccountStore) FindByID(ctx context.Context, subjectID string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var account Account
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(accountKeyPrefix + subjectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &account)
		})
	})
	if err != nil {
		return nil, err
	}

	return &account, nil
}

// Put stores or replaces an account record.
func (s *BadgerAccountStore) Put(ctx context.Context, subjectID string, account *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(accountKeyPrefix+subjectID), data)
	})
}

// Delete removes an account record. Deleting a missing record is not an
// error.
func (s *BadgerAccountStore) Delete(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(accountKeyPrefix + subjectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Count returns the number of account records in the replica.
func (s *BadgerAccountStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(accountKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

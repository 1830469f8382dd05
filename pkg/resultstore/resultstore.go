/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package resultstore keeps the outcome of every finished job, keyed by namespace device
// and submission sequence. An empty directory selects an in-memory store.
package resultstore

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/events"
)

const resultPrefix = "result-"

func resultKey(device string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s.%020d", resultPrefix, device, seq))
}

func devicePrefix(device string) []byte {
	return []byte(resultPrefix + device + ".")
}

type Store struct {
	db *badger.DB
}

func Open(dirPath string) (*Store, error) {
	var badgerOpts badger.Options
	if dirPath == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(dirPath).WithSyncWrites(false).WithTruncate(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}

	return &Store{
		db: db,
	}, nil
}

// Intercept records Finished events and ignores the rest.
func (s *Store) Intercept(e *events.Event) error {
	if e.Phase != events.Finished {
		return nil
	}
	return s.Put(e)
}

func (s *Store) Put(e *events.Event) error {
	data, err := events.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(resultKey(e.Device, e.Seq), data)
	})
}

// Get returns nil if no result was recorded for the job.
func (s *Store) Get(device string, seq uint64) (*events.Event, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(device, seq))
		if err != nil {
			return err
		}

		valCopy, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return events.Unmarshal(valCopy)
}

// Results returns the results of one device in submission order.
func (s *Store) Results(device string) ([]*events.Event, error) {
	return s.scan(devicePrefix(device), func(*events.Event) bool { return true })
}

// Failed returns every failed job of every device.
func (s *Store) Failed() ([]*events.Event, error) {
	return s.scan([]byte(resultPrefix), func(e *events.Event) bool { return !e.OK() })
}

func (s *Store) scan(prefix []byte, keep func(*events.Event) bool) ([]*events.Event, error) {
	var results []*events.Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := events.Unmarshal(data)
			if err != nil {
				return errors.WithMessagef(err, "could not decode %s", it.Item().Key())
			}
			if keep(e) {
				results = append(results, e)
			}
		}
		return nil
	})
	return results, err
}

func (s *Store) Sync() error {
	return s.db.Sync()
}

func (s *Store) Close() {
	s.db.Close()
}

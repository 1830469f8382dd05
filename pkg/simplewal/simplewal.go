/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package simplewal journals job events to an append-only log on disk, so a test run can
// be inspected after the fact. Entries are events.Marshal encoded.
package simplewal

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"

	"github.com/nvmf-harness/nvmftests/pkg/events"
)

type WAL struct {
	mutex sync.Mutex
	log   *wal.Log

	// Index of the next entry to append at the level of the underlying wal.
	idx uint64
}

func Open(path string) (*WAL, error) {
	log, err := wal.Open(path, &wal.Options{
		NoSync: true,
		NoCopy: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open WAL")
	}

	// The underlying log counts from 1, so its last index is our next one.
	idx, err := log.LastIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "failed obtaining last WAL index")
	}

	return &WAL{
		log: log,
		idx: idx,
	}, nil
}

func (w *WAL) IsEmpty() (bool, error) {
	firstIndex, err := w.log.FirstIndex()
	if err != nil {
		return false, errors.WithMessage(err, "could not read first index")
	}

	return firstIndex == 0, nil
}

// Append writes one event.
func (w *WAL) Append(e *events.Event) error {
	data, err := events.Marshal(e)
	if err != nil {
		return errors.WithMessage(err, "could not marshal")
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err := w.log.Write(w.idx+1, data); err != nil {
		return err
	}
	w.idx++
	return nil
}

// Intercept journals every event it sees.
func (w *WAL) Intercept(e *events.Event) error {
	return w.Append(e)
}

// Iterator reads the journal from the oldest retained entry.
type Iterator struct {
	wal  *WAL
	next uint64
	last uint64
}

func (w *WAL) Iterator() (*Iterator, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	firstIndex, err := w.log.FirstIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read first index")
	}
	lastIndex, err := w.log.LastIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read last index")
	}
	if firstIndex == 0 {
		// WAL is empty
		return &Iterator{wal: w, next: 1, last: 0}, nil
	}
	return &Iterator{wal: w, next: firstIndex, last: lastIndex}, nil
}

// LoadNext returns the next event, or io.EOF once the entries that existed when the
// iterator was created are exhausted.
func (i *Iterator) LoadNext() (*events.Event, error) {
	if i.next > i.last {
		return nil, io.EOF
	}

	i.wal.mutex.Lock()
	data, err := i.wal.log.Read(i.next)
	i.wal.mutex.Unlock()
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read index %d", i.next)
	}
	i.next++

	return events.Unmarshal(data)
}

// LoadAll calls forEach with every retained event, oldest first.
func (w *WAL) LoadAll(forEach func(index uint64, e *events.Event)) error {
	it, err := w.Iterator()
	if err != nil {
		return err
	}
	for {
		index := it.next
		e, err := it.LoadNext()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		forEach(index, e)
	}
}

// Truncate drops every entry before index.
func (w *WAL) Truncate(index uint64) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.log.TruncateFront(index)
}

func (w *WAL) Sync() error {
	return w.log.Sync()
}

func (w *WAL) Close() error {
	return w.log.Close()
}

/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package worker

import "sync"

// exitNotifier records the first job failure of a worker and signals, by closing exitC,
// that the worker goroutine has left its loop. Later failures are ignored: only the first
// one triggered the self-shutdown.
type exitNotifier struct {
	mutex  sync.Mutex
	err    error
	exited bool
	exitC  chan struct{}
}

func newExitNotifier() *exitNotifier {
	return &exitNotifier{
		exitC: make(chan struct{}),
	}
}

func (en *exitNotifier) Fail(err error) {
	en.mutex.Lock()
	defer en.mutex.Unlock()
	if en.err != nil {
		return
	}
	en.err = err
}

func (en *exitNotifier) Err() error {
	en.mutex.Lock()
	defer en.mutex.Unlock()
	return en.err
}

func (en *exitNotifier) Exit() {
	en.mutex.Lock()
	defer en.mutex.Unlock()
	if en.exited {
		return
	}
	en.exited = true
	close(en.exitC)
}

func (en *exitNotifier) ExitC() <-chan struct{} {
	return en.exitC
}

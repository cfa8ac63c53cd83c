/*
 *   Copyright 2024 Martin Proffitt <mproffitt@choclab.net>
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */
package vault

import (
	"context"
	"sync"
)

// Progress is one step announcement from a long running operation,
// typically surfaced as a prompt ("touch your authenticator") while
// the operation blocks.
type Progress struct {
	Step    string
	Message string
}

// Operation is a cancellable asynchronous engine call. Progress events
// arrive on Progress until the operation finishes; the terminal result
// is delivered on Done exactly once, on success, failure and
// cancellation alike. Cancellation takes effect between discrete
// steps, never mid derivation.
type Operation struct {
	progress chan Progress
	done     chan error
	cancel   context.CancelFunc
	once     sync.Once
}

func newOperation(parent context.Context) (*Operation, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Operation{
		progress: make(chan Progress, 8),
		done:     make(chan error, 1),
		cancel:   cancel,
	}, ctx
}

// Progress returns the event stream. It is closed when the operation
// completes.
func (o *Operation) Progress() <-chan Progress {
	return o.progress
}

// Done delivers the terminal result. The channel is buffered, so the
// result is retained even if nobody is receiving at completion time.
func (o *Operation) Done() <-chan error {
	return o.done
}

// Wait blocks until the operation completes and returns its result.
func (o *Operation) Wait() error {
	return <-o.done
}

// Cancel requests cancellation. The operation stops at the next step
// boundary and completes with the context error.
func (o *Operation) Cancel() {
	o.cancel()
}

func (o *Operation) complete(err error) {
	o.once.Do(func() {
		close(o.progress)
		o.done <- err
		close(o.done)
		o.cancel()
	})
}

func (o *Operation) emit(p Progress) {
	select {
	case o.progress <- p:
	default:
		// A stalled consumer must not block the operation.
	}
}

// progress forwards a step announcement when a sink is attached.
func progress(emit func(Progress), step, message string) {
	if emit != nil {
		emit(Progress{Step: step, Message: message})
	}
}

// ChangePasswordAsync runs ChangePassword off the caller's goroutine.
// Key derivation is deliberately slow (hundreds of milliseconds to
// seconds) and must not stall a UI event loop; the returned Operation
// carries the hardware touch prompts as progress events.
func (m *Manager) ChangePasswordAsync(parent context.Context, identity string, oldPassword, newPassword []byte, pin string) *Operation {
	op, ctx := newOperation(parent)

	oldCopy := append([]byte(nil), oldPassword...)
	newCopy := append([]byte(nil), newPassword...)

	go func() {
		m.mu.Lock()
		err := m.changePassword(ctx, identity, oldCopy, newCopy, pin, op.emit)
		m.mu.Unlock()

		for i := range oldCopy {
			oldCopy[i] = 0
		}
		for i := range newCopy {
			newCopy[i] = 0
		}
		op.complete(err)
	}()
	return op
}

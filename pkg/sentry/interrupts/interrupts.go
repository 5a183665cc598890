// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package interrupts models per-core interrupt delivery and provides the
// scoped guard used to make mapping updates atomic with respect to
// interrupt-driven preemption.
//
// A Guard returned by CPU.Disable holds off delivery on its CPU until it is
// released. Interrupts raised in the meantime are queued and delivered, in
// order and with delivery still disabled, as part of the release.
package interrupts

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Handler is invoked to service an interrupt. Handlers run with delivery
// disabled on their CPU and must not call Disable on it.
type Handler func()

// CPU is the interrupt-delivery state of a single core.
//
// The zero value is a CPU with delivery enabled.
type CPU struct {
	// mu is held for as long as delivery is disabled, which makes a Guard a
	// critical section with respect to handlers and to other guards.
	mu sync.Mutex

	// pendingMu protects disabled and pending.
	pendingMu sync.Mutex

	// disabled is true while a Guard is held.
	disabled bool

	// pending holds interrupts raised while disabled was true.
	pending []Handler

	// delivered counts handlers that have run.
	delivered atomicbitops.Uint64
}

// Guard restores interrupt delivery when released. A Guard must be released
// exactly once by the goroutine that acquired it; further Release calls are
// no-ops, so `defer g.Release()` is always safe.
type Guard struct {
	cpu *CPU
}

// Disable disables delivery on c, blocking while another Guard is held, and
// returns a Guard that restores it.
//
// Preconditions: the caller does not already hold a Guard on c.
func (c *CPU) Disable() *Guard {
	c.mu.Lock()
	c.pendingMu.Lock()
	if c.disabled {
		panic("interrupts: delivery disabled without holding mu")
	}
	c.disabled = true
	c.pendingMu.Unlock()
	return &Guard{cpu: c}
}

// Release delivers interrupts queued while g was held, then re-enables
// delivery.
func (g *Guard) Release() {
	c := g.cpu
	if c == nil {
		return
	}
	g.cpu = nil
	drained := false
	defer func() {
		if !drained {
			// A handler panicked. Leave its successors queued for the
			// next release.
			c.pendingMu.Lock()
			c.disabled = false
			c.pendingMu.Unlock()
		}
		c.mu.Unlock()
	}()
	for {
		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.disabled = false
			c.pendingMu.Unlock()
			drained = true
			return
		}
		h := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()
		c.run(h)
	}
}

// Held returns true if g has not been released.
func (g *Guard) Held() bool {
	return g.cpu != nil
}

// Raise delivers an interrupt to c. If delivery is enabled, h runs before
// Raise returns; otherwise h is queued behind the current Guard.
func (c *CPU) Raise(h Handler) {
	if h == nil {
		panic("interrupts: nil handler")
	}
	c.pendingMu.Lock()
	if c.disabled {
		c.pending = append(c.pending, h)
		n := len(c.pending)
		c.pendingMu.Unlock()
		if log.IsLogging(log.Debug) {
			log.Debugf("interrupts: deferred interrupt, %d pending", n)
		}
		return
	}
	c.pendingMu.Unlock()

	// Entry to the handler disables delivery, as the hardware does on
	// interrupt entry.
	g := c.Disable()
	defer g.Release()
	c.run(h)
}

func (c *CPU) run(h Handler) {
	c.delivered.Add(1)
	h()
}

// Enabled returns true if delivery is currently enabled on c.
func (c *CPU) Enabled() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return !c.disabled
}

// Pending returns the number of interrupts queued for delivery.
func (c *CPU) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Delivered returns the number of handlers that have run on c.
func (c *CPU) Delivered() uint64 {
	return c.delivered.Load()
}

// String implements fmt.Stringer.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu{enabled: %t, pending: %d, delivered: %d}", c.Enabled(), c.Pending(), c.Delivered())
}

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

package interrupts

import (
	"sync"
	"testing"
)

func TestRaiseWhileEnabledRunsImmediately(t *testing.T) {
	var c CPU
	ran := false
	c.Raise(func() {
		ran = true
		if c.Enabled() {
			t.Errorf("handler ran with delivery enabled")
		}
	})
	if !ran {
		t.Fatalf("handler did not run")
	}
	if !c.Enabled() {
		t.Errorf("delivery not re-enabled after handler")
	}
	if got := c.Delivered(); got != 1 {
		t.Errorf("Delivered() = %d, want 1", got)
	}
}

func TestRaiseWhileDisabledIsDeferred(t *testing.T) {
	var c CPU
	var order []int
	g := c.Disable()
	if c.Enabled() {
		t.Fatalf("Enabled() = true while guard held")
	}
	c.Raise(func() { order = append(order, 1) })
	c.Raise(func() { order = append(order, 2) })
	if len(order) != 0 {
		t.Fatalf("handlers ran while guard held: %v", order)
	}
	if got := c.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	g.Release()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("handlers ran in order %v, want [1 2]", order)
	}
	if !c.Enabled() || c.Pending() != 0 {
		t.Errorf("after release: %v", &c)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	var c CPU
	g := c.Disable()
	g.Release()
	if g.Held() {
		t.Errorf("Held() = true after Release")
	}
	g.Release()
	// A second guard must still be obtainable.
	c.Disable().Release()
	if !c.Enabled() {
		t.Errorf("delivery disabled after double release")
	}
}

func TestGuardReleasedOnPanic(t *testing.T) {
	var c CPU
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("expected panic")
			}
		}()
		g := c.Disable()
		defer g.Release()
		panic("boom")
	}()
	if !c.Enabled() {
		t.Errorf("delivery disabled after panic unwound past guard")
	}
}

func TestHandlerRaisedFromHandler(t *testing.T) {
	var c CPU
	count := 0
	c.Raise(func() {
		count++
		c.Raise(func() { count++ })
	})
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestGuardExcludesHandlers(t *testing.T) {
	var c CPU
	var (
		mu      sync.Mutex
		inGuard bool
		overlap bool
	)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g := c.Disable()
				mu.Lock()
				inGuard = true
				mu.Unlock()
				mu.Lock()
				inGuard = false
				mu.Unlock()
				g.Release()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Raise(func() {
					mu.Lock()
					if inGuard {
						overlap = true
					}
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	if overlap {
		t.Errorf("a handler ran while a guard was held")
	}
	if got := c.Delivered(); got != 800 {
		t.Errorf("Delivered() = %d, want 800", got)
	}
}

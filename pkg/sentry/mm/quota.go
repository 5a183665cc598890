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

package mm

import (
	"math"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
)

// quotaMessage is written to a task's standard error when it is killed for
// exceeding its memory quota.
const quotaMessage = "(ulimit reached)\n"

// pageRoundUp rounds size up to a multiple of the page size, saturating at
// math.MaxUint64 so that overflowing sizes always fail the quota check.
func pageRoundUp(size uint64) uint64 {
	if size > math.MaxUint64-(hostarch.PageSize-1) {
		return math.MaxUint64
	}
	return (size + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
}

// wouldExceed returns true if mapping size more bytes would take t over the
// per-task ceiling.
func (t *Task) wouldExceed(size uint64) bool {
	ceiling := t.k.Ceiling()
	used := t.Usage()
	return size > ceiling || used > ceiling-size
}

// killIfTooGreedy terminates t and returns true if mapping size more bytes
// would exceed its quota. It must be called before any state is changed on
// behalf of the growing operation.
func (t *Task) killIfTooGreedy(ctx context.Context, size uint64) bool {
	if !t.wouldExceed(size) {
		return false
	}
	t.kill(ctx, size)
	return true
}

// kill reports a quota violation on t's standard error and terminates it.
func (t *Task) kill(ctx context.Context, size uint64) {
	ctx.Warningf("mm: %v exceeded its memory quota: %d bytes mapped, %d requested, ceiling %d", t, t.Usage(), size, t.k.Ceiling())
	if err := t.lifecycle.WriteFD(2, []byte(quotaMessage)); err != nil {
		log.Warningf("mm: failed to report quota violation to %v: %v", t, err)
	}
	t.dead.Store(true)
	t.lifecycle.Cancel(ProcessFailure)
}

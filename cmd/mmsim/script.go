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

package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gvisor.dev/gvisor/pkg/context"

	"github.com/Blaze9026/skift/pkg/memviz"
	"github.com/Blaze9026/skift/pkg/sentry/memmap"
	"github.com/Blaze9026/skift/pkg/sentry/mm"
	"github.com/Blaze9026/skift/pkg/sentry/pagetables"
	"github.com/Blaze9026/skift/pkg/sentry/syscalls"
)

// simTask is a scripted task. It implements mm.Lifecycle.
type simTask struct {
	name   string
	task   *mm.Task
	stderr io.Writer

	cancelled bool
	reported  bool
	status    mm.ExitStatus
}

func (st *simTask) WriteFD(fd int, p []byte) error {
	if fd != 2 {
		return fmt.Errorf("fd %d is not open", fd)
	}
	_, err := fmt.Fprintf(st.stderr, "[%s] %s", st.name, p)
	return err
}

func (st *simTask) Cancel(status mm.ExitStatus) {
	st.cancelled = true
	st.status = status
}

// simulator runs a script of memory system calls against one kernel.
type simulator struct {
	ctx     context.Context
	k       *mm.Kernel
	backend *pagetables.Backend
	out     io.Writer
	stderr  io.Writer

	tasks map[string]*simTask
	order []string
	vars  map[string]uintptr
}

func newSimulator(ctx context.Context, k *mm.Kernel, backend *pagetables.Backend, out, stderr io.Writer) *simulator {
	return &simulator{
		ctx:     ctx,
		k:       k,
		backend: backend,
		out:     out,
		stderr:  stderr,
		tasks:   make(map[string]*simTask),
		vars:    make(map[string]uintptr),
	}
}

// run executes every line of r. Blank lines and lines starting with '#' are
// skipped. Failed system calls are reported and do not stop the script;
// malformed lines do.
func (s *simulator) run(r io.Reader) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := s.exec(strings.Fields(text)); err != nil {
			return fmt.Errorf("line %d: %q: %w", line, text, err)
		}
	}
	return sc.Err()
}

func (s *simulator) exec(f []string) error {
	switch f[0] {
	case "task":
		if len(f) != 2 {
			return fmt.Errorf("usage: task <name>")
		}
		return s.newTask(f[1])
	case "alloc":
		return s.alloc(f[1:])
	case "map":
		return s.mapAt(f[1:])
	case "free":
		if len(f) != 3 {
			return fmt.Errorf("usage: free <task> <addr|$var>")
		}
		st, err := s.task(f[1])
		if err != nil {
			return err
		}
		addr, err := s.value(f[2])
		if err != nil {
			return err
		}
		r, _ := s.syscall(st, syscalls.MemoryFree, syscalls.Args{addr})
		fmt.Fprintf(s.out, "free %s %#x = %v\n", st.name, addr, r)
		return nil
	case "handle":
		if len(f) != 5 || f[3] != "as" {
			return fmt.Errorf("usage: handle <task> <addr|$var> as <var>")
		}
		st, err := s.task(f[1])
		if err != nil {
			return err
		}
		addr, err := s.value(f[2])
		if err != nil {
			return err
		}
		r, rets := s.syscall(st, syscalls.MemoryGetHandle, syscalls.Args{addr})
		fmt.Fprintf(s.out, "handle %s %#x = %v", st.name, addr, r)
		if r == syscalls.Success {
			s.vars[f[4]] = rets[0]
			fmt.Fprintf(s.out, " handle=%d", rets[0])
		}
		fmt.Fprintln(s.out)
		return nil
	case "include":
		return s.include(f[1:])
	case "usage":
		if len(f) != 2 {
			return fmt.Errorf("usage: usage <task>")
		}
		st, err := s.task(f[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "usage %s = %d\n", st.name, st.task.Usage())
		return nil
	case "exit":
		if len(f) != 2 {
			return fmt.Errorf("usage: exit <task>")
		}
		st, err := s.task(f[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "exit %s released %d mappings\n", st.name, st.task.Exit())
		return nil
	case "irq":
		s.irq()
		return nil
	default:
		return fmt.Errorf("unknown command %q", f[0])
	}
}

func (s *simulator) newTask(name string) error {
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %q already exists", name)
	}
	st := &simTask{name: name, stderr: s.stderr}
	st.task = s.k.NewTask(name, s.backend.NewAddressSpace(), st)
	s.tasks[name] = st
	s.order = append(s.order, name)
	return nil
}

// alloc handles "alloc <task> <size> [as <var>]".
func (s *simulator) alloc(args []string) error {
	if len(args) != 2 && !(len(args) == 4 && args[2] == "as") {
		return fmt.Errorf("usage: alloc <task> <size> [as <var>]")
	}
	st, err := s.task(args[0])
	if err != nil {
		return err
	}
	size, err := s.value(args[1])
	if err != nil {
		return err
	}
	r, rets := s.syscall(st, syscalls.MemoryAlloc, syscalls.Args{size})
	fmt.Fprintf(s.out, "alloc %s %d = %v", st.name, size, r)
	if r == syscalls.Success {
		fmt.Fprintf(s.out, " addr=%#x", rets[0])
		if len(args) == 4 {
			s.vars[args[3]] = rets[0]
		}
	}
	fmt.Fprintln(s.out)
	return nil
}

// mapAt handles "map <task> <addr> <size> [clear]".
func (s *simulator) mapAt(args []string) error {
	if len(args) != 3 && !(len(args) == 4 && args[3] == "clear") {
		return fmt.Errorf("usage: map <task> <addr> <size> [clear]")
	}
	st, err := s.task(args[0])
	if err != nil {
		return err
	}
	addr, err := s.value(args[1])
	if err != nil {
		return err
	}
	size, err := s.value(args[2])
	if err != nil {
		return err
	}
	var flags memmap.MapFlags
	if len(args) == 4 {
		flags |= memmap.MapClear
	}
	r, _ := s.syscall(st, syscalls.MemoryMap, syscalls.Args{addr, size, uintptr(flags)})
	fmt.Fprintf(s.out, "map %s %#x %d %v = %v\n", st.name, addr, size, flags, r)
	return nil
}

// include handles "include <task> $var [as <var>]".
func (s *simulator) include(args []string) error {
	if len(args) != 2 && !(len(args) == 4 && args[2] == "as") {
		return fmt.Errorf("usage: include <task> <handle|$var> [as <var>]")
	}
	st, err := s.task(args[0])
	if err != nil {
		return err
	}
	h, err := s.value(args[1])
	if err != nil {
		return err
	}
	r, rets := s.syscall(st, syscalls.MemoryInclude, syscalls.Args{h})
	fmt.Fprintf(s.out, "include %s %d = %v", st.name, h, r)
	if r == syscalls.Success {
		fmt.Fprintf(s.out, " addr=%#x size=%d", rets[0], rets[1])
		if len(args) == 4 {
			s.vars[args[3]] = rets[0]
		}
	}
	fmt.Fprintln(s.out)
	return nil
}

func (s *simulator) syscall(st *simTask, no syscalls.Sysno, args syscalls.Args) (syscalls.Result, [2]uintptr) {
	r, rets := syscalls.Dispatch(s.ctx, st.task, no, args)
	if st.cancelled && !st.reported {
		st.reported = true
		fmt.Fprintf(s.out, "task %s cancelled (%v)\n", st.name, st.status)
	}
	return r, rets
}

// irq raises a timer interrupt whose handler reports every task's usage from
// interrupt context.
func (s *simulator) irq() {
	var parts []string
	s.k.CPU().Raise(func() {
		for _, name := range s.order {
			st := s.tasks[name]
			parts = append(parts, fmt.Sprintf("%s=%d/%d", name, st.task.UsageLocked(), len(st.task.MappingsLocked())))
		}
	})
	fmt.Fprintf(s.out, "irq %s\n", strings.Join(parts, " "))
}

func (s *simulator) task(name string) (*simTask, error) {
	st, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("no task %q", name)
	}
	return st, nil
}

// value parses a number (decimal, or 0x-prefixed hex) or a $variable.
func (s *simulator) value(arg string) (uintptr, error) {
	if name, ok := strings.CutPrefix(arg, "$"); ok {
		v, ok := s.vars[name]
		if !ok {
			return 0, fmt.Errorf("undefined variable %q", arg)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", arg, err)
	}
	return uintptr(v), nil
}

// rows returns the layout of every task that still holds mappings, in
// creation order.
func (s *simulator) rows() []memviz.Row {
	var rows []memviz.Row
	for _, name := range s.order {
		ms := s.tasks[name].task.Mappings()
		if len(ms) == 0 {
			continue
		}
		sort.Slice(ms, func(i, j int) bool { return ms[i].Addr < ms[j].Addr })
		rows = append(rows, memviz.Row{Label: name, Mappings: ms})
	}
	return rows
}

// shutdown tears down every task, including tasks killed for quota, whose
// mappings survive the kill.
func (s *simulator) shutdown() {
	for _, name := range s.order {
		s.tasks[name].task.Exit()
	}
}

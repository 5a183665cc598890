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

// Binary mmsim runs a script of memory system calls against a simulated
// kernel with any number of tasks, printing each call's result.
//
// Usage:
//
//	mmsim [-total bytes] [-host] [-png layout.png] [-debug] script.txt
//
// Script commands, one per line:
//
//	task <name>
//	alloc <task> <size> [as <var>]
//	map <task> <addr> <size> [clear]
//	free <task> <addr|$var>
//	handle <task> <addr|$var> as <var>
//	include <task> <handle|$var> [as <var>]
//	usage <task>
//	exit <task>
//	irq
package main

import (
	"flag"
	"fmt"
	"os"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/Blaze9026/skift/pkg/memviz"
	"github.com/Blaze9026/skift/pkg/sentry/mm"
	"github.com/Blaze9026/skift/pkg/sentry/pagetables"
	"github.com/Blaze9026/skift/pkg/sentry/pgalloc"
)

var (
	total = flag.Uint64("total", 0, "system memory size in bytes; 0 uses the host's")
	host  = flag.Bool("host", false, "back memory objects with anonymous host mappings")
	png   = flag.String("png", "", "write the final address-space layout to this PNG file")
	debug = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] script\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *debug {
		log.SetLevel(log.Debug)
	}
	if err := run(flag.Arg(0)); err != nil {
		log.Warningf("mmsim: %v", err)
		os.Exit(1)
	}
}

func run(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	registry := pgalloc.NewRegistry(pgalloc.RegistryOpts{HostBacked: *host})
	defer registry.Destroy()
	backend := pagetables.NewBackend(pagetables.Layout{})
	k := mm.NewKernel(mm.Config{TotalMemory: *total}, registry, backend, nil)

	sim := newSimulator(context.Background(), k, backend, os.Stdout, os.Stderr)
	defer sim.shutdown()
	if err := sim.run(f); err != nil {
		return err
	}
	log.Infof("mmsim: script done, %v", registry)
	if *png != "" {
		if err := memviz.SavePNG(*png, sim.rows(), memviz.Options{}); err != nil {
			return err
		}
		log.Infof("mmsim: wrote layout to %s", *png)
	}
	return nil
}

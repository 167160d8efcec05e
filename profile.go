package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Profiling of subcommands, enabled through the -cpuprof, -memprof and -trace
// flags. The heap profile is written when the command finishes, after a GC so
// the numbers reflect live data.

func memprofile(mempath string) {
	if mempath == "" {
		return
	}

	f, err := os.Create(mempath)
	xcheckf(err, "creating file for memory profile")
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("closing memory profile file: %v", err)
		}
	}()
	runtime.GC()
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
}

func profile(cpupath, mempath string) func() {
	if cpupath == "" {
		return func() {
			memprofile(mempath)
		}
	}

	f, err := os.Create(cpupath)
	xcheckf(err, "creating file for cpu profile")
	err = pprof.StartCPUProfile(f)
	xcheckf(err, "starting cpu profile")
	return func() {
		pprof.StopCPUProfile()
		if err := f.Close(); err != nil {
			log.Printf("closing cpu profile file: %v", err)
		}
		memprofile(mempath)
	}
}

func traceExecution(path string) func() {
	f, err := os.Create(path)
	xcheckf(err, "creating file for execution trace")
	err = trace.Start(f)
	xcheckf(err, "starting execution trace")
	return func() {
		trace.Stop()
		err := f.Close()
		xcheckf(err, "closing execution trace file")
	}
}

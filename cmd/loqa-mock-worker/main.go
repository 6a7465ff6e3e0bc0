// Command loqa-mock-worker speaks the worker protocol on stdin/stdout and
// renders silence. It can stand in for a real synthesizer with
// worker.mode=exec, or be built for GOOS=wasip1 and loaded with
// worker.mode=wasm.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-piper/internal/worker"
)

func main() {
	var (
		sampleRate int
		stepMS     int
	)
	flag.IntVar(&sampleRate, "sample-rate", 22050, "Sample rate of rendered audio")
	flag.IntVar(&stepMS, "step-ms", 0, "Delay between simulated download steps")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "mock worker ready")
	sim := worker.NewSimulator(sampleRate, time.Duration(stepMS)*time.Millisecond)
	if err := worker.ServeStdio(ctx, os.Stdin, os.Stdout, sim); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

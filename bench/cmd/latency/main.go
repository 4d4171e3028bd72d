// Package bench — latency/main.go
//
// Pipeline decision latency measurement tool.
//
// Measures the wall-clock time of Pipeline.Process() — the full
// classifier -> intent -> safety -> execution path — for a synthetic
// stream of AgentEvents.
//
// Method:
//   1. Constructs a single Pipeline with the default config and a
//      no-op execution adapter (so execution latency reflects adapter
//      dispatch overhead, not real tool work).
//   2. Feeds it a synthetic event stream at a fixed token/interval
//      profile, measuring each Process() call with
//      time.Now()/time.Since() around the call.
//   3. Results are written to a CSV file.
//
// The measurement includes:
//   - Classifier, IntentCore, and SafetyGate evaluation
//   - Fingerprint digest accumulation
//   - Adapter dispatch (no-op)
//
// It does NOT include:
//   - Real execution adapter latency (network calls, subprocess spawns)
//   - Telemetry ledger writes (run with Storage.Enabled=false)
//
// Output CSV columns:
//   iteration, latency_us, allowed (true/false)
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/octoreflex/sentinel/contrib"
	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/pipeline"
	"github.com/octoreflex/sentinel/internal/types"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of Process() calls to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	tokensPerEvent := flag.Int("tokens", 50, "TokenCount carried by each synthetic event")
	intervalMs := flag.Int64("interval-ms", 200, "Simulated spacing between events")
	flag.Parse()

	// Lock to OS thread to minimise scheduling jitter.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	_ = w.Write([]string{"iteration", "latency_us", "allowed"})

	cfg := config.Defaults()
	now := int64(0)
	clock := func() int64 { return now }
	p := pipeline.New("bench", cfg, clock, &contrib.NoopAdapter{}, pipeline.NopSink{})

	var (
		totalVetoed int
		bucket      [10001]int // Histogram buckets: 0-10000us
	)

	for i := 0; i < *iterations; i++ {
		now += *intervalMs

		start := time.Now()
		outcome := p.Process(types.AgentEvent{Timestamp: now, TokenCount: *tokensPerEvent, ToolCalls: 1})
		latency := time.Since(start)

		if !outcome.Decision.Allowed {
			totalVetoed++
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(bucket) {
			bucket[latencyUs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			strconv.FormatBool(outcome.Decision.Allowed),
		})
	}

	p50, p95, p99 := computePercentiles(bucket[:], *iterations)

	fmt.Printf("Pipeline Decision Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  Vetoed: %d/%d (%.1f%%)\n", totalVetoed, *iterations,
		float64(totalVetoed)/float64(*iterations)*100)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	// Exit 1 if p99 exceeds the synchronous decision-latency target. A
	// kill-switch gate that isn't fast compared to the work it gates isn't
	// worth the synchronous call.
	if p99 > 2000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dus exceeds 2000us target\n", p99)
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}

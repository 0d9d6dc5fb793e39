// Command kvscanbench drives concurrent basic scan requests against a
// running kvscand node and reports latency percentiles, in the same
// concurrent-workers-plus-percentile-summary shape as cmd/bench.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/scan/request"
	"github.com/user/kvscan/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:3800", "kvscand scan listener address")
	adminAddr := flag.String("admin-addr", "http://localhost:3801", "kvscand admin HTTP address")
	namespace := flag.String("namespace", "default", "namespace to scan")
	set := flag.String("set", "", "set name to scan (empty means whole namespace)")
	scans := flag.Int("scans", 100, "total number of basic scans to run")
	concurrency := flag.Int("concurrency", 10, "number of concurrent scanning goroutines")
	flag.Parse()

	fmt.Printf("kvscanbench\n  addr:        %s\n  namespace:   %s\n  set:         %q\n  scans:       %d\n  concurrency: %d\n\n",
		*addr, *namespace, *set, *scans, *concurrency)

	resp, err := http.Get(*adminAddr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach admin endpoint: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()

	lats := make([]time.Duration, *scans)
	var idx atomic.Int64
	var failures atomic.Int64
	var wg sync.WaitGroup

	perWorker := *scans / *concurrency
	remainder := *scans % *concurrency
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		n := perWorker
		if i < remainder {
			n++
		}
		wg.Add(1)
		go func(count int) {
			defer wg.Done()
			for j := 0; j < count; j++ {
				opStart := time.Now()
				if err := runOneScan(*addr, *namespace, *set); err != nil {
					failures.Add(1)
					continue
				}
				pos := idx.Add(1) - 1
				if pos < int64(*scans) {
					lats[pos] = time.Since(opStart)
				}
			}
		}(n)
	}
	wg.Wait()
	elapsed := time.Since(start)

	completed := int(idx.Load())
	fmt.Printf("completed: %d/%d in %s (failures: %d)\n", completed, *scans, elapsed.Round(time.Millisecond), failures.Load())
	if completed == 0 {
		return
	}

	lats = lats[:completed]
	slices.Sort(lats)
	var sum time.Duration
	for _, l := range lats {
		sum += l
	}
	n := len(lats)
	fmt.Printf("  ops/sec: %.1f\n", float64(n)/elapsed.Seconds())
	fmt.Printf("  avg:     %s\n", (sum / time.Duration(n)).Round(time.Microsecond))
	fmt.Printf("  p50:     %s\n", lats[n*50/100].Round(time.Microsecond))
	fmt.Printf("  p90:     %s\n", lats[n*90/100].Round(time.Microsecond))
	fmt.Printf("  p99:     %s\n", lats[n*99/100].Round(time.Microsecond))
	fmt.Printf("  min:     %s\n", lats[0].Round(time.Microsecond))
	fmt.Printf("  max:     %s\n", lats[n-1].Round(time.Microsecond))
}

// runOneScan opens a connection, submits a basic whole-partition-range
// scan, and drains the response stream until the fin frame arrives.
func runOneScan(addr, namespace, set string) error {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	env := wire.RequestEnvelope{
		Raw: request.Raw{
			Namespace: namespace,
			Set:       set,
			ClientID:  "kvscanbench",
		},
	}
	payload, err := wire.EncodeRequest(env)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.Write(payload); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		typ, body, err := wire.ReadFrame(c)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if typ == wire.FrameTypeFin {
			if len(body) > 0 && job.Reason(body[0]) != job.ReasonNone {
				return fmt.Errorf("scan finished with reason %v", job.Reason(body[0]))
			}
			return nil
		}
	}
}

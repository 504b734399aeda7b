// Loadtest sends raw HTTP/1.1 requests to the load balancer over TCP, one
// connection per request, and reports throughput, latency percentiles and
// how requests were spread across backends.
//
// Usage:
//
//	go run ./scripts/loadtest -addr 127.0.0.1:9876 -concurrency 10 -requests 1000
//	go run ./scripts/loadtest -addr 127.0.0.1:9876 -requests 5000 -csv results.csv -out summary.json
//
// Backends are identified by the X-Backend-Server response header that
// scripts/backend sets.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/tcp-load-balancer/internal/framing"
)

type result struct {
	idx      int
	backend  string
	status   int
	duration time.Duration
	err      error
}

type backendStats struct {
	Count     int             `json:"count"`
	Success   int             `json:"success"`
	Failure   int             `json:"failure"`
	Latencies []time.Duration `json:"-"`
}

type backendSummary struct {
	Total   int     `json:"total"`
	Success int     `json:"success"`
	Failure int     `json:"failure"`
	P50     float64 `json:"p50_ms"`
	P90     float64 `json:"p90_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
}

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:9876", "load balancer address")
		concurrency = flag.Int("concurrency", 10, "number of concurrent connections")
		requests    = flag.Int("requests", 100, "total number of requests to send")
		method      = flag.String("method", "GET", "HTTP method")
		path        = flag.String("path", "/", "request path")
		body        = flag.String("body", "", "request body")
		timeout     = flag.Duration("timeout", 10*time.Second, "per-request timeout")
		outJSON     = flag.String("out", "", "write JSON summary to this file")
		outCSV      = flag.String("csv", "", "write per-request CSV to this file")
		verbose     = flag.Bool("v", false, "print every request")
	)
	flag.Parse()

	payload := buildRequest(*method, *path, *addr, *body)
	framer := framing.New(nil)

	results := make([]result, *requests)

	var g errgroup.Group
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := range *requests {
		g.Go(func() error {
			results[i] = send(framer, *addr, payload, *timeout)
			results[i].idx = i
			if *verbose {
				r := results[i]
				fmt.Printf("idx=%d backend=%s status=%d dur=%v err=%v\n", i, r.backend, r.status, r.duration, r.err)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	stats, statusCodes, failures := summarize(results)

	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s\n", *addr)
	fmt.Printf("Requests: %d  Concurrency: %d  Failures: %d\n", *requests, *concurrency, failures)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", elapsed, float64(*requests)/elapsed.Seconds())

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(statusCodes))
	for code := range statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, statusCodes[code])
	}

	fmt.Println("\nBackend distribution:")
	summaries := make(map[string]backendSummary, len(stats))
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		bs := stats[name]
		sum := summarizeBackend(bs)
		summaries[name] = sum
		fmt.Printf("  %s -> total=%d success=%d failure=%d p50=%.1fms p99=%.1fms\n",
			name, sum.Total, sum.Success, sum.Failure, sum.P50, sum.P99)
	}

	if *outCSV != "" {
		if err := writeCSV(*outCSV, results); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write csv: %v\n", err)
			os.Exit(1)
		}
	}

	if *outJSON != "" {
		report := map[string]any{
			"target":         *addr,
			"requests":       *requests,
			"concurrency":    *concurrency,
			"failure":        failures,
			"duration_ms":    elapsed.Milliseconds(),
			"throughput_rps": float64(*requests) / elapsed.Seconds(),
			"status_codes":   statusCodes,
			"backends":       summaries,
		}
		if err := writeJSON(*outJSON, report); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write json: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if failures > 0 {
		os.Exit(2)
	}
}

func buildRequest(method, path, host, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	if body != "" {
		b.WriteString("Content-Type: application/json\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.WriteString(body)
	return []byte(b.String())
}

func send(framer *framing.Framer, addr string, payload []byte, timeout time.Duration) result {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return result{err: err, duration: time.Since(start)}
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(payload); err != nil {
		return result{err: err, duration: time.Since(start)}
	}

	resp, err := framer.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		return result{err: err, duration: time.Since(start)}
	}

	res := result{duration: time.Since(start), backend: "(unknown)"}
	res.status, _ = framing.StatusCode(resp.StartLine)
	for _, h := range resp.Headers {
		if strings.EqualFold(h.Name, "X-Backend-Server") {
			res.backend = strings.TrimSpace(h.Value)
		}
	}
	return res
}

func summarize(results []result) (map[string]*backendStats, map[int]int, int) {
	stats := make(map[string]*backendStats)
	codes := make(map[int]int)
	failures := 0

	for _, r := range results {
		if r.err != nil {
			failures++
			continue
		}
		codes[r.status]++

		bs, ok := stats[r.backend]
		if !ok {
			bs = &backendStats{}
			stats[r.backend] = bs
		}
		bs.Count++
		if r.status >= 200 && r.status <= 299 {
			bs.Success++
		} else {
			bs.Failure++
			failures++
		}
		bs.Latencies = append(bs.Latencies, r.duration)
	}

	return stats, codes, failures
}

func summarizeBackend(bs *backendStats) backendSummary {
	sum := backendSummary{Total: bs.Count, Success: bs.Success, Failure: bs.Failure}
	if len(bs.Latencies) == 0 {
		return sum
	}

	sorted := make([]time.Duration, len(bs.Latencies))
	copy(sorted, bs.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	pick := func(p float64) float64 {
		return float64(sorted[int(float64(len(sorted)-1)*p)].Microseconds()) / 1000.0
	}
	sum.P50 = pick(0.50)
	sum.P90 = pick(0.90)
	sum.P95 = pick(0.95)
	sum.P99 = pick(0.99)
	return sum
}

func writeCSV(path string, results []result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"idx", "backend", "status", "duration_ms", "error"})
	for _, r := range results {
		errText := ""
		if r.err != nil {
			errText = r.err.Error()
		}
		w.Write([]string{
			strconv.Itoa(r.idx),
			r.backend,
			strconv.Itoa(r.status),
			fmt.Sprintf("%.3f", float64(r.duration.Microseconds())/1000.0),
			errText,
		})
	}
	w.Flush()
	return w.Error()
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Command loadtest drives GET /api/v1/compile with a query mix and reports
// throughput, latency percentiles, status codes and the plan cache hit rate
// seen by clients.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Typos, missing spaces, synonyms, a trailing space and CJK, so every
// compilation path is exercised.
var defaultQueries = []string{
	"new york",
	"new york ",
	"ny",
	"nyc subway",
	"newyork city",
	"manhatan",
	"brooklin bridge",
	"paris eiffel",
	"eiffeltower",
	"los angeles",
	"la",
	"東京",
	"東京 tower",
	"the capital of fr",
	"metro",
}

type runConfig struct {
	baseURL     string
	concurrency int
	duration    time.Duration
	queries     []string
}

type sample struct {
	latency  time.Duration
	status   int
	cacheHit bool
	failed   bool
}

// recorder collects per-request samples from all workers.
type recorder struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recorder) add(s sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

// Report summarises a run.
type Report struct {
	Requests     int            `json:"requests"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	ErrorRate    float64        `json:"error_rate"`
	RequestsPerS float64        `json:"requests_per_second"`
	CacheHitRate float64        `json:"cache_hit_rate"`
	StatusCodes  map[int]int    `json:"status_codes"`
	Latency      LatencySummary `json:"latency"`
}

// LatencySummary is computed over requests that received a response.
type LatencySummary struct {
	Min    time.Duration `json:"min_ns"`
	Mean   time.Duration `json:"mean_ns"`
	P50    time.Duration `json:"p50_ns"`
	P90    time.Duration `json:"p90_ns"`
	P95    time.Duration `json:"p95_ns"`
	P99    time.Duration `json:"p99_ns"`
	Max    time.Duration `json:"max_ns"`
	StdDev time.Duration `json:"stddev_ns"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the query compiler")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	queryFile := flag.String("queries", "", "file with one query per line (default: built-in mix)")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	queries := defaultQueries
	if *queryFile != "" {
		loaded, err := readQueries(*queryFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		queries = loaded
	}

	cfg := runConfig{
		baseURL:     strings.TrimSuffix(*baseURL, "/"),
		concurrency: max(*concurrency, 1),
		duration:    *duration,
		queries:     queries,
	}
	if !*asJSON {
		fmt.Printf("target %s, %d workers for %s, %d queries\n",
			cfg.baseURL, cfg.concurrency, cfg.duration, len(cfg.queries))
	}

	samples := run(cfg)
	report := summarize(samples, cfg.duration)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	} else {
		printReport(os.Stdout, report)
	}
	if report.Requests == 0 {
		fmt.Fprintln(os.Stderr, "no requests completed; is the service running?")
		os.Exit(1)
	}
}

// readQueries loads non-blank lines of path. Lines are kept verbatim apart
// from the newline so trailing spaces still reach the compiler.
func readQueries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening query file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading query file: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("query file %s has no queries", path)
	}
	return out, nil
}

func run(cfg runConfig) []sample {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency * 2,
			MaxIdleConnsPerHost: cfg.concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	rec := &recorder{samples: make([]sample, 0, 1<<16)}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.concurrency; w++ {
		w := w
		g.Go(func() error {
			for i := w; ctx.Err() == nil; i++ {
				s, ok := compileOnce(ctx, client, cfg.baseURL, cfg.queries[i%len(cfg.queries)])
				if ok {
					rec.add(s)
				}
			}
			return nil
		})
	}
	g.Wait()
	return rec.samples
}

// compileOnce issues one request. It reports false when the run ended
// while the request was in flight.
func compileOnce(ctx context.Context, client *http.Client, baseURL, query string) (sample, bool) {
	target := baseURL + "/api/v1/compile?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sample{failed: true}, true
	}

	start := time.Now()
	resp, err := client.Do(req)
	took := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return sample{}, false
		}
		return sample{failed: true}, true
	}
	defer resp.Body.Close()

	s := sample{latency: took, status: resp.StatusCode, failed: resp.StatusCode/100 != 2}
	if resp.StatusCode == http.StatusOK {
		var body struct {
			CacheHit bool `json:"cache_hit"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			s.cacheHit = body.CacheHit
		}
	}
	io.Copy(io.Discard, resp.Body)
	return s, true
}

func summarize(samples []sample, elapsed time.Duration) Report {
	r := Report{
		Requests:    len(samples),
		StatusCodes: make(map[int]int),
	}
	var hits int
	latencies := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.failed {
			r.Failed++
		} else {
			r.Succeeded++
		}
		if s.cacheHit {
			hits++
		}
		if s.status != 0 {
			r.StatusCodes[s.status]++
			latencies = append(latencies, s.latency)
		}
	}
	if r.Requests > 0 {
		r.ErrorRate = float64(r.Failed) / float64(r.Requests)
		if elapsed > 0 {
			r.RequestsPerS = float64(r.Requests) / elapsed.Seconds()
		}
	}
	if r.Succeeded > 0 {
		r.CacheHitRate = float64(hits) / float64(r.Succeeded)
	}
	r.Latency = summarizeLatency(latencies)
	return r
}

func summarizeLatency(latencies []time.Duration) LatencySummary {
	if len(latencies) == 0 {
		return LatencySummary{}
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	mean := sum / time.Duration(len(latencies))

	var sq float64
	for _, l := range latencies {
		d := float64(l - mean)
		sq += d * d
	}

	return LatencySummary{
		Min:    latencies[0],
		Mean:   mean,
		P50:    percentile(latencies, 50),
		P90:    percentile(latencies, 90),
		P95:    percentile(latencies, 95),
		P99:    percentile(latencies, 99),
		Max:    latencies[len(latencies)-1],
		StdDev: time.Duration(math.Sqrt(sq / float64(len(latencies)))),
	}
}

func printReport(w io.Writer, r Report) {
	fmt.Fprintf(w, "requests      %d (%.1f/s)\n", r.Requests, r.RequestsPerS)
	fmt.Fprintf(w, "succeeded     %d\n", r.Succeeded)
	fmt.Fprintf(w, "failed        %d (%.2f%%)\n", r.Failed, r.ErrorRate*100)
	fmt.Fprintf(w, "cache hits    %.2f%%\n", r.CacheHitRate*100)

	l := r.Latency
	fmt.Fprintf(w, "latency       min %s  mean %s  max %s  stddev %s\n", l.Min, l.Mean, l.Max, l.StdDev)
	fmt.Fprintf(w, "percentiles   p50 %s  p90 %s  p95 %s  p99 %s\n", l.P50, l.P90, l.P95, l.P99)

	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "status %d    %d\n", code, r.StatusCodes[code])
	}
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

// Load generator for the /mcp endpoint: fires tools/call requests from a
// worker pool and reports throughput, denial rate, and latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpgate/backend/internal/protocol"
)

type loadTestConfig struct {
	URL            string
	APIKey         string
	Tool           string
	NumCalls       int
	Concurrency    int
	ReportInterval time.Duration
}

type loadTestStats struct {
	TotalCalls      uint64
	Succeeded       uint64
	Denied          uint64
	Failed          uint64
	TotalDuration   time.Duration
	AvgLatency      time.Duration
	MinLatency      time.Duration
	MaxLatency      time.Duration
	P95Latency      time.Duration
	P99Latency      time.Duration
	CallsPerSecond  float64
}

func main() {
	url := flag.String("url", "http://localhost:8402/mcp", "gateway /mcp endpoint")
	apiKey := flag.String("key", "", "API key to call with")
	tool := flag.String("tool", "fs:read_file", "prefixed tool name to call")
	numCalls := flag.Int("calls", 1000, "number of tool calls")
	concurrency := flag.Int("concurrency", 50, "concurrent workers")
	reportInterval := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := loadTestConfig{
		URL:            *url,
		APIKey:         *apiKey,
		Tool:           *tool,
		NumCalls:       *numCalls,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("starting load test", "url", cfg.URL, "tool", cfg.Tool,
		"calls", cfg.NumCalls, "concurrency", cfg.Concurrency)
	printResults(runLoadTest(cfg))
}

func runLoadTest(cfg loadTestConfig) *loadTestStats {
	stats := &loadTestStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	client := &http.Client{Timeout: 60 * time.Second}

	callCh := make(chan int, cfg.NumCalls)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportProgress(ctx, stats, cfg.ReportInterval)

	start := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for callID := range callCh {
				fireCall(client, cfg, callID, stats, &latencies, &latenciesMu)
			}
		}()
	}

	for i := 0; i < cfg.NumCalls; i++ {
		callCh <- i
	}
	close(callCh)
	wg.Wait()

	stats.TotalDuration = time.Since(start)
	stats.CallsPerSecond = float64(stats.TotalCalls) / stats.TotalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = average(latencies)
		stats.P95Latency = percentile(latencies, 95)
		stats.P99Latency = percentile(latencies, 99)
	}
	latenciesMu.Unlock()
	return stats
}

func fireCall(client *http.Client, cfg loadTestConfig, callID int, stats *loadTestStats, latencies *[]time.Duration, latenciesMu *sync.Mutex) {
	req := protocol.Request{
		JSONRPC: protocol.Version,
		ID:      callID,
		Method:  protocol.MethodToolsCall,
	}
	params, _ := json.Marshal(protocol.ToolCallParams{
		Name:      cfg.Tool,
		Arguments: map[string]interface{}{"loadtest_call": callID},
	})
	req.Params = params
	payload, _ := json.Marshal(&req)

	httpReq, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		atomic.AddUint64(&stats.TotalCalls, 1)
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", cfg.APIKey)
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalCalls, 1)
	switch {
	case err != nil:
		atomic.AddUint64(&stats.Failed, 1)
	default:
		var rpcResp protocol.Response
		decodeErr := json.NewDecoder(httpResp.Body).Decode(&rpcResp)
		httpResp.Body.Close()
		switch {
		case decodeErr != nil:
			atomic.AddUint64(&stats.Failed, 1)
		case rpcResp.Error == nil:
			atomic.AddUint64(&stats.Succeeded, 1)
		case rpcResp.Error.Code == protocol.CodePaymentRequired:
			atomic.AddUint64(&stats.Denied, 1)
		default:
			atomic.AddUint64(&stats.Failed, 1)
		}
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportProgress(ctx context.Context, stats *loadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"total", atomic.LoadUint64(&stats.TotalCalls),
				"succeeded", atomic.LoadUint64(&stats.Succeeded),
				"denied", atomic.LoadUint64(&stats.Denied),
				"failed", atomic.LoadUint64(&stats.Failed))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *loadTestStats) {
	separator := "================================================================================"

	fmt.Println("\n" + separator)
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Calls:      %d\n", stats.TotalCalls)
	fmt.Printf("Succeeded:        %d\n", stats.Succeeded)
	fmt.Printf("Denied (-32402):  %d\n", stats.Denied)
	fmt.Printf("Failed:           %d\n", stats.Failed)
	fmt.Printf("Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:       %.2f calls/sec\n", stats.CallsPerSecond)
	fmt.Printf("Latency min/avg:  %v / %v\n", stats.MinLatency, stats.AvgLatency)
	fmt.Printf("Latency p95/p99:  %v / %v\n", stats.P95Latency, stats.P99Latency)
	fmt.Printf("Latency max:      %v\n", stats.MaxLatency)
	fmt.Println(separator)
}

func average(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, pct int) time.Duration {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * pct / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

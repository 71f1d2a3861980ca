package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/cadence/internal/network"
)

var (
	numClients     int
	actionInterval time.Duration
	testDuration   time.Duration
	resultsFile    string
)

// Stats tracks round trips across all clients.
type Stats struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	Errors           atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *Stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

var agitateCmd = &cobra.Command{
	Use:   "agitate",
	Short: "Open many WebSocket clients and measure command round trips",
	Long: `Each client sends STATUS commands at the given interval and measures
the time until the matching ACK. Snapshot and event broadcasts are counted
but not timed. Read-only commands keep the engine's loops untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), testDuration)
		defer cancel()

		stats := runAgitation(ctx)
		return printResults(stats)
	},
}

func init() {
	agitateCmd.Flags().IntVar(&numClients, "clients", 50, "Number of concurrent clients")
	agitateCmd.Flags().DurationVar(&actionInterval, "interval", 100*time.Millisecond, "Command interval per client")
	agitateCmd.Flags().DurationVar(&testDuration, "duration", 30*time.Second, "Test duration")
	agitateCmd.Flags().StringVar(&resultsFile, "out", "", "Write results as JSON to this file")
	rootCmd.AddCommand(agitateCmd)
}

func runAgitation(ctx context.Context) *Stats {
	stats := &Stats{}
	var wg sync.WaitGroup

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, id, stats)
		}(i)

		// Stagger client starts to avoid thundering herd
		time.Sleep(10 * time.Millisecond)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return stats
		case <-ticker.C:
			fmt.Printf("progress: sent=%d recv=%d errors=%d\n",
				stats.MessagesSent.Load(), stats.MessagesReceived.Load(), stats.Errors.Load())
		}
	}
}

func runClient(ctx context.Context, id int, stats *Stats) {
	conn, err := dial(ctx)
	if err != nil {
		stats.Errors.Add(1)
		return
	}
	defer conn.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time)
	)
	go func() {
		for {
			var msg network.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			stats.MessagesReceived.Add(1)
			if msg.Ref == "" {
				continue
			}
			mu.Lock()
			sent, ok := pending[msg.Ref]
			delete(pending, msg.Ref)
			mu.Unlock()
			if !ok {
				continue
			}
			if msg.Type == network.MsgTypeError {
				stats.Errors.Add(1)
				continue
			}
			stats.observe(time.Since(sent))
		}
	}()

	ticker := time.NewTicker(actionInterval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ref := fmt.Sprintf("c%03d-%d", id, n)
			mu.Lock()
			pending[ref] = time.Now()
			mu.Unlock()
			if err := conn.WriteJSON(network.Command{Type: network.CmdStatus, Ref: ref}); err != nil {
				stats.Errors.Add(1)
				return
			}
			stats.MessagesSent.Add(1)
		}
	}
}

func printResults(stats *Stats) error {
	sent := stats.MessagesSent.Load()
	recv := stats.MessagesReceived.Load()
	errs := stats.Errors.Load()

	fmt.Println("\n=========================================")
	fmt.Println("AGITATION RESULTS")
	fmt.Println("=========================================")
	fmt.Printf("Messages Sent:     %d\n", sent)
	fmt.Printf("Messages Received: %d\n", recv)
	fmt.Printf("Errors:            %d\n", errs)
	fmt.Printf("Error Rate:        %.2f%%\n", float64(errs)/float64(sent+1)*100)
	throughput := float64(sent) / testDuration.Seconds()
	fmt.Printf("Throughput:        %.2f msg/sec\n", throughput)

	stats.mu.Lock()
	lat := slices.Clone(stats.latencies)
	stats.mu.Unlock()
	results := map[string]any{
		"messages_sent":      sent,
		"messages_received":  recv,
		"errors":             errs,
		"throughput_per_sec": throughput,
		"clients":            numClients,
		"interval":           actionInterval.String(),
		"duration":           testDuration.String(),
	}
	if len(lat) > 0 {
		slices.Sort(lat)
		p := func(q int) time.Duration { return lat[min(len(lat)-1, q*len(lat)/100)] }
		fmt.Printf("\nRound trip:\n  Min: %v\n  P50: %v\n  P95: %v\n  Max: %v\n", lat[0], p(50), p(95), lat[len(lat)-1])
		results["rtt_p50"] = p(50).String()
		results["rtt_p95"] = p(95).String()
	}

	if resultsFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(resultsFile, data, 0644); err != nil {
		return err
	}
	fmt.Printf("\nResults saved to %s\n", resultsFile)
	return nil
}

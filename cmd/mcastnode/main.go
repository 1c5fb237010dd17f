// Package main runs a complete multicast group inside one process.
//
// Every configured member gets its own Group, all of them attached to one
// loopback fabric and sharing one state table. Each member sends the
// configured number of messages into every subgroup it belongs to, and the
// process exits once every member has delivered every message of its shards,
// or on SIGINT/SIGTERM.
//
// Configuration is read from the YAML file named by VSYNC_CONFIG (default
// "vsync.yaml") with VSYNC_* environment overrides; see internal/config.
//
// Example usage:
//
//	VSYNC_CONFIG=vsync.yaml VSYNC_LOG_LEVEL=debug ./mcastnode
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/vsync/internal/config"
	"github.com/dreamware/vsync/internal/multicast"
	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/transport"
	"github.com/dreamware/vsync/internal/view"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load(getenv("VSYNC_CONFIG", "vsync.yaml"))
	if err != nil {
		logFatal("%v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		logFatal("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", zap.Error(err))
			}
		}()
	}

	counts, err := run(ctx, cfg, logger, reg)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
	for _, id := range sortedIDs(counts) {
		logger.Info("delivered", zap.Uint32("node", uint32(id)), zap.Int("messages", counts[id]))
	}
}

// serveMetrics exposes reg at /metrics on addr until shut down.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}

// tally counts deliveries per node and closes done once every node has
// delivered what it expects.
type tally struct {
	expected map[view.NodeID]int
	got      map[view.NodeID]int
	done     chan struct{}
	pending  int
	mu       sync.Mutex
}

func newTally(expected map[view.NodeID]int) *tally {
	t := &tally{
		expected: expected,
		got:      make(map[view.NodeID]int, len(expected)),
		done:     make(chan struct{}),
	}
	for _, n := range expected {
		t.pending += n
	}
	if t.pending == 0 {
		close(t.done)
	}
	return t
}

func (t *tally) add(id view.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.got[id]++
	if t.got[id] <= t.expected[id] {
		t.pending--
		if t.pending == 0 {
			close(t.done)
		}
	}
}

func (t *tally) counts() map[view.NodeID]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[view.NodeID]int, len(t.got))
	for id, n := range t.got {
		out[id] = n
	}
	return out
}

// expectedDeliveries is how many messages each member delivers when every
// member sends messages into every subgroup it belongs to.
func expectedDeliveries(v *view.View, layout view.Layout, messages int) map[view.NodeID]int {
	want := make(map[view.NodeID]int, len(v.Members))
	for _, id := range v.Members {
		want[id] = 0
		for _, shards := range layout {
			for _, shard := range shards {
				if shard.RankOf(id) >= 0 {
					want[id] += messages * len(shard.Members)
				}
			}
		}
	}
	return want
}

// run builds one Group per member, sends the configured messages and waits
// until all of them are delivered everywhere or ctx ends. It returns the
// number of messages each member delivered.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (map[view.NodeID]int, error) {
	v, err := cfg.View()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Partition.Partitioner()
	if err != nil {
		return nil, err
	}
	layout, err := policy.Partition(v)
	if err != nil {
		return nil, err
	}
	if err := view.Validate(v, layout); err != nil {
		return nil, err
	}

	table := sst.NewTable(len(v.Members), len(layout), view.NumReceivedWidth(v, layout))
	fabric := transport.NewFabric(logger)
	defer fabric.Close()
	for _, id := range v.Members {
		fabric.Attach(id)
	}

	t := newTally(expectedDeliveries(v, layout, cfg.Messages))
	groups := make(map[view.NodeID]*multicast.Group, len(v.Members))
	defer func() {
		for _, g := range groups {
			if err := g.Close(); err != nil {
				logger.Warn("closing group", zap.Uint32("node", uint32(g.ID())), zap.Error(err))
			}
		}
	}()

	for _, id := range v.Members {
		asn, err := view.Assign(v, layout, id)
		if err != nil {
			return nil, err
		}
		params := cfg.Multicast
		if params.PersistenceLogPath != "" {
			if err := os.MkdirAll(params.PersistenceLogPath, 0o755); err != nil {
				return nil, err
			}
			params.PersistenceLogPath = filepath.Join(params.PersistenceLogPath, fmt.Sprintf("node-%d.db", id))
		}
		g, err := multicast.New(v.Members, id, table, fabric.Attach(id),
			multicast.CallbackSet{GlobalStability: deliveryLogger(id, cfg.NodeID, t, logger)},
			asn, params, multicast.Options{
				ViewID:        v.ID,
				AlreadyFailed: v.Failed,
				Logger:        logger,
				Registerer:    reg,
				OnSuspect: func(member view.NodeID) {
					logger.Warn("member suspected", zap.Uint32("node", uint32(id)), zap.Uint32("member", uint32(member)))
				},
			})
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		groups[id] = g
	}
	for _, g := range groups {
		g.Start(ctx)
	}

	eg, sendCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		g := g
		eg.Go(func() error { return sendAll(sendCtx, g, cfg.Messages, cfg.PayloadSize) })
	}
	if err := eg.Wait(); err != nil {
		return t.counts(), err
	}

	select {
	case <-t.done:
		return t.counts(), nil
	case <-ctx.Done():
		return t.counts(), ctx.Err()
	}
}

func deliveryLogger(id, watch view.NodeID, t *tally, logger *zap.Logger) multicast.MessageCallback {
	return func(sg uint32, sender view.NodeID, index int64, payload []byte) {
		t.add(id)
		if watch == 0 || watch == id {
			logger.Debug("message delivered",
				zap.Uint32("node", uint32(id)),
				zap.Uint32("subgroup", sg),
				zap.Uint32("sender", uint32(sender)),
				zap.Int64("index", index),
				zap.ByteString("payload", payload))
		}
	}
}

// sendAll sends n messages from g into every subgroup g belongs to, waiting
// for the send window whenever it is full.
func sendAll(ctx context.Context, g *multicast.Group, n, size int) error {
	for _, sg := range g.Assignment().Subgroups() {
		for i := 0; i < n; i++ {
			body := payload(g.ID(), sg, i, size)
			for {
				buf, err := g.GetSendBuffer(sg, uint64(len(body)), 0, false)
				if err != nil {
					return err
				}
				if buf != nil {
					copy(buf, body)
					if err := g.Send(sg); err != nil {
						return err
					}
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
		}
	}
	return nil
}

// payload builds a size-byte message naming its origin, padded with dots or
// truncated.
func payload(id view.NodeID, sg uint32, i, size int) []byte {
	tag := fmt.Sprintf("%d/%d/%d", id, sg, i)
	out := make([]byte, size)
	for j := range out {
		out[j] = '.'
	}
	copy(out, tag)
	return out
}

func sortedIDs(m map[view.NodeID]int) []view.NodeID {
	ids := make([]view.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

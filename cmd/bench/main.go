// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main benchmarks an lfkv store under concurrent sessions while
// checkpoints run in the background.
//
// Every worker owns one session and issues a mix of reads, upserts and RMWs
// over a shared key space. A separate goroutine takes checkpoints at a fixed
// interval, so the numbers include the cost of the version changes sessions
// take part in.
//
// # Usage
//
//	go run ./cmd/bench --workers=8 --ops=1000000 --checkpoint-interval=200ms
//
// Serve Prometheus metrics while the benchmark runs:
//
//	go run ./cmd/bench --metrics-addr=:9090
//
// # Interpreting Results
//
//   - **Throughput**: operations per second across all workers
//   - **Pending**: operations that needed a device read or a retry
//   - **Checkpoints**: checkpoints completed while the workload ran
//
// # Dangers and Warnings
//
//   - **Resource Consumption**: Benchmarks can consume significant CPU and memory resources.
//   - **Small Memory**: A key space larger than the in-memory log pushes reads to the device, which dominates the results.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/kianostad/lfkv"
	"github.com/kianostad/lfkv/internal/config"
)

const iniFilename = "lfkv-bench.ini"

type workload struct {
	Workers            int           `long:"workers" default:"4" description:"Number of concurrent sessions"`
	Keys               int           `long:"keys" default:"100000" description:"Size of the key space"`
	Ops                int           `long:"ops" default:"1000000" description:"Operations per worker"`
	ReadPercent        int           `long:"read-percent" default:"50" description:"Percent of operations that are reads"`
	RMWPercent         int           `long:"rmw-percent" default:"25" description:"Percent of operations that are RMWs; the rest are upserts"`
	CheckpointInterval time.Duration `long:"checkpoint-interval" default:"0s" description:"Interval between checkpoints. Zero disables them"`
	Snapshot           bool          `long:"snapshot" description:"Take snapshot instead of fold-over checkpoints"`
	Seed               int64         `long:"seed" default:"1" description:"Random seed of the first worker"`
}

type benchConfig struct {
	Workload    workload           `group:"Workload"`
	MetricsAddr string             `long:"metrics-addr" description:"Address to serve Prometheus metrics on, e.g. :9090"`
	Log         config.LogConfig   `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Store       config.StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
}

type result struct {
	Ops         int64
	Pending     int64
	NotFound    int64
	Checkpoints int64
	Elapsed     time.Duration
}

func (r result) write(w io.Writer) {
	fmt.Fprintf(w, "Operations:  %s in %v (%s ops/sec)\n",
		humanize.Comma(r.Ops), r.Elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(r.Ops)/r.Elapsed.Seconds())))
	fmt.Fprintf(w, "Pending:     %s\n", humanize.Comma(r.Pending))
	fmt.Fprintf(w, "Not found:   %s\n", humanize.Comma(r.NotFound))
	fmt.Fprintf(w, "Checkpoints: %d\n", r.Checkpoints)
}

func sum(old, in int64) int64 { return old + in }

// run drives w against store and returns once every worker is done.
func run(ctx context.Context, store *lfkv.Store[int64], w workload) (result, error) {
	var res result
	start := time.Now()

	workers, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Workers; i++ {
		seed := w.Seed + int64(i)
		workers.Go(func() error {
			return worker(ctx, store, w, seed, &res)
		})
	}

	done := make(chan struct{})
	checkpoints := make(chan error, 1)
	go func() {
		checkpoints <- checkpointer(ctx, store, w, done, &res.Checkpoints)
	}()

	err := workers.Wait()
	close(done)
	if cerr := <-checkpoints; err == nil {
		err = cerr
	}
	res.Elapsed = time.Since(start)
	return res, err
}

func worker(ctx context.Context, store *lfkv.Store[int64], w workload, seed int64, res *result) error {
	s, err := lfkv.NewSession[int64, int64, int64, struct{}](store, lfkv.NewSimpleFunctions[int64, struct{}](sum))
	if err != nil {
		return err
	}
	defer s.Close()

	rnd := rand.New(rand.NewSource(seed)) // #nosec G404
	var out int64
	var pending, notFound int64
	for serial := int64(1); serial <= int64(w.Ops); serial++ {
		key := []byte(fmt.Sprintf("key%08d", rnd.Intn(w.Keys)))
		var st lfkv.Status
		switch p := rnd.Intn(100); {
		case p < w.ReadPercent:
			st, err = s.Read(key, 0, &out, struct{}{}, serial)
		case p < w.ReadPercent+w.RMWPercent:
			st, err = s.RMW(key, 1, &out, struct{}{}, serial)
		default:
			st, err = s.Upsert(key, serial, struct{}{}, serial)
		}
		if err != nil {
			return errors.WithMessagef(err, "operation %d", serial)
		}
		switch st {
		case lfkv.Pending:
			pending++
		case lfkv.NotFound:
			notFound++
		}

		if serial%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.CompletePending(false); err != nil {
				return err
			}
		}
	}
	if _, err := s.CompletePending(true); err != nil {
		return err
	}
	atomic.AddInt64(&res.Ops, int64(w.Ops))
	atomic.AddInt64(&res.Pending, pending)
	atomic.AddInt64(&res.NotFound, notFound)
	return nil
}

func checkpointer(ctx context.Context, store *lfkv.Store[int64], w workload, done <-chan struct{}, count *int64) error {
	if w.CheckpointInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(w.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, ok := store.TakeHybridLogCheckpoint(w.Snapshot); !ok {
			continue
		}
		if err := store.CompleteCheckpoint(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		atomic.AddInt64(count, 1)
	}
}

func main() {
	var cfg benchConfig
	parser := flags.NewParser(&cfg, flags.Default)
	config.MustParseConfig(parser, iniFilename)
	config.MustInitLog(cfg.Log)

	storeCfg, err := cfg.Store.Build(afero.NewOsFs())
	if err != nil {
		log.WithField("err", err).Fatal("building store configuration")
	}
	store, err := lfkv.Open[int64](storeCfg)
	if err != nil {
		log.WithField("err", err).Fatal("opening store")
	}
	defer store.Close()

	if cfg.MetricsAddr != "" {
		prometheus.MustRegister(store.Metrics())
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil { // #nosec G114
				log.WithField("err", err).Error("metrics server stopped")
			}
		}()
	}

	fmt.Println("LFKV Benchmark")
	fmt.Println("==============")
	fmt.Printf("%d workers, %s keys, %s ops per worker\n",
		cfg.Workload.Workers, humanize.Comma(int64(cfg.Workload.Keys)), humanize.Comma(int64(cfg.Workload.Ops)))

	res, err := run(context.Background(), store, cfg.Workload)
	if err != nil {
		log.WithField("err", err).Error("benchmark failed")
		os.Exit(1)
	}
	res.write(os.Stdout)

	stats := store.Metrics().GetStats()
	for _, op := range []struct {
		name string
		lat  time.Duration
	}{
		{"read", stats.Latency.Read.P99},
		{"upsert", stats.Latency.Upsert.P99},
		{"rmw", stats.Latency.RMW.P99},
	} {
		fmt.Printf("p99 %-7s %v\n", op.name+":", op.lat)
	}
	fmt.Printf("Log size:    %s records\n", humanize.Comma(int64(store.TailAddress())))
}

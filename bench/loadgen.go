package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	gokitlog "github.com/go-kit/log"
	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/objstore"
	"github.com/libsql-go/walreplicator/internal/replicator"
	"github.com/libsql-go/walreplicator/internal/store"
)

// nullImageSource stands in for the live SQL engine's page source: this
// generator never checkpoints, so DBImage is never actually called.
type nullImageSource struct{}

func (nullImageSource) DBImage() ([]byte, error) { return nil, nil }

// loadgenFlags mirrors the handful of knobs a sustained-write load
// generator needs: how many concurrent writers, for how long, and what
// shape of write to drive.
type loadgenFlags struct {
	dir         string
	duration    time.Duration
	concurrency int
	pageSize    int
	pagesPerTxn int
	outFile     string
}

func parseLoadgenFlags() loadgenFlags {
	var f loadgenFlags
	flag.StringVar(&f.dir, "dir", "", "working directory for segments, catalog, and local object storage (temp dir if empty)")
	flag.DurationVar(&f.duration, "duration", 10*time.Second, "how long to drive load")
	flag.IntVar(&f.concurrency, "concurrency", 4, "number of concurrent committing writers")
	flag.IntVar(&f.pageSize, "page-size", 4096, "page size in bytes")
	flag.IntVar(&f.pagesPerTxn, "pages-per-txn", 4, "dirty pages committed per transaction")
	flag.StringVar(&f.outFile, "out", "walbench-latencies.hgrm", "file to write the commit-latency distribution to")
	flag.Parse()
	return f
}

// main drives OnFrames commits against a real Replicator/Store pair for a
// fixed duration across concurrency workers, recording per-commit latency
// in a histogram and writing it out in HdrHistogram's plot-friendly
// percentile format, the same shape benmathews/bench's load generators
// report through.
func main() {
	f := parseLoadgenFlags()

	dir := f.dir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "walbench-loadgen-*")
		if err != nil {
			log.Fatalf("mkdir temp: %s", err)
		}
		defer os.RemoveAll(dir)
	}

	backend, err := objstore.NewLocalBackend(dir + "/remote")
	if err != nil {
		log.Fatalf("open local backend: %s", err)
	}
	cat, err := catalog.Open(dir + "/catalog.db")
	if err != nil {
		log.Fatalf("open catalog: %s", err)
	}
	defer cat.Close()

	logger := gokitlog.NewLogfmtLogger(os.Stderr)
	reg := prometheus.NewRegistry()

	st, err := store.New(backend, dir+"/segments", cat, logger, reg)
	if err != nil {
		log.Fatalf("open store: %s", err)
	}
	defer st.Close()

	r, err := replicator.Open(st, replicator.Config{
		Namespace: "ns-bench",
		DBID:      "loadgen",
		PageSize:  f.pageSize,
		Images:    nullImageSource{},
		Logger:    logger,
		Reg:       reg,
	})
	if err != nil {
		log.Fatalf("open replicator: %s", err)
	}

	histograms := make([]*hdrhistogram.Histogram, f.concurrency)
	var wg sync.WaitGroup
	deadline := time.Now().Add(f.duration)

	for worker := 0; worker < f.concurrency; worker++ {
		h := hdrhistogram.New(1, 10*time.Second.Microseconds(), 3)
		histograms[worker] = h
		wg.Add(1)
		go func(workerID int, h *hdrhistogram.Histogram) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(workerID) + 1))
			var frameNo uint32
			for time.Now().Before(deadline) {
				pages := make([]replicator.PageWrite, f.pagesPerTxn)
				for i := range pages {
					frameNo++
					data := make([]byte, f.pageSize)
					rnd.Read(data)
					pages[i] = replicator.PageWrite{PageNo: frameNo, Data: data}
				}

				start := time.Now()
				err := r.OnFrames(f.pageSize, pages, frameNo, true)
				elapsed := time.Since(start)
				if err != nil {
					log.Printf("worker %d: commit failed: %s", workerID, err)
					continue
				}
				h.RecordValue(elapsed.Microseconds())
			}
		}(worker, h)
	}
	wg.Wait()

	merged := hdrhistogram.New(1, 10*time.Second.Microseconds(), 3)
	for _, h := range histograms {
		merged.Merge(h)
	}

	percentiles := []float64{50, 90, 99, 99.9, 99.99, 100}
	if err := hdrwriter.WriteDistributionFile(merged, &percentiles, 1, f.outFile); err != nil {
		log.Fatalf("write distribution file: %s", err)
	}

	fmt.Printf("commits=%d mean_us=%.1f p99_us=%d out=%s\n",
		merged.TotalCount(), merged.Mean(), merged.ValueAtQuantile(99), f.outFile)
}

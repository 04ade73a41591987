// Book-apply load test: streams randomized deltas into a set of order books,
// one writer goroutine per (exchange, instrument) pair, and reports apply
// latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fatih/color"
	"github.com/nikolaydubina/fpdecimal"
	"golang.org/x/time/rate"

	"github.com/quantegy/crossbook/pkg/books"
	"github.com/quantegy/crossbook/pkg/core"
)

var (
	numBooks       = flag.Int("books", 8, "Number of (exchange, instrument) pairs")
	deltasPerBook  = flag.Int("deltas", 100000, "Deltas applied per book")
	depth          = flag.Int("depth", 25, "Book depth")
	maxRate        = flag.Int("rate", 0, "Max deltas/sec per book, 0 for unlimited")
	snapshotEveryN = flag.Int("snapshot-every", 10000, "Interleave a snapshot every N deltas")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		log.Println("Received interrupt signal, cleaning up...")
		cancel()
	}()

	manager := books.NewManager(books.Config{
		Depth:         *depth,
		DefaultPolicy: core.Contiguous,
	})

	var wg sync.WaitGroup
	histograms := make([]*hdrhistogram.Histogram, *numBooks)

	start := time.Now()
	log.Printf("Starting %d book writers, %d deltas each...", *numBooks, *deltasPerBook)

	for i := 0; i < *numBooks; i++ {
		// One writer owns one book; latencies are merged after the run.
		histograms[i] = hdrhistogram.New(1, int64(10*time.Second), 3)
		wg.Add(1)
		go func(id int, hist *hdrhistogram.Histogram) {
			defer wg.Done()
			runBook(ctx, manager, id, hist)
		}(i, histograms[i])
	}

	wg.Wait()
	duration := time.Since(start)

	merged := hdrhistogram.New(1, int64(10*time.Second), 3)
	for _, hist := range histograms {
		merged.Merge(hist)
	}

	total := merged.TotalCount()
	log.Printf("Load test completed in %v", duration)
	log.Printf("Total applies: %d (%.0f/sec)", total, float64(total)/duration.Seconds())
	printPercentiles(merged)
}

func runBook(ctx context.Context, manager *books.Manager, id int, hist *hdrhistogram.Histogram) {
	exchange := fmt.Sprintf("load-%d", id)
	instrument := "BTC-USD"

	var limiter *rate.Limiter
	if *maxRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*maxRate), *maxRate)
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	seq := uint64(1)

	if err := manager.ApplySnapshot(ctx, randomSnapshot(r, exchange, instrument, seq)); err != nil {
		log.Printf("book %d: snapshot failed: %v", id, err)
		return
	}

	for i := 0; i < *deltasPerBook; i++ {
		if ctx.Err() != nil {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		seq++
		var u *core.BookUpdate
		var apply func(context.Context, *core.BookUpdate) error
		if *snapshotEveryN > 0 && i%*snapshotEveryN == *snapshotEveryN-1 {
			u = randomSnapshot(r, exchange, instrument, seq)
			apply = manager.ApplySnapshot
		} else {
			u = randomDelta(r, exchange, instrument, seq)
			apply = manager.ApplyDelta
		}

		applyStart := time.Now()
		if err := apply(ctx, u); err != nil {
			log.Printf("book %d: apply failed at seq %d: %v", id, seq, err)
			return
		}
		if err := hist.RecordValue(time.Since(applyStart).Nanoseconds()); err != nil {
			log.Printf("book %d: histogram overflow: %v", id, err)
		}
	}
}

func randomSnapshot(r *rand.Rand, exchange, instrument string, seq uint64) *core.BookUpdate {
	bids := make([]core.PriceLevel, 0, *depth)
	asks := make([]core.PriceLevel, 0, *depth)
	for i := 0; i < *depth; i++ {
		bids = append(bids, randomLevel(r, 100.0-float64(i)*0.5, false))
		asks = append(asks, randomLevel(r, 100.5+float64(i)*0.5, false))
	}
	return &core.BookUpdate{
		Exchange:   exchange,
		Instrument: instrument,
		Sequence:   seq,
		Kind:       core.Snapshot,
		Bids:       bids,
		Asks:       asks,
		Time:       time.Now(),
	}
}

func randomDelta(r *rand.Rand, exchange, instrument string, seq uint64) *core.BookUpdate {
	u := &core.BookUpdate{
		Exchange:   exchange,
		Instrument: instrument,
		Sequence:   seq,
		Kind:       core.Delta,
		Time:       time.Now(),
	}
	// Touch a handful of levels per delta, mixing inserts, removals and the
	// occasional order-log entry.
	n := 1 + r.Intn(4)
	for i := 0; i < n; i++ {
		offset := float64(r.Intn(*depth*2)) * 0.5
		if r.Float64() < 0.5 {
			u.Bids = append(u.Bids, randomLevel(r, 100.0-offset, true))
		} else {
			u.Asks = append(u.Asks, randomLevel(r, 100.5+offset, true))
		}
	}
	return u
}

func randomLevel(r *rand.Rand, price float64, allowMutations bool) core.PriceLevel {
	qty := fpdecimal.FromInt(int64(1 + r.Intn(100)))
	if allowMutations {
		switch {
		case r.Float64() < 0.1:
			qty = fpdecimal.Zero // remove
		case r.Float64() < 0.1:
			price = -price // order-log entry
		}
	}
	p, _ := fpdecimal.FromString(strconv.FormatFloat(price, 'f', 3, 64))
	return core.NewPriceLevel(p, qty, "")
}

func printPercentiles(hist *hdrhistogram.Histogram) {
	color.NoColor = false
	cyan := color.New(color.FgCyan).SprintfFunc()
	green := color.New(color.FgGreen).SprintfFunc()
	red := color.New(color.FgRed).SprintfFunc()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "%s\t%s\n", cyan("Percentile"), cyan("Latency"))
	for _, p := range []float64{50, 90, 99, 99.9, 99.99} {
		v := time.Duration(hist.ValueAtQuantile(p))
		paint := green
		if v > time.Millisecond {
			paint = red
		}
		fmt.Fprintf(w, "p%.2f\t%s\n", p, paint("%v", v))
	}
	fmt.Fprintf(w, "max\t%v\n", time.Duration(hist.Max()))
	w.Flush()
}

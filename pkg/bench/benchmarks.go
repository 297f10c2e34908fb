package bench

import (
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// DefaultWindow is how many recent samples the median is taken over.
const DefaultWindow = 1024

// Benchmarks accumulates round-trip timings. It is not safe for
// concurrent use.
type Benchmarks struct {
	start       time.Time
	singleStart time.Time

	count   int
	total   time.Duration
	min     time.Duration
	max     time.Duration
	sum     float64
	squares float64

	window *queue.RingBuffer
}

// NewBenchmarks keeps the last window samples for the median.
func NewBenchmarks(window int) *Benchmarks {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Benchmarks{window: queue.NewRingBuffer(uint64(window))}
}

// Start marks the beginning of the run and of the first round trip.
func (b *Benchmarks) Start() {
	b.start = time.Now()
	b.singleStart = b.start
}

// Begin marks the beginning of one round trip.
func (b *Benchmarks) Begin() {
	b.singleStart = time.Now()
}

// End records the round trip started by the last Begin.
func (b *Benchmarks) End() {
	b.Record(time.Since(b.singleStart))
}

// Record adds one sample.
func (b *Benchmarks) Record(d time.Duration) {
	if b.count == 0 || d < b.min {
		b.min = d
	}
	if d > b.max {
		b.max = d
	}
	b.count++
	b.total += d
	ns := float64(d.Nanoseconds())
	b.sum += ns
	b.squares += ns * ns

	if b.window.Len() == b.window.Cap() {
		_, _ = b.window.Get()
	}
	_, _ = b.window.Offer(d)
}

// Summary is the evaluation of a run.
type Summary struct {
	Count   int
	Size    int
	Elapsed time.Duration
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	Stddev  time.Duration
	Median  time.Duration
	// Throughput is round trips per second over the whole run.
	Throughput float64
}

// Evaluate summarizes every sample recorded so far.
func (b *Benchmarks) Evaluate(args Arguments) Summary {
	s := Summary{Count: b.count, Size: args.Size, Min: b.min, Max: b.max}
	if !b.start.IsZero() {
		s.Elapsed = time.Since(b.start)
	}
	if b.count == 0 {
		return s
	}
	n := float64(b.count)
	mean := b.sum / n
	variance := b.squares/n - mean*mean
	s.Mean = time.Duration(mean)
	s.Stddev = time.Duration(math.Sqrt(math.Max(variance, 0)))
	s.Median = b.median()
	if s.Elapsed > 0 {
		s.Throughput = n / s.Elapsed.Seconds()
	}
	return s
}

func (b *Benchmarks) median() time.Duration {
	n := int(b.window.Len())
	samples := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		item, err := b.window.Get()
		if err != nil {
			break
		}
		samples = append(samples, item.(time.Duration))
	}
	for _, d := range samples {
		_, _ = b.window.Offer(d)
	}
	if len(samples) == 0 {
		return 0
	}
	slices.Sort(samples)
	mid := len(samples) / 2
	if len(samples)%2 == 0 {
		return (samples[mid-1] + samples[mid]) / 2
	}
	return samples[mid]
}

// Print writes the summary as an aligned table.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Message size:       %d\n", s.Size)
	fmt.Fprintf(w, "Message count:      %d\n", s.Count)
	fmt.Fprintf(w, "Total duration:     %.3f\tms\n", ms(s.Elapsed))
	fmt.Fprintf(w, "Average duration:   %.3f\tus\n", us(s.Mean))
	fmt.Fprintf(w, "Median duration:    %.3f\tus\n", us(s.Median))
	fmt.Fprintf(w, "Minimum duration:   %.3f\tus\n", us(s.Min))
	fmt.Fprintf(w, "Maximum duration:   %.3f\tus\n", us(s.Max))
	fmt.Fprintf(w, "Standard deviation: %.3f\tus\n", us(s.Stddev))
	fmt.Fprintf(w, "Message rate:       %.0f\tmsg/s\n", s.Throughput)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
func us(d time.Duration) float64 { return float64(d) / float64(time.Microsecond) }

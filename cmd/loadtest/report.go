package main

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"time"
)

// report accumulates request outcomes. A report is owned by one worker until
// it is merged.
type report struct {
	total     int64
	ok        int64
	failed    int64
	cacheHits int64
	latencies []time.Duration
	statuses  map[int]int64
	elapsed   time.Duration
}

func newReport() *report {
	return &report{statuses: make(map[int]int64)}
}

// record adds one request. Transport errors count as failures without a
// latency sample.
func (r *report) record(d time.Duration, status int, cacheHit bool, err error) {
	r.total++
	if err != nil {
		r.failed++
		return
	}
	if status >= 200 && status < 300 {
		r.ok++
	} else {
		r.failed++
	}
	if cacheHit {
		r.cacheHits++
	}
	r.latencies = append(r.latencies, d)
	r.statuses[status]++
}

func (r *report) merge(o *report) {
	r.total += o.total
	r.ok += o.ok
	r.failed += o.failed
	r.cacheHits += o.cacheHits
	r.latencies = append(r.latencies, o.latencies...)
	for code, n := range o.statuses {
		r.statuses[code] += n
	}
}

func (r *report) print(w io.Writer) {
	fmt.Fprintf(w, "\nrequests  %d (ok %d, failed %d, cache hits %d)\n", r.total, r.ok, r.failed, r.cacheHits)
	if r.total > 0 && r.elapsed > 0 {
		fmt.Fprintf(w, "rate      %.2f req/s, %.2f%% failed\n",
			float64(r.total)/r.elapsed.Seconds(), float64(r.failed)/float64(r.total)*100)
	}
	if len(r.latencies) > 0 {
		sorted := slices.Clone(r.latencies)
		slices.Sort(sorted)
		mean, stddev := meanStddev(sorted)
		fmt.Fprintf(w, "latency   min %s  mean %s  stddev %s  max %s\n",
			sorted[0], mean, stddev, sorted[len(sorted)-1])
		fmt.Fprintf(w, "          p50 %s  p90 %s  p95 %s  p99 %s\n",
			percentile(sorted, 50), percentile(sorted, 90), percentile(sorted, 95), percentile(sorted, 99))
	}
	for _, code := range slices.Sorted(maps.Keys(r.statuses)) {
		fmt.Fprintf(w, "status    %d: %d\n", code, r.statuses[code])
	}
}

func meanStddev(ds []time.Duration) (time.Duration, time.Duration) {
	var sum float64
	for _, d := range ds {
		sum += float64(d)
	}
	mean := sum / float64(len(ds))
	var sq float64
	for _, d := range ds {
		sq += (float64(d) - mean) * (float64(d) - mean)
	}
	return time.Duration(mean), time.Duration(math.Sqrt(sq / float64(len(ds))))
}

// percentile uses the nearest-rank method on sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

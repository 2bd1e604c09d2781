package meter

import (
	"fmt"
)

// BucketFunction maps a raw int64 amount to a bucket label, used by
// Bucket{Counter,Timer,DistributionSummary} and the Age/Latency
// factories below.
type BucketFunction func(amount int64) string

type valueFormatter struct {
	max    int64
	width  int
	suffix string
	factor int64
}

func (f valueFormatter) label(v int64) string {
	unit := v / f.factor
	return fmt.Sprintf("%0*d%s", f.width, unit, f.suffix)
}

const (
	nanos  = int64(1)
	micros = 1000 * nanos
	millis = 1000 * micros
	secs   = 1000 * millis
	mins   = 60 * secs
	hours  = 60 * mins
)

// timeFormatters mirrors GetTimeFormatters() in bucket_functions.cc: each
// entry's max is an upper threshold (in nanoseconds) past which the next,
// coarser formatter takes over.
var timeFormatters = []valueFormatter{
	{10 * nanos, 1, "ns", nanos},
	{100 * nanos, 2, "ns", nanos},
	{1 * micros, 3, "ns", nanos},
	{8 * micros, 4, "ns", nanos},
	{10 * micros, 1, "us", micros},
	{100 * micros, 2, "us", micros},
	{1 * millis, 3, "us", micros},
	{8 * millis, 4, "us", micros},
	{10 * millis, 1, "ms", millis},
	{100 * millis, 2, "ms", millis},
	{1 * secs, 3, "ms", millis},
	{8 * secs, 4, "ms", millis},
	{10 * secs, 1, "s", secs},
	{100 * secs, 2, "s", secs},
	{8 * mins, 3, "s", secs},
	{10 * mins, 1, "min", mins},
	{100 * mins, 2, "min", mins},
	{8 * hours, 3, "min", mins},
	{10 * hours, 1, "h", hours},
	{100 * hours, 2, "h", hours},
	{24 * 8 * hours, 3, "h", hours},
	{1<<63 - 1, 6, "h", hours},
}

func getTimeFormatter(v int64) valueFormatter {
	for _, f := range timeFormatters {
		if v < f.max {
			return f
		}
	}
	return timeFormatters[len(timeFormatters)-1]
}

type bucketEntry struct {
	name  string
	upper int64
}

func biasZero(ltZero, gtMax string, max int64, f valueFormatter) BucketFunction {
	buckets := []bucketEntry{
		{ltZero, -1},
		{f.label(max / 8), max / 8},
		{f.label(max / 4), max / 4},
		{f.label(max / 2), max / 2},
		{f.label(max), max},
	}
	return func(amount int64) string {
		for _, b := range buckets {
			if amount <= b.upper {
				return b.name
			}
		}
		return gtMax
	}
}

func biasMax(ltZero, gtMax string, max int64, f valueFormatter) BucketFunction {
	buckets := []bucketEntry{
		{ltZero, -1},
		{f.label(max - max/2), max - max/2},
		{f.label(max - max/4), max - max/4},
		{f.label(max - max/8), max - max/8},
		{f.label(max), max},
	}
	return func(amount int64) string {
		for _, b := range buckets {
			if amount <= b.upper {
				return b.name
			}
		}
		return gtMax
	}
}

// Age buckets durations (nanoseconds) relative to an expected max age.
// Negative ages map to "future"; ages past max map to "old".
func Age(maxNanos int64) BucketFunction {
	return biasZero("future", "old", maxNanos, getTimeFormatter(maxNanos))
}

// AgeBiasOld is Age but with buckets concentrated near the max.
func AgeBiasOld(maxNanos int64) BucketFunction {
	return biasMax("future", "old", maxNanos, getTimeFormatter(maxNanos))
}

// Latency buckets durations (nanoseconds) relative to an expected max
// latency. Negative latencies map to "negative_latency"; latencies past max
// map to "slow".
func Latency(maxNanos int64) BucketFunction {
	return biasZero("negative_latency", "slow", maxNanos, getTimeFormatter(maxNanos))
}

// LatencyBiasSlow is Latency but with buckets concentrated near the max.
func LatencyBiasSlow(maxNanos int64) BucketFunction {
	return biasMax("negative_latency", "slow", maxNanos, getTimeFormatter(maxNanos))
}

package incremental

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dan-solli/ontograph/pkg/trace"
)

// UnitResult records what happened to one unit.
type UnitResult struct {
	Key        string
	Decision   Decision
	Duration   time.Duration
	ErrorType  string // empty on success
	Error      string
	Iterations int
	HitLimit   bool
}

// OK reports whether the unit was skipped or processed without error.
func (r UnitResult) OK() bool {
	return r.ErrorType == ""
}

// Bucket is one histogram bucket of IterationStats.
type Bucket struct {
	Label string
	Count int
}

var bucketBounds = []struct {
	label string
	max   int
}{
	{"1-5", 5},
	{"6-10", 10},
	{"11-20", 20},
	{"21-50", 50},
	{"51-100", 100},
	{"100+", int(^uint(0) >> 1)},
}

// IterationStats summarises how many tool-calling iterations each processed
// unit needed. Runaway loops show up in Max, HitLimit and the top buckets.
type IterationStats struct {
	Count    int
	Min      int
	Max      int
	Total    int
	HitLimit int
	counts   [6]int
}

// Add records one unit.
func (s *IterationStats) Add(iterations int, hitLimit bool) {
	if iterations <= 0 {
		return
	}
	if s.Count == 0 || iterations < s.Min {
		s.Min = iterations
	}
	if iterations > s.Max {
		s.Max = iterations
	}
	s.Count++
	s.Total += iterations
	if hitLimit {
		s.HitLimit++
	}
	for i, b := range bucketBounds {
		if iterations <= b.max {
			s.counts[i]++
			break
		}
	}
}

// Mean is the average iterations per unit, zero when nothing was recorded.
func (s IterationStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Total) / float64(s.Count)
}

// Buckets returns the histogram in ascending order, empty buckets included.
func (s IterationStats) Buckets() []Bucket {
	out := make([]Bucket, len(bucketBounds))
	for i, b := range bucketBounds {
		out[i] = Bucket{Label: b.label, Count: s.counts[i]}
	}
	return out
}

func (s *IterationStats) merge(o IterationStats) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 || o.Min < s.Min {
		s.Min = o.Min
	}
	if o.Max > s.Max {
		s.Max = o.Max
	}
	s.Count += o.Count
	s.Total += o.Total
	s.HitLimit += o.HitLimit
	for i := range s.counts {
		s.counts[i] += o.counts[i]
	}
}

// Summary is the outcome of one stage run.
type Summary struct {
	Stage       string
	Processed   int // units that ran the work function, failed ones included
	Skipped     int
	Errors      int
	Created     int
	Regenerated int
	Removed     int // units dropped because their slot no longer exists
	Units       []UnitResult
	Duration    time.Duration
	Iterations  IterationStats
	StartedAt   time.Time
}

func newSummary(stage string) *Summary {
	return &Summary{Stage: stage, StartedAt: time.Now()}
}

func (s *Summary) record(r UnitResult) {
	s.Units = append(s.Units, r)
	switch r.Decision {
	case Skip:
		s.Skipped++
		return
	case Create:
		s.Created++
	case Regenerate:
		s.Regenerated++
	}
	s.Processed++
	if !r.OK() {
		s.Errors++
	}
}

// Failed reports whether any unit errored.
func (s *Summary) Failed() bool {
	return s.Errors > 0
}

// FirstErrorType is the class of the first failed unit, or "".
func (s *Summary) FirstErrorType() string {
	for _, u := range s.Units {
		if !u.OK() {
			return u.ErrorType
		}
	}
	return ""
}

// Merge folds o into s. Used when a stage runs in several passes.
func (s *Summary) Merge(o *Summary) {
	if o == nil {
		return
	}
	s.Processed += o.Processed
	s.Skipped += o.Skipped
	s.Errors += o.Errors
	s.Created += o.Created
	s.Regenerated += o.Regenerated
	s.Removed += o.Removed
	s.Units = append(s.Units, o.Units...)
	s.Duration += o.Duration
	s.Iterations.merge(o.Iterations)
}

// LogValue implements slog.LogValuer.
func (s *Summary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("stage", s.Stage),
		slog.Int("processed", s.Processed),
		slog.Int("skipped", s.Skipped),
		slog.Int("errors", s.Errors),
		slog.Int("created", s.Created),
		slog.Int("regenerated", s.Regenerated),
		slog.Duration("duration", s.Duration),
	}
	if s.Removed > 0 {
		attrs = append(attrs, slog.Int("removed", s.Removed))
	}
	if s.Iterations.Count > 0 {
		attrs = append(attrs,
			slog.Int("iterations_min", s.Iterations.Min),
			slog.Int("iterations_max", s.Iterations.Max),
			slog.Float64("iterations_mean", s.Iterations.Mean()),
			slog.Int("iterations_hit_limit", s.Iterations.HitLimit),
		)
	}
	return slog.GroupValue(attrs...)
}

// WriteReport prints a human-readable summary.
func (s *Summary) WriteReport(w io.Writer) {
	fmt.Fprintf(w, "%s: %d processed, %d skipped, %d errors (%d created, %d regenerated",
		s.Stage, s.Processed, s.Skipped, s.Errors, s.Created, s.Regenerated)
	if s.Removed > 0 {
		fmt.Fprintf(w, ", %d removed", s.Removed)
	}
	fmt.Fprintf(w, ") in %s\n", s.Duration.Round(time.Millisecond))

	if s.Iterations.Count > 0 {
		it := s.Iterations
		fmt.Fprintf(w, "  iterations: min %d, max %d, mean %.1f, hit limit %d\n", it.Min, it.Max, it.Mean(), it.HitLimit)
		for _, b := range it.Buckets() {
			if b.Count > 0 {
				fmt.Fprintf(w, "    %-7s %d\n", b.Label, b.Count)
			}
		}
	}
	for _, u := range s.Units {
		if !u.OK() {
			fmt.Fprintf(w, "  error %s [%s]: %s\n", u.Key, u.ErrorType, u.Error)
		}
	}
}

// TraceRecord converts the summary into an exportable trace.
func (s *Summary) TraceRecord(runID, article string) *trace.TraceRecord {
	rec := &trace.TraceRecord{
		Timestamp:  s.StartedAt,
		RunID:      runID,
		Article:    article,
		Stage:      s.Stage,
		DurationMs: s.Duration.Milliseconds(),
		Status:     "success",
		Spans:      make([]trace.SpanRecord, 0, s.Processed),
		Counters: map[string]int64{
			"processed":   int64(s.Processed),
			"skipped":     int64(s.Skipped),
			"errors":      int64(s.Errors),
			"created":     int64(s.Created),
			"regenerated": int64(s.Regenerated),
			"removed":     int64(s.Removed),
		},
	}
	if s.Failed() {
		rec.Status = "error"
		rec.ErrorType = s.FirstErrorType()
	}
	for _, u := range s.Units {
		if u.Decision == Skip {
			continue
		}
		span := trace.SpanRecord{
			Name:       u.Key,
			Decision:   string(u.Decision),
			DurationMs: u.Duration.Milliseconds(),
			OK:         u.OK(),
			ErrorType:  u.ErrorType,
		}
		if u.Iterations > 0 {
			span.Counters = map[string]int64{"iterations": int64(u.Iterations)}
		}
		rec.Spans = append(rec.Spans, span)
	}
	return rec
}

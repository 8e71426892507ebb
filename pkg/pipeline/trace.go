package pipeline

import (
	"time"

	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/trace"
)

// runTrace collects one span per stage of a full pipeline run. Stage runs
// export their own unit-level records; this one shows where a run's time
// went across stages.
type runTrace struct {
	record *trace.TraceRecord
	start  time.Time
}

func newRunTrace(runID, article string) *runTrace {
	now := time.Now()
	return &runTrace{
		record: &trace.TraceRecord{
			Timestamp: now,
			RunID:     runID,
			Article:   article,
			Stage:     "run",
			Status:    "success",
			Spans:     make([]trace.SpanRecord, 0, len(Stages)),
			Counters:  make(map[string]int64),
		},
		start: now,
	}
}

// addSpan appends a completed span to the trace
func (t *runTrace) addSpan(span trace.SpanRecord) {
	t.record.Spans = append(t.record.Spans, span)
	if !span.OK && t.record.Status == "success" {
		t.record.Status = "error"
		t.record.ErrorType = span.ErrorType
	}
	for k, v := range span.Counters {
		t.record.Counters[k] += v
	}
}

// finish closes the run and returns the record to export.
func (t *runTrace) finish() *trace.TraceRecord {
	t.record.DurationMs = time.Since(t.start).Milliseconds()
	return t.record
}

// spanTimer measures one stage of a run.
type spanTimer struct {
	name  string
	start time.Time
	trace *runTrace
}

func (t *runTrace) stage(name Stage) *spanTimer {
	if t == nil {
		return &spanTimer{}
	}
	return &spanTimer{name: string(name), start: time.Now(), trace: t}
}

// finish records the span. summary may be nil when the stage failed before
// processing any unit.
func (st *spanTimer) finish(summary *incremental.Summary, err error) {
	if st.trace == nil {
		return
	}
	span := trace.SpanRecord{
		Name:       st.name,
		DurationMs: time.Since(st.start).Milliseconds(),
		OK:         err == nil,
	}
	if summary != nil {
		span.OK = span.OK && !summary.Failed()
		span.ErrorType = summary.FirstErrorType()
		span.Counters = map[string]int64{
			"processed": int64(summary.Processed),
			"skipped":   int64(summary.Skipped),
			"errors":    int64(summary.Errors),
		}
	}
	if err != nil {
		span.ErrorType = incremental.ClassifyError(err)
	}
	st.trace.addSpan(span)
}

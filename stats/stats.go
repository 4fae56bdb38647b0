package stats

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"
)

type Stage string

const (
	StageResolve Stage = "resolve"
	StageLocate  Stage = "locate"
	StageParse   Stage = "parse"
	StageSelect  Stage = "select"
	StageExtract Stage = "extract"
	StageWrite   Stage = "write"
)

type EventType string

const (
	EventTypeResolved  EventType = "resolved"
	EventTypeLocated   EventType = "located"
	EventTypeExtracted EventType = "extracted"
	EventTypeWritten   EventType = "written"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Ref    string
	Err    error
	Bytes  int
	Detail string
}

type Summary struct {
	References int
	Located    int
	Extracted  int
	Written    int
	Errors     int
	Bytes      int64
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"references", s.References,
		"located", s.Located,
		"extracted", s.Extracted,
		"written", s.Written,
		"errors", s.Errors,
		"bytes", s.Bytes,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector totals events. It is not safe for concurrent use; the runner
// processes references one at a time.
type Collector struct {
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Add(evt Event) {
	switch evt.Type {
	case EventTypeResolved:
		c.summary.References++
	case EventTypeLocated:
		c.summary.Located++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeWritten:
		c.summary.Written++
		c.summary.Bytes += int64(evt.Bytes)
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	return c.summary
}

// Reporter collects events of one run and logs the summary at the end.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
}

func (r *Reporter) Emit(evt Event) {
	r.collector.Add(evt)
	if r.logger != nil {
		r.logger.Debug("event", "stage", evt.Stage, "type", evt.Type, "ref", evt.Ref)
	}
}

// Finish logs the summary and returns it.
func (r *Reporter) Finish() Summary {
	summary := r.collector.Snapshot()
	if r.logger != nil {
		attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
		if summary.Errors > 0 {
			r.logger.Warn("stats summary", attrs...)
		} else {
			r.logger.Info("stats summary", attrs...)
		}
	}
	return summary
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrintTop writes the limit most frequent items of m to w, ties ordered by key.
func PrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}

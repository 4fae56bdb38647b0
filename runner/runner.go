package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dhcgn/mbox-dmarc/archive"
	"github.com/dhcgn/mbox-dmarc/attachment"
	"github.com/dhcgn/mbox-dmarc/config"
	"github.com/dhcgn/mbox-dmarc/mbox"
	"github.com/dhcgn/mbox-dmarc/model"
	"github.com/dhcgn/mbox-dmarc/output"
	"github.com/dhcgn/mbox-dmarc/parser"
	"github.com/dhcgn/mbox-dmarc/stats"
	"github.com/dhcgn/mbox-dmarc/uri"
)

var ErrExtractionFailed = errors.New("one or more references failed")

// StageError records which step of the pipeline failed for a reference.
type StageError struct {
	Stage stats.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Runner takes each reference through resolve, locate, parse, select,
// extract and write. A failure ends the work on that reference only.
type Runner struct {
	logger *slog.Logger

	locator   *mbox.Locator
	parser    *parser.Parser
	selector  *attachment.Selector
	extractor *archive.Extractor
	sink      output.Sink
	reporter  *stats.Reporter
}

func New(cfg config.Config, sink output.Sink, logger *slog.Logger) (*Runner, error) {
	if sink == nil {
		return nil, fmt.Errorf("output sink must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	locator, err := mbox.NewLocator(mbox.Options{
		Base:            cfg.OrdinalBase,
		IncludeExpunged: cfg.IncludeExpunged,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("mbox.NewLocator: %w", err)
	}

	predicate, err := attachment.NewPredicateWithPatterns(cfg.AttachmentPatterns)
	if err != nil {
		return nil, fmt.Errorf("attachment.NewPredicateWithPatterns: %w", err)
	}
	selector, err := attachment.NewSelector(predicate, logger)
	if err != nil {
		return nil, fmt.Errorf("attachment.NewSelector: %w", err)
	}

	extractor, err := archive.New(archive.Options{MaxReportBytes: cfg.MaxReportBytes}, logger)
	if err != nil {
		return nil, fmt.Errorf("archive.New: %w", err)
	}

	return &Runner{
		logger:    logger,
		locator:   locator,
		parser:    parser.New(logger),
		selector:  selector,
		extractor: extractor,
		sink:      sink,
		reporter:  stats.NewReporter(logger),
	}, nil
}

func (r *Runner) Summary() stats.Summary {
	return r.reporter.Summary()
}

// Run processes refs in order and returns one result per processed
// reference. The error is ErrExtractionFailed if any reference failed, or
// the context error if the run was interrupted between references.
func (r *Runner) Run(ctx context.Context, refs []string) ([]model.Result, error) {
	started := time.Now()
	results := make([]model.Result, 0, len(refs))
	failed := 0

	for _, raw := range refs {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("run interrupted", "processed", len(results), "remaining", len(refs)-len(results))
			r.reporter.Finish()
			return results, err
		}

		report, err := r.process(raw)
		if err != nil {
			failed++
			var se *StageError
			stage := stats.Stage("")
			if errors.As(err, &se) {
				stage = se.Stage
			}
			r.logger.Error("extraction failed", "ref", raw, "stage", stage, "kind", Kind(err), "err", err)
			r.reporter.Emit(stats.Event{Stage: stage, Type: stats.EventTypeError, Ref: raw, Err: err})
		}
		results = append(results, model.Result{Ref: raw, Report: report, Err: err})
	}

	summary := r.reporter.Finish()
	r.logger.Info("run completed", "duration", time.Since(started), "written", summary.Written, "failed", failed)

	if failed > 0 {
		return results, fmt.Errorf("%w: %d of %d", ErrExtractionFailed, failed, len(refs))
	}
	return results, nil
}

func (r *Runner) process(raw string) (model.Report, error) {
	ref, err := uri.Parse(raw)
	if err != nil {
		return model.Report{}, &StageError{Stage: stats.StageResolve, Err: err}
	}
	r.reporter.Emit(stats.Event{Stage: stats.StageResolve, Type: stats.EventTypeResolved, Ref: raw})
	r.logger.Info("resolved reference", "mailbox", ref.StorePath, "number", ref.Ordinal)

	span, msg, err := r.locator.Read(ref.StorePath, ref.Ordinal)
	if err != nil {
		return model.Report{}, &StageError{Stage: stats.StageLocate, Err: err}
	}
	r.reporter.Emit(stats.Event{Stage: stats.StageLocate, Type: stats.EventTypeLocated, Ref: raw, Bytes: int(span.Len())})
	r.logger.Debug("message located", "start", span.Start, "end", span.End)

	parsed, err := r.parser.Parse(msg)
	if err != nil {
		return model.Report{}, &StageError{Stage: stats.StageParse, Err: err}
	}
	r.logger.Info("message parsed", "subject", parsed.Subject, "from", parsed.From, "messageID", parsed.MessageID)

	att, err := r.selector.Select(parsed.Root)
	if err != nil {
		return model.Report{}, &StageError{Stage: stats.StageSelect, Err: err}
	}

	report, err := r.extractor.Extract(att.Data)
	if err != nil {
		return model.Report{}, &StageError{Stage: stats.StageExtract, Err: err}
	}
	r.reporter.Emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, Ref: raw, Detail: report.Filename})

	if err := r.sink.Write(report); err != nil {
		return report, &StageError{Stage: stats.StageWrite, Err: err}
	}
	r.reporter.Emit(stats.Event{Stage: stats.StageWrite, Type: stats.EventTypeWritten, Ref: raw, Bytes: len(report.Data)})

	return report, nil
}

// Kind names the failure class of err for logs and status lines.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, uri.ErrMalformedReference):
		return "MalformedReference"
	case errors.Is(err, mbox.ErrStoreNotFound):
		return "StoreNotFound"
	case errors.Is(err, mbox.ErrOrdinalOutOfRange):
		return "OrdinalOutOfRange"
	case errors.Is(err, parser.ErrMalformedMessage):
		return "MalformedMessage"
	case errors.Is(err, attachment.ErrNoAttachment):
		return "NoAttachment"
	case errors.Is(err, attachment.ErrAmbiguousAttachment):
		return "AmbiguousAttachment"
	case errors.Is(err, archive.ErrCorruptArchive):
		return "CorruptArchive"
	case errors.Is(err, archive.ErrUnexpectedContents):
		return "UnexpectedArchiveContents"
	case errors.Is(err, output.ErrFileExists):
		return "OutputFileExists"
	default:
		return "Error"
	}
}

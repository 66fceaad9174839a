package trace

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ashita-ai/musubi/internal/ingest"
)

// Processing stage names, reported to StageFunc in order.
const (
	StageDecoding    = "decoding"
	StageCorrelating = "correlating"
	StagePersisting  = "persisting"
)

// StageFunc observes processing stage transitions.
type StageFunc func(stage string)

// Process decodes one trace from r and correlates it into w. It is the
// single entry point shared by the CLI, the HTTP service's jobs, and the
// embeddable API. onStage and mirror may be nil.
func Process(ctx context.Context, r io.Reader, w TraceWriter, mirror Stats, logger *slog.Logger, onStage StageFunc) (Summary, error) {
	stage := func(name string) {
		if onStage != nil {
			onStage(name)
		}
	}

	stage(StageDecoding)
	res, err := ingest.Decode(r)
	if err != nil {
		return Summary{}, fmt.Errorf("trace: decode: %w", err)
	}

	stage(StageCorrelating)
	sess := NewSession(w, mirror, logger)
	sess.RecordDecodeAnomalies(res.Malformed, res.Skipped)
	if err := sess.RecordTracks(res.Tracks); err != nil {
		return Summary{}, fmt.Errorf("trace: record tracks: %w", err)
	}
	if err := sess.ApplyAll(ctx, res.Events); err != nil {
		return Summary{}, fmt.Errorf("trace: apply events: %w", err)
	}

	stage(StagePersisting)
	sum, err := sess.Finish(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("trace: finish: %w", err)
	}
	return sum, nil
}

package trace

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/musubi/internal/intern"
	"github.com/ashita-ai/musubi/internal/model"
)

// TraceWriter is the per-session storage sink: writes are buffered during
// the session and made durable by Finish, in one batch. Implementations are
// called from the single session goroutine only.
type TraceWriter interface {
	EdgeWriter
	SliceWriter

	// WriteTracks records the track registry discovered during decoding.
	WriteTracks(tracks []model.Track) error

	// EdgeCount reports how many edges have been inserted this session.
	EdgeCount() int64

	// Finish makes the session's rows durable and records its summary.
	Finish(ctx context.Context, sum Summary) error
}

// Summary is the outcome of one correlation session.
type Summary struct {
	Events   int64            `json:"events"`
	Tracks   int64            `json:"tracks"`
	Slices   int64            `json:"slices"`
	Edges    int64            `json:"edges"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Session drives one single-pass correlation over a decoded event stream. It
// owns the string table, the slice stacks, the flow tracker, and the counter
// set for one trace; instances are not safe for concurrent use and are
// discarded after Finish. Unresolved flow state at Finish is dropped, not
// reported.
type Session struct {
	logger *slog.Logger
	writer TraceWriter
	stats  *CounterSet
	mirror Stats

	strings *intern.Table
	slices  *SliceTracker
	flows   *FlowTracker

	events int64
	tracks int64
}

// NewSession returns a session writing to w. mirror, when non-nil, receives
// a copy of every counter increment (used to feed telemetry); logger may be
// nil.
func NewSession(w TraceWriter, mirror Stats, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stats := NewCounterSet()
	var st Stats = stats
	if mirror != nil {
		st = multiStats{stats, mirror}
	}
	strings := intern.NewTable()
	sl := NewSliceTracker(w)
	return &Session{
		logger:  logger,
		writer:  w,
		stats:   stats,
		mirror:  mirror,
		strings: strings,
		slices:  sl,
		flows:   NewFlowTracker(sl, w, st, strings),
	}
}

// Apply feeds one decoded event through the trackers. Malformed input is
// dropped and counted; a returned error means the storage sink failed and
// the session must be abandoned.
func (s *Session) Apply(ev model.Event) error {
	s.events++
	switch ev.Kind {
	case model.KindSliceBegin:
		s.slices.Begin(ev.Track, ev.Name, ev.Category, ev.TS)
		return nil
	case model.KindSliceEnd:
		id, ok, err := s.slices.End(ev.Track, ev.TS)
		if err != nil {
			return err
		}
		if !ok {
			s.count(SliceEndWithoutBegin)
			return nil
		}
		return s.flows.ClosePendingEventsOnTrack(ev.Track, id)
	case model.KindFlowBegin:
		s.flows.Begin(ev.Track, s.flowID(ev))
		return nil
	case model.KindFlowStep:
		return s.flows.Step(ev.Track, s.flowID(ev))
	case model.KindFlowEnd:
		return s.flows.End(ev.Track, s.flowID(ev), ev.BindEnclosing, ev.CloseFlow)
	case model.KindFlowAttach:
		flow := s.flowID(ev)
		if s.flows.IsActive(flow) {
			return s.flows.Step(ev.Track, flow)
		}
		s.flows.Begin(ev.Track, flow)
		return nil
	default:
		s.count(EventsMalformed)
		return nil
	}
}

// ApplyAll applies events in order, checking ctx between batches so a
// cancelled upload does not keep correlating.
func (s *Session) ApplyAll(ctx context.Context, events []model.Event) error {
	for i, ev := range events {
		if i%4096 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordTracks hands the decoder's track registry to the sink.
func (s *Session) RecordTracks(tracks []model.Track) error {
	s.tracks = int64(len(tracks))
	return s.writer.WriteTracks(tracks)
}

// RecordDecodeAnomalies folds decode-stage counts into the session counters.
func (s *Session) RecordDecodeAnomalies(malformed, skipped int64) {
	s.stats.Add(EventsMalformed, malformed)
	s.stats.Add(EventsSkipped, skipped)
	if a, ok := s.mirror.(adder); ok {
		a.Add(EventsMalformed, malformed)
		a.Add(EventsSkipped, skipped)
	}
}

// Counters exposes the session's counter set for inspection.
func (s *Session) Counters() *CounterSet {
	return s.stats
}

// Finish flushes still-open slices, commits the batch, and returns the
// summary. Unresolved pending and open flow entries are discarded silently.
func (s *Session) Finish(ctx context.Context) (Summary, error) {
	if err := s.slices.FlushOpen(); err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Events:   s.events,
		Tracks:   s.tracks,
		Slices:   s.slices.Count(),
		Edges:    s.writer.EdgeCount(),
		Counters: s.stats.Snapshot(),
	}
	if err := s.writer.Finish(ctx, sum); err != nil {
		return Summary{}, err
	}
	s.logger.Debug("session finished",
		"events", sum.Events,
		"slices", sum.Slices,
		"edges", sum.Edges)
	return sum, nil
}

// flowID resolves the event's flow id, allocating a synthetic id for legacy
// events through the session's string table.
func (s *Session) flowID(ev model.Event) model.FlowID {
	if !ev.Legacy {
		return ev.Flow
	}
	return s.flows.FlowIDForLegacy(LegacyID{
		SourceID: ev.SourceID,
		Category: s.strings.Intern(ev.Category),
		Name:     s.strings.Intern(ev.Name),
	})
}

// count increments the session-level counters through the same fan-out the
// flow tracker uses.
func (s *Session) count(c Counter) {
	s.stats.Increment(c)
	if s.mirror != nil {
		s.mirror.Increment(c)
	}
}

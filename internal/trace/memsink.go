package trace

import (
	"context"

	"github.com/ashita-ai/musubi/internal/model"
)

// MemorySink is an in-memory TraceWriter, used by unit tests and dry runs.
// Fields are exported for inspection after Finish.
type MemorySink struct {
	Tracks []model.Track
	Slices []model.Slice
	Edges  []model.Edge
	Done   bool
	Sum    Summary
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// InsertEdge implements EdgeWriter. Edge ids are indexes into Edges.
func (m *MemorySink) InsertEdge(flow model.FlowID, out, in model.SliceID) (model.EdgeID, error) {
	id := model.EdgeID(len(m.Edges))
	m.Edges = append(m.Edges, model.Edge{ID: id, Flow: flow, SliceOut: out, SliceIn: in})
	return id, nil
}

// AttachEdgeArg implements EdgeWriter.
func (m *MemorySink) AttachEdgeArg(edge model.EdgeID, key, value string) error {
	e := &m.Edges[edge]
	if e.Args == nil {
		e.Args = make(map[string]string, 2)
	}
	e.Args[key] = value
	return nil
}

// WriteSlice implements SliceWriter.
func (m *MemorySink) WriteSlice(s model.Slice) error {
	m.Slices = append(m.Slices, s)
	return nil
}

// WriteTracks implements TraceWriter.
func (m *MemorySink) WriteTracks(tracks []model.Track) error {
	m.Tracks = append(m.Tracks, tracks...)
	return nil
}

// EdgeCount implements TraceWriter.
func (m *MemorySink) EdgeCount() int64 {
	return int64(len(m.Edges))
}

// Finish implements TraceWriter.
func (m *MemorySink) Finish(_ context.Context, sum Summary) error {
	m.Done = true
	m.Sum = sum
	return nil
}

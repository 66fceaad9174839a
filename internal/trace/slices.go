package trace

import (
	"cmp"
	"slices"

	"github.com/ashita-ai/musubi/internal/model"
)

// SliceWriter persists completed slice rows.
type SliceWriter interface {
	WriteSlice(s model.Slice) error
}

type openSlice struct {
	id       model.SliceID
	name     string
	category string
	startNS  int64
}

// SliceTracker maintains one open-slice stack per track and assigns slice ids
// in open order. It implements SliceStack for the flow tracker. One instance
// per session, driven by a single goroutine.
type SliceTracker struct {
	sink   SliceWriter
	stacks map[model.TrackID][]openSlice
	next   model.SliceID
}

// NewSliceTracker returns a tracker that writes completed rows to sink.
func NewSliceTracker(sink SliceWriter) *SliceTracker {
	return &SliceTracker{
		sink:   sink,
		stacks: make(map[model.TrackID][]openSlice),
	}
}

// Begin opens a slice on track and returns its id.
func (s *SliceTracker) Begin(track model.TrackID, name, category string, ts int64) model.SliceID {
	id := s.next
	s.next++
	s.stacks[track] = append(s.stacks[track], openSlice{id: id, name: name, category: category, startNS: ts})
	return id
}

// End closes the topmost slice on track at ts and writes its row. ok is
// false when the track has no open slice; nothing is written then.
func (s *SliceTracker) End(track model.TrackID, ts int64) (model.SliceID, bool, error) {
	stack := s.stacks[track]
	if len(stack) == 0 {
		return 0, false, nil
	}
	top := stack[len(stack)-1]
	s.stacks[track] = stack[:len(stack)-1]
	row := model.Slice{
		ID:       top.id,
		Track:    track,
		Name:     top.name,
		Category: top.category,
		StartNS:  top.startNS,
		EndNS:    &ts,
		Depth:    int32(len(stack) - 1),
	}
	if err := s.sink.WriteSlice(row); err != nil {
		return 0, false, err
	}
	return top.id, true, nil
}

// TopmostOpenSlice implements SliceStack.
func (s *SliceTracker) TopmostOpenSlice(track model.TrackID) (model.SliceID, bool) {
	stack := s.stacks[track]
	if len(stack) == 0 {
		return 0, false
	}
	return stack[len(stack)-1].id, true
}

// FlushOpen writes rows for slices still open at session end, in slice id
// order, with no end timestamp. The stacks are cleared afterwards.
func (s *SliceTracker) FlushOpen() error {
	var rows []model.Slice
	for track, stack := range s.stacks {
		for depth, os := range stack {
			rows = append(rows, model.Slice{
				ID:       os.id,
				Track:    track,
				Name:     os.name,
				Category: os.category,
				StartNS:  os.startNS,
				Depth:    int32(depth),
			})
		}
	}
	slices.SortFunc(rows, func(a, b model.Slice) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, row := range rows {
		if err := s.sink.WriteSlice(row); err != nil {
			return err
		}
	}
	clear(s.stacks)
	return nil
}

// Count reports how many slice ids have been allocated this session.
func (s *SliceTracker) Count() int64 {
	return int64(s.next)
}

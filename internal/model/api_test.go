package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/musubi/internal/model"
)

func TestValidateTraceName(t *testing.T) {
	assert.NoError(t, model.ValidateTraceName("checkout flow"))
	assert.NoError(t, model.ValidateTraceName(strings.Repeat("x", model.MaxTraceNameLen)),
		"at the limit should pass")

	assert.Error(t, model.ValidateTraceName(""))
	assert.Error(t, model.ValidateTraceName(strings.Repeat("x", model.MaxTraceNameLen+1)))
}

func TestEventKindString(t *testing.T) {
	cases := map[model.EventKind]string{
		model.KindSliceBegin: "slice_begin",
		model.KindSliceEnd:   "slice_end",
		model.KindFlowBegin:  "flow_begin",
		model.KindFlowStep:   "flow_step",
		model.KindFlowEnd:    "flow_end",
		model.KindFlowAttach: "flow_attach",
		model.EventKind(0):   "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestSyntheticFlowSpace(t *testing.T) {
	// Explicit ids live strictly below the synthetic base; the decoder
	// enforces this, and the tracker allocates synthetics from the base up.
	assert.Equal(t, model.FlowID(1)<<63, model.SyntheticFlowBase)
	assert.Less(t, model.FlowID(0xFFFF_FFFF), model.SyntheticFlowBase)
}

package job

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestSlotNameShape(t *testing.T) {
	require.Equal(t, "-proxy-1-", SlotName(OpProxy, "", 1))
	require.Equal(t, "-sleep,0-3-", SlotName(OpSleep, ",0", 3))
	require.Equal(t, "-wait,0,1-2-", SlotName(OpWait, ",0,1", 2))
}

func TestMarkerNameShape(t *testing.T) {
	require.Equal(t, "-entity-2.0-", MarkerName(OpEntity, "", 2, 0))
	require.Equal(t, "-search,0-1.4-", MarkerName(OpSearch, ",0", 1, 4))
}

func TestParseSlotRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ops := gen.OneConstOf(OpProxy, OpChild, OpStart, OpSleep, OpWait, OpHook, OpEntity, OpSearch, OpTrace, OpEmit, OpPublish)
	dims := gen.SliceOfN(3, gen.IntRange(0, 9)).Map(func(ords []int) string {
		dim := ""
		for _, o := range ords {
			dim = ChildDimension(dim, o)
		}
		return dim
	})

	properties.Property("slot names parse back to their parts", prop.ForAll(
		func(op, dim string, index int) bool {
			gotOp, gotDim, gotIdx, gotSeq, ok := ParseSlot(SlotName(op, dim, index))
			return ok && gotOp == op && gotDim == dim && gotIdx == index && gotSeq == -1
		},
		ops, dims, gen.IntRange(1, 10000),
	))

	properties.Property("marker names parse back with their sequence", prop.ForAll(
		func(op, dim string, index, seq int) bool {
			gotOp, gotDim, gotIdx, gotSeq, ok := ParseSlot(MarkerName(op, dim, index, seq))
			return ok && gotOp == op && gotDim == dim && gotIdx == index && gotSeq == seq
		},
		ops, dims, gen.IntRange(1, 10000), gen.IntRange(0, 100),
	))

	properties.Property("empty-dimension slots also round-trip", prop.ForAll(
		func(op string, index int) bool {
			gotOp, gotDim, gotIdx, _, ok := ParseSlot(SlotName(op, "", index))
			return ok && gotOp == op && gotDim == "" && gotIdx == index
		},
		ops, gen.IntRange(1, 10000),
	))

	properties.TestingRun(t)
}

func TestParseSlotRejectsNonSlots(t *testing.T) {
	for _, field := range []string{
		"", "status", "$error", "context", "_customer", "jc",
		"-", "--", "-proxy-", "proxy-1-", "-proxy-x-", "--1-",
		"@m", "@m,0", "@p",
	} {
		_, _, _, _, ok := ParseSlot(field)
		require.False(t, ok, "field %q must not parse as a slot", field)
	}
}

func TestReplayPatternDimensionalIsolation(t *testing.T) {
	// Main-thread pattern over-matches hook slots; exact isolation is the
	// caller's ParseSlot filter. Hook patterns never match main slots.
	require.Equal(t, "-*-*", ReplayPattern(""))
	require.Equal(t, "-*,0-*", ReplayPattern(",0"))

	_, dim, _, _, ok := ParseSlot("-proxy,0-1-")
	require.True(t, ok)
	require.Equal(t, ",0", dim)

	_, dim, _, _, ok = ParseSlot("-proxy-1-")
	require.True(t, ok)
	require.Equal(t, "", dim)
}

func TestDeterministicGUIDStability(t *testing.T) {
	a := DeterministicGUID("job-1", ",0", "3")
	b := DeterministicGUID("job-1", ",0", "3")
	c := DeterministicGUID("job-1", ",0", "4")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestChildJobIDComposition(t *testing.T) {
	id := ChildJobID("order", "fulfill", "parent-1", ",0", 2)
	require.True(t, strings.HasPrefix(id, "order-fulfill-"))
	require.True(t, strings.HasSuffix(id, "-,0-2"))
	require.Equal(t, id, ChildJobID("order", "fulfill", "parent-1", ",0", 2))

	bare := ChildJobID("", "fulfill", "parent-1", "", 2)
	require.True(t, strings.HasPrefix(bare, "fulfill-"))
	require.True(t, strings.HasSuffix(bare, "-2"))
}

func TestChildDimension(t *testing.T) {
	require.Equal(t, ",0", ChildDimension("", 0))
	require.Equal(t, ",0,1", ChildDimension(",0", 1))
}

func TestSearchField(t *testing.T) {
	require.Equal(t, "_customer", SearchField("customer"))
	require.Equal(t, "status", SearchField(`"status"`))
}

func TestParseStatus(t *testing.T) {
	require.Equal(t, StatusActive, ParseStatus(""))
	require.Equal(t, StatusActive, ParseStatus("garbage"))
	require.Equal(t, StatusCompleted, ParseStatus("0"))
	require.Equal(t, StatusFailed, ParseStatus("-1"))
	require.Equal(t, StatusInterrupted, ParseStatus("-2"))
	require.True(t, Terminal(StatusCompleted))
	require.True(t, Terminal(StatusFailed))
	require.False(t, Terminal(StatusActive))
}

func TestTopics(t *testing.T) {
	require.Equal(t, "loom.execute", ExecuteTopic("loom"))
	require.Equal(t, "loom.wfs.signal", SignalTopic("loom"))
	require.Equal(t, "loom.flow.signal", FlowTopic("loom"))
	require.Equal(t, "loom.wfs.interrupt", InterruptTopic("loom"))
	require.Equal(t, "loom.job.j1", JobTopic("loom", "j1"))
	require.Equal(t, "loom.orders-activity", ActivityTopic("loom", "orders"))
	require.Equal(t, "loom.orders.fulfill", WorkflowTopic("loom", "orders", "fulfill"))
}

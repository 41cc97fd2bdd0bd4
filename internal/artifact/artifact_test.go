package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"int", Int(-100), "-100"},
		{"bool", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"sorted keys", Object{"zebra": Int(1), "alpha": Int(2)}, `{"alpha":2,"zebra":1}`},
		{"no html escape", String("<a&b>"), `"<a&b>"`},
		{"line separator kept", String("a\u2028b"), "\"a\u2028b\""},
		{"escaped backslash kept", String(`\u2028`), `"\\u2028"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalRejects(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	assert.Error(t, err)
	_, err = MarshalCanonical(nil)
	assert.Error(t, err)
	_, err = MarshalCanonical(Object{"a": nil})
	assert.Error(t, err)
}

func TestMarshalCanonicalUTF16Order(t *testing.T) {
	obj := Object{"\uE000": Int(1), "\U00010000": Int(2)}
	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(out))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	composed, err := MarshalCanonical(String("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestTypeIdentity(t *testing.T) {
	a := TypeIdentity("fn(i32) -> i32")
	assert.Equal(t, a, TypeIdentity("fn(i32) -> i32"))
	assert.NotEqual(t, a, TypeIdentity("fn(i64) -> i64"))
	assert.Equal(t, TypeIdentity("caf\u00e9"), TypeIdentity("cafe\u0301"))
}

func TestArtifactHash(t *testing.T) {
	a := &Artifact{
		Function:  "main",
		Plan:      []PlanEntry{{Local: 0, Name: "ret", Representation: "scalar"}},
		FrameSize: 16,
		Listing:   "export function $main() {}",
		Bytecode:  []byte{0x0b},
	}
	h1, err := a.Hash()
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	b := *a
	b.FrameSize = 32
	h2, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestPlanJSONRoundTrip(t *testing.T) {
	a := &Artifact{Plan: []PlanEntry{{Local: 1, Name: "x", Representation: "frame", FrameOffset: 8}}}
	s, err := a.PlanJSON()
	require.NoError(t, err)
	plan, err := DecodePlan(s)
	require.NoError(t, err)
	assert.Equal(t, a.Plan, plan)
}


package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRValueSealed(t *testing.T) {
	values := []IRValue{IRNull{}, IRString(""), IRInt(0), IRBool(false), IRArray{}, IRObject{}}
	assert.Len(t, values, 6)
}

func TestSortedKeysUTF16Order(t *testing.T) {
	tests := []struct {
		name string
		keys []string
		want []string
	}{
		{"ascii", []string{"b", "a", "c"}, []string{"a", "b", "c"}},
		{"prefix first", []string{"ab", "a"}, []string{"a", "ab"}},
		{"case", []string{"a", "B", "A"}, []string{"A", "B", "a"}},
		{"astral before private use", []string{"\uE000", "\U00010000"}, []string{"\U00010000", "\uE000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := IRObject{}
			for _, k := range tt.keys {
				obj[k] = IRInt(1)
			}
			assert.Equal(t, tt.want, obj.SortedKeys())
		})
	}
}

func TestUnmarshalIRValueStrict(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"float", `1.5`, "floats are forbidden"},
		{"exponent", `1e3`, "floats are forbidden"},
		{"nested float", `{"a":[0.1]}`, "floats are forbidden"},
		{"null", `null`, "null is forbidden"},
		{"nested null", `{"a":null}`, "null is forbidden"},
		{"trailing", `{} {}`, "trailing data"},
		{"overflow", `99999999999999999999`, "out of int64 range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalIRValue([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUnmarshalIRObject(t *testing.T) {
	obj, err := UnmarshalIRObject([]byte(`{"n":3,"s":"x","l":[true]}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{"n": IRInt(3), "s": IRString("x"), "l": IRArray{IRBool(true)}}, obj)

	_, err = UnmarshalIRObject([]byte(`[1]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected JSON object, got array")
}

func TestIRObjectJSONRoundTripAllowsNullMembers(t *testing.T) {
	var obj IRObject
	require.NoError(t, json.Unmarshal([]byte(`{"b":null,"a":1}`), &obj))
	assert.Equal(t, IRNull{}, obj["b"])

	out, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":null}`, string(out))
}

func TestFromGoAndToGo(t *testing.T) {
	in := map[string]any{
		"s":    "x",
		"n":    42,
		"f":    float64(7),
		"b":    true,
		"list": []any{"a", int64(2)},
	}
	v, err := FromGo(in)
	require.NoError(t, err)

	obj := v.(IRObject)
	assert.Equal(t, IRInt(7), obj["f"])
	assert.Equal(t, IRArray{IRString("a"), IRInt(2)}, obj["list"])

	back := ToGo(obj).(map[string]any)
	assert.Equal(t, int64(42), back["n"])
	assert.Equal(t, []any{"a", int64(2)}, back["list"])

	_, err = FromGo(map[string]any{"x": 0.5})
	require.Error(t, err)
	_, err = FromGo(map[string]any{"x": nil})
	require.Error(t, err)
}

func TestObjectHelpers(t *testing.T) {
	obj := O("url", "https://example.com", "retries", 3)
	s, ok := obj.String("url")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com", s)

	n, ok := obj.Int("retries")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	_, ok = obj.Int("url")
	assert.False(t, ok)

	assert.Panics(t, func() { O("odd") })
}

func TestCloneIsDeep(t *testing.T) {
	orig := IRObject{"inner": IRObject{"a": IRInt(1)}, "list": IRArray{IRInt(1)}}
	cp := orig.Clone()
	cp["inner"].(IRObject)["a"] = IRInt(2)
	cp["list"].(IRArray)[0] = IRInt(9)

	assert.Equal(t, IRInt(1), orig["inner"].(IRObject)["a"])
	assert.Equal(t, IRInt(1), orig["list"].(IRArray)[0])
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "string", TypeName(IRString("")))
	assert.Equal(t, "int", TypeName(IRInt(0)))
	assert.Equal(t, "bool", TypeName(IRBool(true)))
	assert.Equal(t, "array", TypeName(IRArray{}))
	assert.Equal(t, "object", TypeName(IRObject{}))
	assert.Equal(t, "null", TypeName(IRNull{}))
}

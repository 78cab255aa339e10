package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromConvertsGoValues(t *testing.T) {
	v, err := From(map[string]any{
		"name":  "ada",
		"age":   36,
		"score": 9.5,
		"tags":  []any{"x", true, nil},
	})
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok)
	assert.Equal(t, String("ada"), obj["name"])
	assert.Equal(t, Int(36), obj["age"])
	assert.Equal(t, Float(9.5), obj["score"])
	assert.Equal(t, Array{String("x"), Bool(true), Null{}}, obj["tags"])
}

func TestFromReflectsTypedContainers(t *testing.T) {
	v, err := From(map[string][]int{"a": {1, 2}})
	require.NoError(t, err)
	assert.Equal(t, Object{"a": Array{Int(1), Int(2)}}, v)

	_, err = From(map[int]string{1: "x"})
	assert.Error(t, err)
}

func TestFromRejectsNonFinite(t *testing.T) {
	_, err := From(math.NaN())
	assert.Error(t, err)
	_, err = From(math.Inf(1))
	assert.Error(t, err)
}

func TestToGoRoundTrip(t *testing.T) {
	in := map[string]any{"a": int64(1), "b": []any{"x", 2.5}, "c": nil}
	assert.Equal(t, in, ToGo(MustFrom(in)))
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"nil and null", nil, Null{}, true},
		{"int and float", Int(2), Float(2), true},
		{"int and different float", Int(2), Float(2.5), false},
		{"string mismatch", String("a"), String("b"), false},
		{"kind mismatch", String("1"), Int(1), false},
		{"nested objects", MustFrom(map[string]any{"a": []any{1, 2}}), MustFrom(map[string]any{"a": []any{1, 2}}), true},
		{"nested difference", MustFrom(map[string]any{"a": []any{1, 2}}), MustFrom(map[string]any{"a": []any{1, 3}}), false},
		{"missing key", Object{"a": Int(1)}, Object{"b": Int(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestSameDetectsSharedMaps(t *testing.T) {
	a := Object{"x": Int(1)}
	b := a
	assert.True(t, Same(a, b))
	assert.False(t, Same(a, a.Clone()))
}

func TestCloneIsDeep(t *testing.T) {
	orig := Object{"inner": Object{"x": Int(1)}}
	cp := Clone(orig).(Object)
	cp["inner"].(Object)["x"] = Int(2)
	assert.Equal(t, Int(1), orig["inner"].(Object)["x"])
}

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"null", Null{}, "null"},
		{"int", Int(-100), "-100"},
		{"integral float", Float(3), "3"},
		{"fraction", Float(0.5), "0.5"},
		{"large float", Float(1e21), "1e+21"},
		{"small float", Float(1.5e-7), "1.5e-7"},
		{"sorted keys", Object{"zebra": Int(1), "alpha": Int(2)}, `{"alpha":2,"zebra":1}`},
		{"no html escaping", String("<a&b>"), `"<a&b>"`},
		{"line separator literal", String("a\u2028b"), "\"a\u2028b\""},
		{"escaped backslash kept", String(`\u2028`), `"\\u2028"`},
		{"nested", Object{"a": Array{Bool(true), Null{}}}, `{"a":[true,null]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := String("e\u0301")
	composed := String("\u00e9")
	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalRejectsNaN(t *testing.T) {
	_, err := MarshalCanonical(Array{Float(math.NaN())})
	assert.Error(t, err)
}

func TestSortedKeysUsesUTF16Order(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) which sorts before U+FF5E.
	obj := Object{"\uff5e": Int(1), "\U0001F600": Int(2)}
	assert.Equal(t, []string{"\U0001F600", "\uff5e"}, obj.SortedKeys())
}

func TestParse(t *testing.T) {
	v, err := Parse([]byte(`{"a":1,"b":1.5,"c":[null,"x"]}`))
	require.NoError(t, err)
	assert.Equal(t, Object{"a": Int(1), "b": Float(1.5), "c": Array{Null{}, String("x")}}, v)

	_, err = Parse([]byte(`{"a":1} trailing`))
	assert.Error(t, err)

	_, err = ParseObject([]byte(`[1]`))
	assert.Error(t, err)
}

func TestHashIsStableAcrossKeyOrder(t *testing.T) {
	a, err := Hash(DomainSnapshot, MustFrom(map[string]any{"x": 1, "y": 2}))
	require.NoError(t, err)
	b, err := Hash(DomainSnapshot, Object{"y": Int(2), "x": Int(1)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Hash(DomainRequest, Object{"y": Int(2), "x": Int(1)})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(String("")))
	assert.False(t, Truthy(Int(0)))
	assert.True(t, Truthy(Array{}))
	assert.True(t, Truthy(String("x")))
}

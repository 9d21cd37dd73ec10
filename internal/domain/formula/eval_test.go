package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Arithmetic(t *testing.T) {
	e := NewEvaluator()

	cases := []struct {
		src  string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"-2 ^ 2", -4},
		{"2 ^ 3 ^ 2", 512},
		{"10 / 4", 2.5},
		{"1e1 + .5", 10.5},
		{"max(3, [1, 7], 2)", 7},
		{"min([4, 2, 9])", 2},
		{"round(2.346, 2)", 2.35},
		{"if(1 < 2, 10, 20)", 10},
		{"if(1 > 2 or 0, 10, 20)", 20},
		{"not 0 and 1", 1},
		{"sum([1, 2] * 2)", 6},
	}

	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			res, err := e.Evaluate(tc.src, nil)
			require.NoError(t, err)
			assert.False(t, res.NA)
			assert.InDelta(t, tc.want, res.Value, 1e-9)
		})
	}
}

func TestEvaluate_BindingsAndNA(t *testing.T) {
	e := NewEvaluator()
	b := Bindings{
		"notes":        Vector([]float64{12, NA, 8}),
		"coefs":        Vector([]float64{2, 1, 1}),
		"coefs_mask":   Vector([]float64{1, 0, 1}),
		"moy":          Scalar(10.67),
		"moy_is_valid": Bool(true),
	}

	res, err := e.Evaluate("dot(notes, coefs) / dot(coefs, coefs_mask)", b)
	require.NoError(t, err)
	assert.InDelta(t, 32.0/3.0, res.Value, 1e-9)

	res, err = e.Evaluate("notes[1]", b)
	require.NoError(t, err)
	assert.True(t, res.NA)

	res, err = e.Evaluate("if(moy_is_valid, max(notes), NA)", b)
	require.NoError(t, err)
	assert.Equal(t, 12.0, res.Value)

	res, err = e.Evaluate("if(count(notes) < 3, NA, moy)", b)
	require.NoError(t, err)
	assert.True(t, res.NA)

	assert.Equal(t, []string{"notes"}, b.NANames())
}

func TestEvaluate_DivisionByZeroIsNA(t *testing.T) {
	res, err := NewEvaluator().Evaluate("1 / 0", nil)
	require.NoError(t, err)
	assert.True(t, res.NA)
}

func TestEvaluate_Sandbox(t *testing.T) {
	e := NewEvaluator()

	cases := []string{
		"os.Exit(1)",
		"exec(\"rm\")",
		"secret",
		"notes.__class__",
		"notes",
		"[1, 2][5]",
		"sqrt(-1)",
		"1 +",
		"((1)",
		"1 ; 2",
	}

	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := e.Evaluate(src, Bindings{"notes": Vector([]float64{1, 2})})
			assert.Error(t, err)
		})
	}
}

func TestParse_DepthLimit(t *testing.T) {
	src := ""
	for i := 0; i < MaxDepth+5; i++ {
		src += "("
	}
	src += "1"
	for i := 0; i < MaxDepth+5; i++ {
		src += ")"
	}
	_, err := Parse(src)
	assert.Error(t, err)
}

func TestIsActive(t *testing.T) {
	assert.False(t, IsActive(""))
	assert.False(t, IsActive("   "))
	assert.False(t, IsActive("# max(notes)"))
	assert.False(t, IsActive("  #disabled"))
	assert.True(t, IsActive("max(notes)"))
}

func TestEvaluator_CachesParsedFormulas(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("moy + 1", Bindings{"moy": Scalar(1)})
	require.NoError(t, err)
	_, err = e.Evaluate("moy + 1", Bindings{"moy": Scalar(2)})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}

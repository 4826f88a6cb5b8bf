package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(temp string, unit string) map[string]any {
	return map[string]any{
		"temp": json.Number(temp),
		"unit": unit,
	}
}

func TestSimpleComparison(t *testing.T) {
	q, err := Parse("temp > 32")
	require.NoError(t, err)

	ok, err := q.Matches(rec("50", "F"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Matches(rec("10", "F"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAndOrPrecedence(t *testing.T) {
	// AND binds tighter: a OR (b AND c)
	q, err := Parse("temp < 0 OR temp > 32 AND unit == 'F'")
	require.NoError(t, err)

	ok, _ := q.Matches(rec("-5", "C"))
	assert.True(t, ok)
	ok, _ = q.Matches(rec("50", "F"))
	assert.True(t, ok)
	ok, _ = q.Matches(rec("50", "C"))
	assert.False(t, ok)
}

func TestParens(t *testing.T) {
	q, err := Parse("(temp < 0 OR temp > 32) AND unit == 'F'")
	require.NoError(t, err)

	ok, _ := q.Matches(rec("-5", "F"))
	assert.True(t, ok)
	ok, _ = q.Matches(rec("-5", "C"))
	assert.False(t, ok)
}

func TestStringComparisons(t *testing.T) {
	q, err := Parse(`unit != "F"`)
	require.NoError(t, err)
	ok, _ := q.Matches(rec("0", "C"))
	assert.True(t, ok)
}

func TestFields(t *testing.T) {
	q, err := Parse("temp > 0 AND (unit == 'F' OR temp < 100)")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"temp", "unit"}, q.Fields())
}

func TestEvalErrors(t *testing.T) {
	q, err := Parse("pressure > 1000")
	require.NoError(t, err)
	_, err = q.Matches(rec("0", "C"))
	assert.Error(t, err)

	// type mismatch between field and literal
	q, err = Parse("unit > 5")
	require.NoError(t, err)
	_, err = q.Matches(rec("0", "C"))
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		"",
		"temp >",
		"temp = 5",
		"AND temp > 5",
		"(temp > 5",
	} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

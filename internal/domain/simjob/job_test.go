package simjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipeBalanced(t *testing.T) {
	flat := []interface{}{"F3", 2.0, "Cz", -2.0}
	entries, err := ParseRecipe(flat)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "F3", entries[0].Label)
	assert.Equal(t, 2.0, entries[0].CurrentMA)
}

func TestParseRecipeUnbalanced(t *testing.T) {
	flat := []interface{}{"F3", 2.0, "Cz", -1.5}
	_, err := ParseRecipe(flat)
	assert.ErrorAs(t, err, &ErrUnbalancedRecipe{})
}

func TestParseRecipeOddLength(t *testing.T) {
	flat := []interface{}{"F3", 2.0, "Cz"}
	_, err := ParseRecipe(flat)
	assert.Error(t, err)
}

func TestValidateWithinTolerance(t *testing.T) {
	j := Job{Recipe: []RecipeEntry{{Label: "F3", CurrentMA: 1.0}, {Label: "Cz", CurrentMA: -1.0 + 1e-10}}}
	assert.NoError(t, j.Validate())
}

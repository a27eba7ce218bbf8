// Package simjob defines the simulation job type submitted to the ROAST
// and SimNIBS schedulers.
package simjob

import (
	"encoding/json"
	"fmt"
	"math"
)

// recipeCurrentSumTolerance bounds the allowed deviation of a recipe's
// signed currents from zero, per the specification's invariant.
const recipeCurrentSumTolerance = 1e-9

// ElectrodeSpec and MeshOptions vary in shape across simulator quality
// presets; they are kept as raw JSON at this layer and only interpreted by
// the scheduler that owns a given simulator.
type Job struct {
	SessionID     string          `json:"session_id"`
	ModelName     string          `json:"model_name"`
	Recipe        []RecipeEntry   `json:"recipe"`
	ElectrodeSpec json.RawMessage `json:"electrode_spec,omitempty"`
	MeshOptions   json.RawMessage `json:"mesh_options,omitempty"`
	Tag           string          `json:"tag"`
	Quality       string          `json:"quality"`
}

// RecipeEntry is one (electrode label, signed current in mA) pair. The
// wire form is an even-length alternating array; RecipeEntry is the typed
// pairing used once parsed.
type RecipeEntry struct {
	Label      string
	CurrentMA  float64
}

// ErrUnbalancedRecipe is returned when a recipe's currents do not sum to
// zero within tolerance.
type ErrUnbalancedRecipe struct {
	Sum float64
}

func (e ErrUnbalancedRecipe) Error() string {
	return fmt.Sprintf("simjob: recipe currents sum to %g mA, must be within %g of zero", e.Sum, recipeCurrentSumTolerance)
}

// ParseRecipe converts the wire form (alternating label, current, label,
// current, ...) into typed RecipeEntry pairs and validates the zero-sum
// invariant.
func ParseRecipe(flat []interface{}) ([]RecipeEntry, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("simjob: recipe has odd length %d, must alternate label/current", len(flat))
	}

	entries := make([]RecipeEntry, 0, len(flat)/2)
	var sum float64
	for i := 0; i < len(flat); i += 2 {
		label, ok := flat[i].(string)
		if !ok {
			return nil, fmt.Errorf("simjob: recipe element %d is not an electrode label string", i)
		}
		current, ok := toFloat(flat[i+1])
		if !ok {
			return nil, fmt.Errorf("simjob: recipe element %d is not a numeric current", i+1)
		}
		entries = append(entries, RecipeEntry{Label: label, CurrentMA: current})
		sum += current
	}

	if math.Abs(sum) > recipeCurrentSumTolerance {
		return nil, ErrUnbalancedRecipe{Sum: sum}
	}
	return entries, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Validate checks the job's Recipe sums to zero within tolerance, assuming
// Recipe was already parsed into RecipeEntry pairs.
func (j Job) Validate() error {
	var sum float64
	for _, r := range j.Recipe {
		sum += r.CurrentMA
	}
	if math.Abs(sum) > recipeCurrentSumTolerance {
		return ErrUnbalancedRecipe{Sum: sum}
	}
	return nil
}

// Marshal serializes a Job for storage in the shared-state job queue.
func (j Job) Marshal() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unmarshal parses a Job from its queued wire form.
func Unmarshal(data string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

package pipeline

import "context"

// ErrOOM signals the predictor ran out of device memory on a window. The
// runner halves the tile batch and retries once; a second ErrOOM is fatal.
var ErrOOM = predictorError("pipeline: predictor out of memory")

// ErrMissingCheckpoint signals the predictor could not find its checkpoint
// file during load.
var ErrMissingCheckpoint = predictorError("pipeline: predictor checkpoint missing")

type predictorError string

func (e predictorError) Error() string { return string(e) }

// Predictor is the opaque model-execution collaborator: load a checkpoint
// onto a reserved slot, then run sliding-window inference. Its internals
// (the actual tensor/model runtime) are never guessed at here.
type Predictor interface {
	// Load prepares the model named by checkpointPath on the given slot.
	Load(ctx context.Context, slotID int, checkpointPath string) error
	// Predict runs inference over one sliding window of the input volume
	// at the given tile batch size, returning a window-shaped volume with
	// one label id per voxel (the class reduction happens inside the
	// predictor). tileBatch controls how many windows are
	// batched together; a smaller value uses less device memory.
	Predict(ctx context.Context, slotID int, window Volume, tileBatch int) (Volume, error)
	// Unload releases any device-resident state for the given slot.
	Unload(ctx context.Context, slotID int) error
}

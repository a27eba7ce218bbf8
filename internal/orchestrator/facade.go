// Package orchestrator implements the Orchestrator Façade: the function
// invoked by the HTTP layer that turns an uploaded volume or a simulation
// request into an enqueued job, per spec §4.9.
package orchestrator

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/domain/segjob"
	"github.com/neuroinfer/segserve/internal/domain/simjob"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/pipeline"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/tidwall/gjson"
)

// ErrBadUpload is returned when the uploaded filename does not carry a
// recognized NIfTI suffix.
type ErrBadUpload struct {
	Filename string
}

func (e ErrBadUpload) Error() string {
	return fmt.Sprintf("orchestrator: %q is not a .nii or .nii.gz upload", e.Filename)
}

// ErrNoSegmentation is returned when a simulation is requested for a
// (session, model) pair that has no completed segmentation output yet.
type ErrNoSegmentation struct {
	SessionID string
	ModelName string
}

func (e ErrNoSegmentation) Error() string {
	return fmt.Sprintf("orchestrator: no segmentation output for session %s model %s", e.SessionID, e.ModelName)
}

// Facade wires the Session Store, Model Registry, job queue, and Event Bus
// together into the single entry point the HTTP layer calls.
type Facade struct {
	Sessions  *session.Store
	Registry  *registry.Registry
	Store     sharedstate.Store
	Bus       *eventbus.Bus
	Resampler pipeline.ResamplerClient
	Logger    *obslog.Logger
	Audit     *obslog.AuditWriter
}

// New constructs a Facade.
func New(sessions *session.Store, reg *registry.Registry, store sharedstate.Store, bus *eventbus.Bus, resampler pipeline.ResamplerClient, logger *obslog.Logger, audit *obslog.AuditWriter) *Facade {
	return &Facade{Sessions: sessions, Registry: reg, Store: store, Bus: bus, Resampler: resampler, Logger: logger, Audit: audit}
}

// PredictResult is the body spec §4.9 step 7 returns from /predict.
type PredictResult struct {
	SessionID     string   `json:"session_id"`
	QueuePosition int64    `json:"queue_position"`
	Models        []string `json:"models"`
	Space         string   `json:"space"`
}

// hasNIfTISuffix reports whether filename ends in .nii or .nii.gz.
func hasNIfTISuffix(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// Predict implements spec §4.9 steps 1-7: validate, create the session,
// persist the upload (gzipping on the fly so the canonical file is always
// gzipped), resolve the model list, build the per-model plan, enqueue, and
// publish `queued`.
func (f *Facade) Predict(ctx context.Context, filename string, body io.Reader, modelsParam string) (PredictResult, error) {
	if !hasNIfTISuffix(filename) {
		return PredictResult{}, ErrBadUpload{Filename: filename}
	}

	sid, err := f.Sessions.Create()
	if err != nil {
		return PredictResult{}, fmt.Errorf("orchestrator: create session: %w", err)
	}

	nativePath := f.Sessions.NativeInput(sid)
	if err := f.persistUpload(filename, body, nativePath); err != nil {
		return PredictResult{}, fmt.Errorf("orchestrator: persist upload: %w", err)
	}

	models, err := resolveModels(modelsParam, f.Registry)
	if err != nil {
		return PredictResult{}, err
	}

	conformedPath := f.Sessions.ConformedInput(sid)
	plan, err := buildPlan(ctx, f.Registry, models, nativePath, conformedPath, resamplerFunc(f.Resampler))
	if err != nil {
		return PredictResult{}, err
	}

	job := segjob.Job{SessionID: sid, InputPath: nativePath, Plan: plan}
	raw, err := job.Marshal()
	if err != nil {
		return PredictResult{}, fmt.Errorf("orchestrator: marshal job: %w", err)
	}
	if err := f.Store.RPush(ctx, "job_queue", raw); err != nil {
		return PredictResult{}, fmt.Errorf("orchestrator: enqueue job: %w", err)
	}
	queuePos, err := f.Store.LLen(ctx, "job_queue")
	if err != nil {
		queuePos = 0
	}

	for _, step := range plan {
		if err := f.Store.Set(ctx, "model_status:"+sid+":"+step.ModelName, string(segjob.ProgressQueued)); err != nil && f.Logger != nil {
			f.Logger.WithSession(sid).WithError(err).Error("set initial model status")
		}
	}
	if err := f.Bus.Publish(ctx, sid, "queued", map[string]interface{}{"models": models}); err != nil && f.Logger != nil {
		f.Logger.WithSession(sid).WithError(err).Error("publish queued event")
	}
	if f.Audit != nil {
		f.Audit.Append(ctx, sid, "", "job_queued", strings.Join(models, ","))
	}

	space := "native"
	for _, step := range plan {
		if step.InputPath == conformedPath {
			space = "conformed"
			break
		}
	}

	return PredictResult{SessionID: sid, QueuePosition: queuePos, Models: models, Space: space}, nil
}

// persistUpload writes body to dstPath, which is always gzip-compressed:
// if the source filename already ends in .gz the bytes are copied through
// unchanged, otherwise they are gzipped on the fly so the canonical file on
// disk is always gzipped, per spec §4.9 step 3.
func (f *Facade) persistUpload(filename string, body io.Reader, dstPath string) error {
	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if strings.HasSuffix(strings.ToLower(filename), ".gz") {
		_, err = io.Copy(out, body)
		return err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, body); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// SimulateResult is the body /simulate and /simulate/simnibs return.
type SimulateResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Simulate validates and enqueues a simulation job onto queueKey ("roast_queue"
// or "simnibs_queue"). rawBody is pre-scanned with gjson for the optional
// electrode_spec/mesh_options sub-objects (whose shape varies across
// simulator quality presets) before the fields are pinned into the typed
// simjob.Job, keeping those two fields as raw JSON at the boundary while
// every other field is parsed and validated strictly.
func (f *Facade) Simulate(ctx context.Context, queueKey string, rawBody []byte) (SimulateResult, error) {
	sid := gjson.GetBytes(rawBody, "session_id").String()
	if sid == "" {
		return SimulateResult{}, fmt.Errorf("orchestrator: simulate request missing session_id")
	}
	modelName := gjson.GetBytes(rawBody, "model_name").String()
	if modelName == "" {
		return SimulateResult{}, fmt.Errorf("orchestrator: simulate request missing model_name")
	}
	if _, err := os.Stat(f.Sessions.ModelOutput(sid, modelName)); err != nil {
		return SimulateResult{}, ErrNoSegmentation{SessionID: sid, ModelName: modelName}
	}

	recipeResult := gjson.GetBytes(rawBody, "recipe")
	var recipeFlat []interface{}
	if recipeResult.IsArray() {
		for _, v := range recipeResult.Array() {
			recipeFlat = append(recipeFlat, v.Value())
		}
	}
	recipe, err := simjob.ParseRecipe(recipeFlat)
	if err != nil {
		return SimulateResult{}, err
	}

	job := simjob.Job{
		SessionID: sid,
		ModelName: modelName,
		Recipe:    recipe,
		Tag:       gjson.GetBytes(rawBody, "tag").String(),
		Quality:   gjson.GetBytes(rawBody, "quality").String(),
	}
	if spec := gjson.GetBytes(rawBody, "electrode_spec"); spec.Exists() {
		job.ElectrodeSpec = []byte(spec.Raw)
	}
	if opts := gjson.GetBytes(rawBody, "mesh_options"); opts.Exists() {
		job.MeshOptions = []byte(opts.Raw)
	}

	raw, err := job.Marshal()
	if err != nil {
		return SimulateResult{}, fmt.Errorf("orchestrator: marshal simulation job: %w", err)
	}
	if err := f.Store.RPush(ctx, queueKey, raw); err != nil {
		return SimulateResult{}, fmt.Errorf("orchestrator: enqueue simulation job: %w", err)
	}
	if f.Audit != nil {
		f.Audit.Append(ctx, sid, modelName, "sim_queued", queueKey)
	}

	return SimulateResult{SessionID: sid, Status: "queued"}, nil
}

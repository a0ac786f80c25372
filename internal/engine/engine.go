package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"doodler/internal/comfy"
	"doodler/internal/imagemeta"
	"doodler/internal/infra"
	"doodler/internal/task"
	"doodler/internal/workflow"
)

// Gateway is the slice of the rendering backend the engine depends on.
// *comfy.Client satisfies it; tests inject a stub.
type Gateway interface {
	Enqueue(ctx context.Context, graph json.RawMessage) (string, error)
	Subscribe(eventType string, handler comfy.Handler) func()
	ViewURL(filename, subfolder, typ string) string
	FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error)
}

// Options configures an Engine.
type Options struct {
	Gateway    Gateway
	Registry   *task.Registry
	Graph      workflow.Graph
	OutputNode string
	Timeout    time.Duration
	Logger     infra.Logger
	Rand       *rand.Rand
}

// Engine drives one generation job per submission: it builds the job spec,
// submits it, correlates the shared event stream back to the submitting task
// by prompt id, materializes the produced image and commits it into the
// registry. All failures terminate in the registry's failed state; nothing
// escapes to the submission caller.
type Engine struct {
	gateway    Gateway
	registry   *task.Registry
	graph      workflow.Graph
	outputNode string
	timeout    time.Duration
	logger     infra.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	jobs sync.WaitGroup
}

// New constructs an Engine.
func New(opts Options) *Engine {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Engine{
		gateway:    opts.Gateway,
		registry:   opts.Registry,
		graph:      opts.Graph,
		outputNode: opts.OutputNode,
		timeout:    timeout,
		logger:     opts.Logger,
		rng:        rng,
	}
}

// Generate starts the background job for one created task and returns
// immediately. The caller must already hold a task id from the registry.
func (e *Engine) Generate(taskID, action string) {
	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		defer func() {
			if r := recover(); r != nil {
				e.fail(taskID, fmt.Sprintf("generation panicked: %v", r), nil)
			}
		}()
		e.run(taskID, action)
	}()
}

// Wait blocks until every in-flight job has settled. Used on shutdown and in
// tests.
func (e *Engine) Wait() {
	e.jobs.Wait()
}

func (e *Engine) run(taskID, action string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	spec, err := e.buildSpec(action)
	if err != nil {
		e.fail(taskID, "failed to build job spec", err)
		return
	}

	promptID, err := e.gateway.Enqueue(ctx, spec)
	if err != nil {
		e.fail(taskID, "backend rejected the job", err)
		return
	}
	e.logger.Info().Str("task_id", taskID).Str("prompt_id", promptID).Msg("job submitted")

	// The event stream is shared by every in-flight job; both handlers gate
	// on the prompt id so one task can never be completed with another
	// task's image.
	unsubProgress := e.gateway.Subscribe(comfy.EventProgress, func(data json.RawMessage) {
		var ev comfy.ProgressEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.PromptID != promptID {
			return
		}
		e.logger.Debug().Str("task_id", taskID).Int("value", ev.Value).Int("max", ev.Max).Msg("job progress")
	})
	defer unsubProgress()

	completed := make(chan comfy.ExecutedEvent, 1)
	unsubExecuted := e.gateway.Subscribe(comfy.EventExecuted, func(data json.RawMessage) {
		var ev comfy.ExecutedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if ev.PromptID != promptID || ev.Node != e.outputNode {
			return
		}
		// First matching event wins; duplicates are dropped here and the
		// sticky registry state rejects them even if one slipped through.
		select {
		case completed <- ev:
		default:
		}
	})
	defer unsubExecuted()

	select {
	case <-ctx.Done():
		e.fail(taskID, "generation timed out waiting for the backend", ctx.Err())
	case ev := <-completed:
		e.materialize(ctx, taskID, ev)
	}
}

func (e *Engine) buildSpec(action string) (json.RawMessage, error) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return workflow.Build(e.graph, action, e.rng)
}

func (e *Engine) materialize(ctx context.Context, taskID string, ev comfy.ExecutedEvent) {
	ref, ok := firstAddressable(ev.Output.Images)
	if !ok {
		e.fail(taskID, "completion event carried no retrievable image", nil)
		return
	}

	data, err := e.gateway.FetchArtifact(ctx, e.gateway.ViewURL(*ref.Filename, *ref.Subfolder, ref.Type))
	if err != nil {
		e.fail(taskID, "failed to retrieve the produced image", err)
		return
	}

	meta, err := imagemeta.Inspect(data)
	if err != nil {
		e.fail(taskID, "produced image is not decodable", err)
		return
	}

	img := task.Image{
		DataURI: imagemeta.DataURI(meta.Format, data),
		Width:   meta.Width,
		Height:  meta.Height,
		Format:  meta.Format,
	}
	if err := e.registry.Complete(taskID, img); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("result discarded")
		return
	}
	e.logger.Info().Str("task_id", taskID).Str("format", meta.Format).
		Int("width", meta.Width).Int("height", meta.Height).Msg("job finished")
}

func (e *Engine) fail(taskID, reason string, err error) {
	e.logger.Error().Err(err).Str("task_id", taskID).Msg(reason)
	if ferr := e.registry.Fail(taskID, reason); ferr != nil && !errors.Is(ferr, task.ErrTaskTerminal) {
		e.logger.Warn().Err(ferr).Str("task_id", taskID).Msg("could not record task failure")
	}
}

func firstAddressable(refs []comfy.ImageRef) (comfy.ImageRef, bool) {
	for _, ref := range refs {
		if ref.Addressable() {
			return ref, true
		}
	}
	return comfy.ImageRef{}, false
}

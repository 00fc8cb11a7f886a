package orchestrator

import (
	"context"
	"fmt"
	"math"

	"github.com/loykin/nodevisor/internal/events"
	"github.com/loykin/nodevisor/internal/metrics"
	"github.com/loykin/nodevisor/internal/ollama"
)

// ensureModel provisions the default model unless the backend already has it.
// A bundled model file is preferred over a network pull; a failed create is
// not retried as a pull.
func (o *Orchestrator) ensureModel(ctx context.Context) error {
	model := o.cfg.DefaultModel
	client := o.models(o.backend.BaseURL())
	installed, err := client.ListInstalledModels(ctx)
	if err != nil {
		return fmt.Errorf("list installed models: %w", err)
	}
	if ollama.ContainsModel(installed, model) {
		o.log.Info("model already installed", "model", model)
		return nil
	}
	if o.cfg.ModelFile != "" && fileExists(o.cfg.ModelFile) {
		return o.createModel(ctx, client, model)
	}
	return o.pullModel(ctx, client, model)
}

func (o *Orchestrator) createModel(ctx context.Context, client ModelClient, model string) error {
	o.log.Info("creating model from file", "model", model, "file", o.cfg.ModelFile)
	o.publish(events.ForModel(events.CreatingModelStart, model))
	p := newProgress(func(pct float64) {
		o.publish(events.Progress(events.CreatingModelProgress, model, pct))
	})
	err := client.CreateModelFromLocalFile(ctx, model, o.cfg.ModelFile,
		ollama.WithCreateProgress(func(cp ollama.CreateProgress) { p.report(cp.Percent) }))
	metrics.IncProvision("create", err == nil)
	if err != nil {
		o.publish(events.Failed(events.CreatingModelError, model, err))
		return fmt.Errorf("create model %s: %w", model, err)
	}
	o.publish(events.ForModel(events.CreatingModelDone, model))
	return nil
}

func (o *Orchestrator) pullModel(ctx context.Context, client ModelClient, model string) error {
	o.log.Info("pulling model", "model", model)
	o.publish(events.ForModel(events.PullingModelStart, model))
	p := newProgress(func(pct float64) {
		o.publish(events.Progress(events.PullingModelProgress, model, pct))
	})
	err := client.PullModel(ctx, model, func(ev ollama.PullEvent) {
		if ev.Status == ollama.Downloading {
			p.report(ev.Percent())
		}
	})
	metrics.IncProvision("pull", err == nil)
	if err != nil {
		o.publish(events.Failed(events.PullingModelError, model, err))
		return fmt.Errorf("pull model %s: %w", model, err)
	}
	o.publish(events.ForModel(events.PullingModelDone, model))
	return nil
}

// progress forwards whole-percent changes only.
type progress struct {
	last int
	emit func(float64)
}

func newProgress(emit func(float64)) *progress { return &progress{last: -1, emit: emit} }

func (p *progress) report(pct float64) {
	whole := int(math.Floor(pct))
	if whole == p.last {
		return
	}
	p.last = whole
	p.emit(float64(whole))
}

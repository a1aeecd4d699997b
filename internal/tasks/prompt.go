package tasks

import (
	"context"

	"github.com/aristath/crewgraph/internal/scheduler"
)

// PromptUnit asks an agent one question, with the outputs of upstream tasks
// as context.
type PromptUnit struct {
	scheduler.UnitBase
	Prompt  string
	Context []string
}

func (*PromptUnit) Label() string { return "PromptUnit" }

// PromptTask runs a single prompt and is done once it has been answered.
type PromptTask struct {
	scheduler.BaseTask
	Agent  string
	Prompt string

	workers WorkerFactory
	emitted bool
}

func NewPromptTask(name, agent, prompt string, workers WorkerFactory) *PromptTask {
	return &PromptTask{
		BaseTask: scheduler.NewBaseTask(name, KindPrompt),
		Agent:    agent,
		Prompt:   prompt,
		workers:  workers,
	}
}

func (t *PromptTask) NextUnit(ctx context.Context) (scheduler.TaskUnit, error) {
	if t.IsDone() || t.emitted {
		return nil, nil
	}
	upstream, err := UpstreamOutputs(ctx, t)
	if err != nil {
		return nil, err
	}
	t.emitted = true
	return &PromptUnit{Prompt: t.Prompt, Context: upstream}, nil
}

func (t *PromptTask) Worker(tools []scheduler.Tool) (scheduler.Worker, error) {
	return t.workers(t.Agent, tools)
}

func (t *PromptTask) OnUnitCompletion(ctx context.Context, _ scheduler.TaskUnit) error {
	return t.SetDone(ctx, true)
}

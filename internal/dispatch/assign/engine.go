package assign

import (
	"math/rand"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// Outcome is the result of trying to place one task on one worker, or of
// trying to place a task on any worker at all.
type Outcome int

const (
	// Never means no worker is, or ever will be, capable of running this
	// task: assignment should fail it immediately.
	Never Outcome = iota
	// Later means no worker can take the task right now, but one might
	// later (e.g. every capable worker is currently full); leave it
	// queued.
	Later
	// WrongZone means every capable worker is outside the task's
	// required zone. Kept distinct from Never so the failure message can
	// say why, even though it fails with the same status code.
	WrongZone
	// Now means a worker can run the task immediately.
	Now
)

// Score is the result of scoring one task against one worker.
type Score struct {
	Outcome Outcome
	// Value ranks candidates when Outcome == Now: higher wins.
	Value int
}

// Scorer is implemented by a job's handler to rank candidate workers for
// one of its tasks, beyond the capability/zone gating the engine already
// applies. A handler with no opinion can always return {Outcome: Now}.
type Scorer interface {
	ScoreTask(task *types.Task, worker *types.Worker) Score
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(task *types.Task, worker *types.Worker) Score

func (f ScorerFunc) ScoreTask(task *types.Task, worker *types.Worker) Score { return f(task, worker) }

// score defers an inactive worker (Later), then applies the engine's two
// universal gates — task capability, then zone capability — before
// falling through to the handler's own Scorer.
// This mirrors rmake's Dispatcher._scoreTask: the engine's gates can only
// ever narrow what the handler sees, never override it.
func score(task *types.Task, worker *types.Worker, scorer Scorer) Score {
	if !worker.Active {
		return Score{Outcome: Later}
	}
	if !worker.Supports(types.TaskCapability(task.TaskType)) {
		return Score{Outcome: Never}
	}
	if task.TaskZone != "" && !worker.Supports(types.ZoneCapability(task.TaskZone)) {
		return Score{Outcome: WrongZone}
	}
	return scorer.ScoreTask(task, worker)
}

// Placement names the worker chosen for a task, or explains why none was.
type Placement struct {
	Task      *types.Task
	Outcome   Outcome
	WorkerID  string
}

// AssignTask scores task against every worker in workers and returns the
// placement decision, matching rmake's Dispatcher._assignTask: a Now
// decision picks the highest-scoring worker, breaking ties uniformly at
// random so no single worker starves from always losing ties.
func AssignTask(task *types.Task, workers []*types.Worker, scorer Scorer, rng *rand.Rand) Placement {
	bestScore := 0
	var best []string
	sawLater := false
	sawWrongZone := false

	for _, w := range workers {
		s := score(task, w, scorer)
		switch s.Outcome {
		case Now:
			if len(best) == 0 || s.Value > bestScore {
				bestScore = s.Value
				best = []string{w.WorkerID}
			} else if s.Value == bestScore {
				best = append(best, w.WorkerID)
			}
		case Later:
			sawLater = true
		case WrongZone:
			sawWrongZone = true
		case Never:
			// no information to record
		}
	}

	if len(best) > 0 {
		chosen := best[0]
		if len(best) > 1 {
			chosen = best[rng.Intn(len(best))]
		}
		return Placement{Task: task, Outcome: Now, WorkerID: chosen}
	}
	if sawLater {
		return Placement{Task: task, Outcome: Later}
	}
	if sawWrongZone {
		return Placement{Task: task, Outcome: WrongZone}
	}
	return Placement{Task: task, Outcome: Never}
}

// FailureText returns the status text a Never/WrongZone placement should
// fail the task with, preserving the original system's distinct wording
// for the two cases even though both map to the same status code.
func FailureText(outcome Outcome) string {
	switch outcome {
	case WrongZone:
		return "No capable workers are in the requested zone."
	default:
		return "No workers are capable of running this task."
	}
}

// Engine runs one assignment pass over a Queue: draining it in priority
// order, placing every task it can, and putting back whatever must wait.
type Engine struct {
	queue  *Queue
	scorer func(task *types.Task) Scorer
	rng    *rand.Rand
}

// NewEngine builds an assignment engine over queue. scorerFor looks up
// the Scorer for a task's owning job handler; the dispatcher supplies
// this so the engine never needs to know about job handlers directly.
func NewEngine(queue *Queue, scorerFor func(task *types.Task) Scorer, rng *rand.Rand) *Engine {
	return &Engine{queue: queue, scorer: scorerFor, rng: rng}
}

// Run drains the queue once in ascending priority order, calling onNow
// for every task placed and onFail for every task that can never be
// placed. Tasks that must wait (Later) are pushed back onto the queue
// once the pass is done, so a task seen early in the pass can't be
// reconsidered against workers a later task in the same pass just
// claimed.
func (e *Engine) Run(workers []*types.Worker, onNow func(Placement), onFail func(Placement)) {
	var deferred []*types.Task
	for {
		task := e.queue.Pop()
		if task == nil {
			break
		}
		scorer := e.scorer(task)
		if scorer == nil {
			scorer = ScorerFunc(func(*types.Task, *types.Worker) Score { return Score{Outcome: Now, Value: 0} })
		}
		placement := AssignTask(task, workers, scorer, e.rng)
		switch placement.Outcome {
		case Now:
			onNow(placement)
		case Later:
			deferred = append(deferred, task)
		default:
			onFail(placement)
		}
	}
	for _, task := range deferred {
		e.queue.Push(task)
	}
}

// Package shortcut implements the evaluation-time store callback: when the
// store layer needs an output that isn't locally available, it calls back
// into the controller to arrange a remote build, then waits for the result
// via HerculesState before retrying substitution.
package shortcut

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/invariant"
)

// BuildStatus is the outcome reported for one build attempt.
type BuildStatus string

const (
	StatusSuccess           BuildStatus = "Success"
	StatusFailure           BuildStatus = "Failure"
	StatusDependencyFailure BuildStatus = "DependencyFailure"
)

// Completion is the pair recorded in HerculesState.drvsCompleted for one
// derivation path.
type Completion struct {
	Attempt uuid.UUID
	Status  BuildStatus
}

// HerculesState is the controller-side shared state for one evaluation run.
// Each field owns its own synchronization: no shared mutable aggregate
// lock.
type HerculesState struct {
	mu          sync.Mutex
	cond        *sync.Cond
	completed   map[string]Completion

	inProgressMu sync.Mutex
	inProgress   map[string]struct{}
}

// NewHerculesState returns empty, ready-to-use state for one evaluation run.
func NewHerculesState() *HerculesState {
	s := &HerculesState{
		completed:  make(map[string]Completion),
		inProgress: make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// tryAcquire inserts drvPath into drvsInProgress if absent, atomically.
// Returns false if already present.
func (s *HerculesState) tryAcquire(drvPath string) bool {
	s.inProgressMu.Lock()
	defer s.inProgressMu.Unlock()
	if _, ok := s.inProgress[drvPath]; ok {
		return false
	}
	s.inProgress[drvPath] = struct{}{}
	return true
}

// release removes drvPath from drvsInProgress.
func (s *HerculesState) release(drvPath string) {
	s.inProgressMu.Lock()
	delete(s.inProgress, drvPath)
	s.inProgressMu.Unlock()
}

// RecordCompletion is called by the worker-protocol reader (the single
// writer) when a BuildResult event names drvPath's outcome. It wakes any
// goroutine waiting in awaitCompletion.
func (s *HerculesState) RecordCompletion(drvPath string, completion Completion) {
	s.mu.Lock()
	s.completed[drvPath] = completion
	s.cond.Broadcast()
	s.mu.Unlock()
}

// awaitCompletion blocks until drvsCompleted[drvPath] holds an attempt
// distinct from exclude (the zero UUID never matches a real attempt, so
// passing it waits for the first recorded completion).
func (s *HerculesState) awaitCompletion(drvPath string, exclude uuid.UUID) Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if c, ok := s.completed[drvPath]; ok && c.Attempt != exclude {
			return c
		}
		s.cond.Wait()
	}
}

// Callback bundles the collaborators the build-shortcut needs: a way to
// emit Build events to the controller and a way to attempt local
// substitution.
type Callback struct {
	State       *HerculesState
	EmitBuild   func(drvPath, outputName string, previousAttempt *uuid.UUID) error
	EnsurePath  func(drvPath, outputName string) error
	ClearCaches func()
}

// Run handles one callback invocation on drvPath/outputName: acquire the
// in-progress marker, emit Build, attempt substitution up to three times,
// retrying after a controller-reported completion each time it fails, and
// releasing the marker on every exit path.
func (c *Callback) Run(drvPath, outputName string) error {
	invariant.Precondition(drvPath != "", "shortcut callback requires a derivation path")

	if !c.State.tryAcquire(drvPath) {
		return errors.New(errors.KindConcurrentBuildDenied,
			fmt.Sprintf("concurrent shortcut build already in flight for %q", drvPath)).
			WithContext("drvPath", drvPath)
	}
	defer c.State.release(drvPath)

	if err := c.EmitBuild(drvPath, outputName, nil); err != nil {
		return err
	}

	if err := c.EnsurePath(drvPath, outputName); err == nil {
		return nil
	}

	completion0 := c.State.awaitCompletion(drvPath, uuid.Nil)
	if failed, err := translateFailure(drvPath, completion0); failed {
		return err
	}

	c.ClearCaches()
	if err := c.EnsurePath(drvPath, outputName); err == nil {
		return nil
	}

	attempt0 := completion0.Attempt
	if err := c.EmitBuild(drvPath, outputName, &attempt0); err != nil {
		return err
	}

	completion1 := c.State.awaitCompletion(drvPath, attempt0)
	if failed, err := translateFailure(drvPath, completion1); failed {
		return err
	}

	c.ClearCaches()
	if err := c.EnsurePath(drvPath, outputName); err == nil {
		return nil
	}

	return errors.New(errors.KindBuildException,
		fmt.Sprintf("substitution for %q failed despite a reported successful rebuild", drvPath)).
		WithContext("drvPath", drvPath)
}

// translateFailure reports (true, err) when completion's status means the
// retry loop must abort, (false, nil) when the caller should retry.
func translateFailure(drvPath string, completion Completion) (bool, error) {
	switch completion.Status {
	case StatusFailure, StatusDependencyFailure:
		return true, errors.New(errors.KindBuildException,
			fmt.Sprintf("build of %q reported %s", drvPath, completion.Status)).
			WithContext("drvPath", drvPath).
			WithContext("status", string(completion.Status))
	default:
		return false, nil
	}
}

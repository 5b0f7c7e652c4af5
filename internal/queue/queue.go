// Package queue defines the narrow task-dispatch contract the Status
// Scheduler codes against — the real task-queue implementation (broker,
// worker loop, at-least-once delivery) is an out-of-scope external
// collaborator (spec.md §1). This package only specifies the contract
// plus an in-process channel-backed default, grounded on the worker-pool
// shape of brian-c-moore-etl-tool/internal/app/app.go's goroutine-driven
// fan-out.
package queue

import (
	"context"
	"fmt"
)

// Stage names a pipeline step a Task asks a worker to run.
type Stage string

const (
	StageLoad     Stage = "LOAD"
	StageParse    Stage = "PARSE"
	StageValidate Stage = "VALIDATE"
	StageUpload   Stage = "UPLOAD"
	StageReport   Stage = "REPORT"
)

// Task is one unit of work: "exactly one (fileId [, instanceId])" per
// spec.md §5. InstanceID is only meaningful for StageReport, where it
// names the OutputInstance to generate.
type Task struct {
	Stage      Stage
	FileID     int64
	InstanceID string
}

func (t Task) String() string {
	if t.InstanceID != "" {
		return fmt.Sprintf("%s(file=%d, instance=%s)", t.Stage, t.FileID, t.InstanceID)
	}
	return fmt.Sprintf("%s(file=%d)", t.Stage, t.FileID)
}

// Enqueuer is the only thing the scheduler needs from a task queue:
// somewhere to hand off the next stage's work. Implementations decide
// delivery semantics (at-least-once, retries, persistence); this
// package's own implementation below provides none of that and exists
// only so the module runs standalone.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Queue is an in-process, buffered stand-in for the external task
// queue. It gives cmd/ingestpipe something to drive workers from
// without requiring a broker; production deployments are expected to
// swap in a real Enqueuer backed by whatever queue they run.
type Queue struct {
	tasks chan Task
}

// New returns a Queue buffering up to capacity pending tasks.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{tasks: make(chan Task, capacity)}
}

// Enqueue hands task to the queue, blocking if it is full until either
// there is room or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tasks returns the channel workers range over to receive tasks.
// Closing it is the caller's responsibility once no more tasks will be
// enqueued.
func (q *Queue) Tasks() <-chan Task {
	return q.tasks
}

// Close signals that no further tasks will be enqueued.
func (q *Queue) Close() {
	close(q.tasks)
}

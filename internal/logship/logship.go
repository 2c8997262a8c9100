// Package logship implements the log-push pipeline: a linear sequence of
// stages (filter progress -> renumber -> batch -> end-marker -> socket
// sink) wired together with channels, rather than an open-coded event loop.
package logship

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
)

// Message is one log record as produced by the builder/worker.
type Message struct {
	Line       string
	IsProgress bool
}

// batch is the renumbered, grouped unit actually written to the socket.
type batch struct {
	Sequence uint64    `json:"sequence"`
	Lines    []string  `json:"lines"`
	End      bool      `json:"end,omitempty"`
}

// DrainTimeout is the hard deadline for flushing all pending messages once
// the source is closed. Expiry is fatal. A var so tests can shrink it.
var DrainTimeout = 600 * time.Second

const batchSize = 32

// Pipeline wires the stages together and drains them into sink.
type Pipeline struct {
	in chan Message
}

// NewPipeline returns a pipeline with a bounded input queue. Send messages
// with Push and signal the end of input with Close. Run drains the queue
// concurrently with the producers; Push blocks once the 256-slot queue is
// full and nothing is draining it.
func NewPipeline() *Pipeline {
	return &Pipeline{in: make(chan Message, 256)}
}

// Push enqueues one message, blocking if the input queue is full.
func (p *Pipeline) Push(m Message) {
	p.in <- m
}

// Close signals no further messages will be pushed.
func (p *Pipeline) Close() {
	close(p.in)
}

// Run drives messages from the input queue through filter -> renumber ->
// batch -> end-marker -> socket sink, writing newline-delimited JSON
// batches to conn. It returns once the input is closed, all batches are
// flushed, and the end marker is written, or DrainTimeout elapses first
// (KindLogDrainTimeout, fatal).
func (p *Pipeline) Run(ctx context.Context, conn net.Conn) error {
	filtered := filterProgress(p.in)
	renumbered := renumber(filtered)
	batched := batchLines(renumbered, batchSize)

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error { return sink(conn, batched) })

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(DrainTimeout):
		return errors.New(errors.KindLogDrainTimeout,
			fmt.Sprintf("log drain exceeded %s", DrainTimeout))
	case <-ctx.Done():
		return errors.Wrap(errors.KindLogDrainTimeout, "log drain interrupted", ctx.Err())
	}
}

// filterProgress drops progress-only lines; everything else passes through
// unchanged. This is the "unbatch -> filter progress" pair of stages
// collapsed into one, since unbatching a Message stream is the identity
// transform at this stage boundary.
func filterProgress(in <-chan Message) <-chan string {
	out := make(chan string, cap(in))
	go func() {
		defer close(out)
		for m := range in {
			if m.IsProgress {
				continue
			}
			out <- m.Line
		}
	}()
	return out
}

// renumber assigns a strictly increasing sequence number to each surviving
// line.
func renumber(in <-chan string) <-chan numberedLine {
	out := make(chan numberedLine, cap(in))
	go func() {
		defer close(out)
		var seq uint64
		for line := range in {
			out <- numberedLine{sequence: seq, line: line}
			seq++
		}
	}()
	return out
}

type numberedLine struct {
	sequence uint64
	line     string
}

// batchLines groups numbered lines into fixed-size batches, flushing a
// partial batch when the source closes, then emits a final end-marker
// batch.
func batchLines(in <-chan numberedLine, size int) <-chan batch {
	out := make(chan batch, 4)
	go func() {
		defer close(out)
		var pending []string
		var firstSeq uint64
		flush := func() {
			if len(pending) == 0 {
				return
			}
			out <- batch{Sequence: firstSeq, Lines: pending}
			pending = nil
		}
		for nl := range in {
			if len(pending) == 0 {
				firstSeq = nl.sequence
			}
			pending = append(pending, nl.line)
			if len(pending) >= size {
				flush()
			}
		}
		flush()
		out <- batch{End: true}
	}()
	return out
}

// sink writes each batch to conn as newline-delimited JSON, returning once
// the end-marker batch has been written.
func sink(conn net.Conn, in <-chan batch) error {
	enc := json.NewEncoder(conn)
	for b := range in {
		if err := enc.Encode(b); err != nil {
			return errors.Wrap(errors.KindFatal, "writing log batch to socket", err)
		}
		if b.End {
			return nil
		}
	}
	return nil
}

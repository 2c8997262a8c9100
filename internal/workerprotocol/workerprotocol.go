// Package workerprotocol implements the framed, typed bidirectional stream
// between a controller and a worker subprocess: a length-prefixed CBOR
// frame carries exactly one tagged Command or Event.
package workerprotocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
)

// CommandTag enumerates the controller-to-worker command variants.
type CommandTag string

const (
	CommandEval        CommandTag = "Eval"
	CommandBuild       CommandTag = "Build"
	CommandBuildResult CommandTag = "BuildResult"
	CommandStartDaemon CommandTag = "StartDaemon"
)

// Command is a tagged variant; only the field matching Tag is meaningful.
type Command struct {
	Tag CommandTag `cbor:"tag"`

	// Eval
	EvalParams map[string]string `cbor:"evalParams,omitempty"`

	// Build / BuildResult
	DrvPath        string  `cbor:"drvPath,omitempty"`
	OutputName     string  `cbor:"outputName,omitempty"`
	Attempt        string  `cbor:"attempt,omitempty"`
	Status         string  `cbor:"status,omitempty"`
	PreviousAttempt *string `cbor:"previousAttempt,omitempty"`

	// StartDaemon
	SocketPath string `cbor:"socketPath,omitempty"`
}

// EventTag enumerates the worker-to-controller event variants.
type EventTag string

const (
	EventAttribute      EventTag = "Attribute"
	EventAttributeError EventTag = "AttributeError"
	EventBuild          EventTag = "Build"
	EventBuildResult    EventTag = "BuildResult"
	EventDaemonStarted  EventTag = "DaemonStarted"
	EventError          EventTag = "Error"
	EventException      EventTag = "Exception"
	EventEvaluationDone EventTag = "EvaluationDone"
)

// Event is a tagged variant; only the field matching Tag is meaningful.
type Event struct {
	Tag EventTag `cbor:"tag"`

	Path            string  `cbor:"path,omitempty"`
	Drv             string  `cbor:"drv,omitempty"`
	Message         string  `cbor:"message,omitempty"`
	ErrorDerivation *string `cbor:"errorDerivation,omitempty"`
	ErrorType       *string `cbor:"errorType,omitempty"`

	DrvPath         string  `cbor:"drvPath,omitempty"`
	OutputName      string  `cbor:"outputName,omitempty"`
	PreviousAttempt *string `cbor:"previousAttempt,omitempty"`
	Attempt         string  `cbor:"attempt,omitempty"`
	Status          string  `cbor:"status,omitempty"`

	Text string `cbor:"text,omitempty"`
}

// endMarker is the distinguished command-stream end-marker. It is written as its
// own zero-length frame so readers can recognize it without inspecting CBOR
// content.
var endMarker = []byte{}

func encMode() (cbor.EncMode, error) {
	return cbor.CanonicalEncOptions().EncMode()
}

// Writer frames Commands or Events onto an underlying stream, one per Write
// call, each preceded by a big-endian uint32 length prefix.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) writeFrame(payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.w.Write(length[:]); err != nil {
		return errors.Wrap(errors.KindFatal, "writing frame length", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(errors.KindFatal, "writing frame payload", err)
	}
	return nil
}

// WriteCommand frames and writes one Command.
func (w *Writer) WriteCommand(cmd Command) error {
	mode, err := encMode()
	if err != nil {
		return errors.Wrap(errors.KindFatal, "creating CBOR encoder", err)
	}
	type commandAlias Command
	data, err := mode.Marshal((*commandAlias)(&cmd))
	if err != nil {
		return errors.Wrap(errors.KindFatal, "encoding command", err)
	}
	return w.writeFrame(data)
}

// WriteEvent frames and writes one Event.
func (w *Writer) WriteEvent(ev Event) error {
	mode, err := encMode()
	if err != nil {
		return errors.Wrap(errors.KindFatal, "creating CBOR encoder", err)
	}
	type eventAlias Event
	data, err := mode.Marshal((*eventAlias)(&ev))
	if err != nil {
		return errors.Wrap(errors.KindFatal, "encoding event", err)
	}
	return w.writeFrame(data)
}

// WriteEnd writes the command-stream terminator sequence: a single
// zero-length frame.
func (w *Writer) WriteEnd() error {
	return w.writeFrame(endMarker)
}

// Reader reads length-prefixed frames from an underlying stream and decodes
// them as Commands or Events.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// readFrame returns the next frame's raw payload, or (nil, io.EOF) at
// stream close, or an empty non-nil payload with a nil error for the end
// marker. Callers distinguish the end marker by checking len==0.
func (r *Reader) readFrame() ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r.r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "reading frame payload", err)
	}
	return payload, nil
}

// ReadCommand reads and decodes the next command frame. isEnd is true when
// the end-marker was read instead of a command.
func (r *Reader) ReadCommand() (cmd Command, isEnd bool, err error) {
	payload, err := r.readFrame()
	if err != nil {
		return Command{}, false, err
	}
	if len(payload) == 0 {
		return Command{}, true, nil
	}
	if err := cbor.Unmarshal(payload, &cmd); err != nil {
		return Command{}, false, errors.Wrap(errors.KindFatal, "decoding command", err)
	}
	return cmd, false, nil
}

// ReadEvent reads and decodes the next event frame.
func (r *Reader) ReadEvent() (Event, error) {
	payload, err := r.readFrame()
	if err != nil {
		return Event{}, err
	}
	if len(payload) == 0 {
		return Event{}, errors.New(errors.KindFatal, "unexpected end-marker frame on event stream")
	}
	var ev Event
	if err := cbor.Unmarshal(payload, &ev); err != nil {
		return Event{}, errors.Wrap(errors.KindFatal, "decoding event", err)
	}
	return ev, nil
}

// ValidateStartingCommand enforces that a worker processes exactly one
// starting command, Eval or Build; anything else is fatal.
func ValidateStartingCommand(cmd Command) error {
	switch cmd.Tag {
	case CommandEval, CommandBuild:
		return nil
	default:
		return errors.New(errors.KindProtocolUnexpectedStartingCommand,
			fmt.Sprintf("worker received unexpected starting command %q", cmd.Tag))
	}
}

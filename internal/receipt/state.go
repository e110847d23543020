package receipt

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an operation is not allowed from
// the item's current status
var ErrInvalidTransition = errors.New("invalid status transition")

// stage names the background operation that owns a processing item
type stage int

const (
	stageExtract stage = iota + 1
	stageSubmit
)

func (s stage) String() string {
	switch s {
	case stageExtract:
		return "extract"
	case stageSubmit:
		return "submit"
	}
	return "unknown"
}

// state is the tagged lifecycle of an item. Each event is a method on the
// one state type it may be applied to.
type state interface {
	status() Status
}

// processing is owned by exactly one background task
type processing struct {
	stage stage
	task  uint64
}

type ready struct{}

type submitted struct{}

type failed struct {
	stage stage
	cause string
}

func (processing) status() Status { return StatusProcessing }
func (ready) status() Status      { return StatusReady }
func (submitted) status() Status  { return StatusSubmitted }
func (failed) status() Status     { return StatusError }

// extracted completes an extraction
func (p processing) extracted() ready {
	return ready{}
}

// fail ends the owning task with a cause derived from its stage
func (p processing) fail() failed {
	cause := causeExtraction
	if p.stage == stageSubmit {
		cause = causeSubmission
	}
	return failed{stage: p.stage, cause: cause}
}

// delivered completes a submission
func (p processing) delivered() submitted {
	return submitted{}
}

// sync hands a reviewed item to a submission task
func (ready) sync(task uint64) processing {
	return processing{stage: stageSubmit, task: task}
}

// retry hands a failed item back to an extraction task
func (failed) retry(task uint64) processing {
	return processing{stage: stageExtract, task: task}
}

// owns reports whether the processing state is waiting on this task
func (p processing) owns(s stage, task uint64) bool {
	return p.stage == s && p.task == task
}

func transitionError(op string, from state) error {
	return fmt.Errorf("%w: cannot %s a %s item", ErrInvalidTransition, op, from.status())
}

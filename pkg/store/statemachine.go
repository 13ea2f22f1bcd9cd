package store

import (
	"fmt"

	"github.com/scidatahub/ingestpipe/pkg/types"
)

// transitions is the legal dataset status graph, keyed by source status,
// valued by the set of statuses that status may move to. "any
// transitional" -> cancelled is expanded explicitly for every non-terminal
// status rather than special-cased in code, so the graph is the single
// source of truth.
var transitions = map[types.Status]map[types.Status]bool{
	types.StatusSubmitted: {
		types.StatusUploading: true,
		types.StatusCancelled: true,
	},
	types.StatusUploading: {
		types.StatusConversionQueued: true,
		types.StatusDone:             true,
		types.StatusUploadingFailed:  true,
		types.StatusUploading:        true, // claim release after transient fail
		types.StatusCancelled:        true,
	},
	types.StatusUploadingFailed: {
		types.StatusUploading: true, // manual retry
	},
	types.StatusConversionQueued: {
		types.StatusConverting: true,
		types.StatusCancelled:  true,
	},
	types.StatusConverting: {
		types.StatusDone:              true,
		types.StatusConversionFailed:  true,
		types.StatusConversionQueued:  true, // retry release
		types.StatusCancelled:         true,
	},
	types.StatusConversionFailed: {
		types.StatusConversionQueued: true, // manual retry
	},
	// done and cancelled are terminal with no outgoing edges.
}

// ErrIllegalTransition is returned by ValidateTransition when from -> to
// is not an edge in the status graph.
type ErrIllegalTransition struct {
	From, To types.Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("store: illegal transition %s -> %s", e.From, e.To)
}

// ValidateTransition reports whether moving a dataset from from to to is
// a legal edge in the status graph. BoltStore calls this before
// committing any Update or ConditionalUpdate that changes Status, so
// every observed transition is guaranteed to be a legal edge for every
// store implementation built on it, not just ones that remember to check.
func ValidateTransition(from, to types.Status) error {
	edges, ok := transitions[from]
	if !ok || !edges[to] {
		return &ErrIllegalTransition{From: from, To: to}
	}
	return nil
}

// QueuedFor returns the in-flight status a queued status claims into, and
// whether status is a claimable queued state at all. Used by schedulers
// to know which ConditionalUpdate to attempt.
func QueuedFor(status types.Status) (types.Status, bool) {
	switch status {
	case types.StatusUploading:
		return types.StatusUploading, true // claim is a sub-state within uploading (worker_id stamp)
	case types.StatusConversionQueued:
		return types.StatusConverting, true
	default:
		return "", false
	}
}

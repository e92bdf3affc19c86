// Package lifecycle validates status transitions for every work item kind.
// It performs no I/O; callers check a move here before writing it to the store.
package lifecycle

import (
	"switchyard/internal/apperr"
	"switchyard/internal/domain"
)

type edge struct {
	from, to domain.Status
}

var (
	taskEdges = map[edge]bool{
		{domain.StatusCreated, domain.StatusActive}: true,
		{domain.StatusActive, domain.StatusDone}:    true,
		{domain.StatusActive, domain.StatusFailed}:  true,
	}
	dreamEdges = map[edge]bool{
		{domain.StatusCreated, domain.StatusActive}: true,
		{domain.StatusActive, domain.StatusDone}:    true,
		{domain.StatusActive, domain.StatusFailed}:  true,
		{domain.StatusCreated, domain.StatusFailed}: true,
	}
	storyEdges = map[edge]bool{
		{domain.StatusCreated, domain.StatusActive}:  true,
		{domain.StatusActive, domain.StatusDone}:     true,
		{domain.StatusActive, domain.StatusFailed}:   true,
		{domain.StatusFailed, domain.StatusCreated}:  true,
		{domain.StatusActive, domain.StatusArchived}: true,
	}
	sprintEdges = map[edge]bool{
		{domain.StatusCreated, domain.StatusActive}: true,
		{domain.StatusActive, domain.StatusDone}:    true,
	}
)

func table(kind domain.Kind) (map[edge]bool, bool) {
	switch kind {
	case domain.KindTask, domain.KindQuestion:
		return taskEdges, true
	case domain.KindDream:
		return dreamEdges, true
	case domain.KindSprintStory:
		return storyEdges, true
	case domain.KindSprint:
		return sprintEdges, true
	}
	return nil, false
}

// Transition accepts or rejects moving an item of kind from one status to another.
// A rejection is returned as a precondition-failed error.
func Transition(kind domain.Kind, from, to domain.Status) error {
	edges, ok := table(kind)
	if !ok {
		return apperr.Validation("unknown kind %q", kind)
	}
	if edges[edge{from, to}] {
		return nil
	}
	return apperr.Precondition("invalid %s status transition %s -> %s", kind, from, to)
}

// Allowed is the boolean form of Transition.
func Allowed(kind domain.Kind, from, to domain.Status) bool {
	return Transition(kind, from, to) == nil
}

// Terminal reports whether status has no ordinary outgoing edge.
// A failed sprint-story is terminal even though the retry reset edge exists;
// only the orchestrator's retry policy takes that edge.
func Terminal(status domain.Status) bool {
	switch status {
	case domain.StatusDone, domain.StatusFailed, domain.StatusArchived:
		return true
	}
	return false
}

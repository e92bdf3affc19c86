package sprint

import (
	"context"
	"fmt"

	"switchyard/internal/apperr"
	"switchyard/internal/domain"
	"switchyard/internal/store"
)

type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Active    int `json:"active"`
	Queued    int `json:"queued"`
}

func Tally(children []domain.WorkItem) Stats {
	st := Stats{Total: len(children)}
	for _, c := range children {
		switch c.Status {
		case domain.StatusDone:
			st.Completed++
		case domain.StatusFailed:
			st.Failed++
		case domain.StatusArchived:
			st.Skipped++
		case domain.StatusActive:
			st.Active++
		default:
			st.Queued++
		}
	}
	return st
}

// Summarize derives the parent's status text and progress from its stories.
// Progress is the mean of the stories' own progress values.
func Summarize(children []domain.WorkItem) (string, float64) {
	st := Tally(children)
	if st.Total == 0 {
		return "no stories", 0
	}
	var sum float64
	for _, c := range children {
		sum += c.Progress
	}
	progress := sum / float64(st.Total)

	finished := st.Completed + st.Failed + st.Skipped
	switch {
	case finished == st.Total && st.Failed > 0:
		return fmt.Sprintf("complete with failures: %d done, %d failed, %d skipped", st.Completed, st.Failed, st.Skipped), progress
	case finished == st.Total && st.Skipped > 0:
		return fmt.Sprintf("complete with skips: %d done, %d skipped", st.Completed, st.Skipped), progress
	case finished == st.Total:
		return fmt.Sprintf("all %d stories complete", st.Total), progress
	}
	for _, c := range children {
		if c.Status != domain.StatusActive {
			continue
		}
		action := c.CurrentAction
		if action == "" {
			action = "in progress"
		}
		return fmt.Sprintf("%s: %s", c.Title, action), progress
	}
	return fmt.Sprintf("%d/%d complete", st.Completed, st.Total), progress
}

// Rollup recomputes the cached status text and progress on a sprint.
func (s *Service) Rollup(ctx context.Context, tenantID, sprintID string) error {
	st := s.Stores.Tenant(tenantID)
	children, err := stories(ctx, st, sprintID)
	if err != nil {
		return err
	}
	text, progress := Summarize(children)
	if err := st.Update(ctx, store.WorkItems, sprintID, map[string]any{
		"progress": progress,
		"plan":     map[string]any{"statusText": text, "progress": progress},
	}); err != nil {
		return apperr.Upstream(err, "write sprint rollup")
	}
	return nil
}

func (s *Service) cascade(ctx context.Context, tenantID, sprintID string) {
	if err := s.Rollup(ctx, tenantID, sprintID); err != nil {
		s.Log.Warn().Err(err).Str("sprint", sprintID).Msg("sprint rollup failed")
	}
}

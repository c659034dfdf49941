// Package lifecycle decides which run sandboxes to keep, which to stop
// now, and in what order to reclaim them when capacity runs low.
package lifecycle

import (
	"sort"
	"time"

	"github.com/basket/go-arena/internal/persistence"
)

// completionGrace is the window after a run finishes during which its
// sandbox stays active so the user can still inspect the result.
const completionGrace = 5 * time.Minute

// Classification partitions the running sandboxes of a scan.
type Classification struct {
	Protected []persistence.TaskRun // newest N, exempt from both contracts
	Active    []persistence.TaskRun // in-flight or inside the grace window
	Review    []persistence.TaskRun // idle, eligible for reclamation
}

// Classify partitions runs whose sandbox is running. Keep-alive sandboxes
// are excluded entirely, the MinContainersToKeep most recently created of
// the rest are protected, and the remainder split into active and review.
func Classify(settings persistence.ContainerSettings, runs []persistence.TaskRun, now time.Time) Classification {
	eligible := make([]persistence.TaskRun, 0, len(runs))
	for _, run := range runs {
		if run.Sandbox.KeepAlive {
			continue
		}
		eligible = append(eligible, run)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.After(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	var c Classification
	keep := settings.MinContainersToKeep
	if keep > len(eligible) {
		keep = len(eligible)
	}
	if keep < 0 {
		keep = 0
	}
	c.Protected = eligible[:keep]

	for _, run := range eligible[keep:] {
		if isActive(run, now) {
			c.Active = append(c.Active, run)
		} else {
			c.Review = append(c.Review, run)
		}
	}
	return c
}

func isActive(run persistence.TaskRun, now time.Time) bool {
	if !run.Status.Terminal() {
		return true
	}
	return run.CompletedAt != nil && now.Sub(*run.CompletedAt) < completionGrace
}

// SelectStopCandidates returns the runs whose sandbox should be stopped
// right now: review-eligible sandboxes whose scheduled stop time has
// passed. Empty when automatic cleanup is disabled.
func SelectStopCandidates(settings persistence.ContainerSettings, runs []persistence.TaskRun, now time.Time) []persistence.TaskRun {
	if !settings.AutoCleanupEnabled {
		return nil
	}
	var due []persistence.TaskRun
	for _, run := range Classify(settings, runs, now).Review {
		at := run.Sandbox.ScheduledStopAt
		if at != nil && !at.After(now) {
			due = append(due, run)
		}
	}
	return due
}

// CleanupPlan is an advisory ranking for freeing sandbox capacity ahead
// of schedule. Prioritized lists review sandboxes soonest-expiring first,
// then active ones as a last resort.
type CleanupPlan struct {
	Total            int
	ProtectedCount   int
	ReviewContainers []persistence.TaskRun
	ActiveContainers []persistence.TaskRun
	Prioritized      []persistence.TaskRun
}

// PrioritizeForCleanup ranks all non-protected sandboxes for reclamation.
// Unlike SelectStopCandidates it ignores AutoCleanupEnabled: the caller is
// asking for an ordering, not permission to act.
func PrioritizeForCleanup(settings persistence.ContainerSettings, runs []persistence.TaskRun, now time.Time) CleanupPlan {
	c := Classify(settings, runs, now)

	review := append([]persistence.TaskRun(nil), c.Review...)
	sort.SliceStable(review, func(i, j int) bool {
		a, b := review[i].Sandbox.ScheduledStopAt, review[j].Sandbox.ScheduledStopAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})

	plan := CleanupPlan{
		Total:            len(runs),
		ProtectedCount:   len(c.Protected),
		ReviewContainers: review,
		ActiveContainers: c.Active,
	}
	plan.Prioritized = append(plan.Prioritized, review...)
	plan.Prioritized = append(plan.Prioritized, c.Active...)
	return plan
}

package escrow

import (
	"fmt"
	"strings"

	"gigvault/core/fault"
)

// MilestoneAction names a transition request against a milestone.
type MilestoneAction string

const (
	ActionStart   MilestoneAction = "start"
	ActionSubmit  MilestoneAction = "submit"
	ActionReject  MilestoneAction = "reject"
	ActionApprove MilestoneAction = "approve"
	ActionRelease MilestoneAction = "release"
	ActionCancel  MilestoneAction = "cancel"
)

// milestoneTransitions is the single source of truth for legal milestone
// moves. Authorization and money movement live in the engine; this table only
// answers "may this status take this action, and where does it land".
var milestoneTransitions = map[MilestoneAction]map[MilestoneStatus]MilestoneStatus{
	ActionStart: {
		MilestonePending: MilestoneInProgress,
	},
	ActionSubmit: {
		MilestoneInProgress: MilestoneSubmitted,
	},
	ActionReject: {
		MilestoneSubmitted: MilestoneInProgress,
	},
	ActionApprove: {
		MilestoneSubmitted: MilestoneApproved,
	},
	ActionRelease: {
		MilestoneApproved: MilestoneReleased,
	},
	ActionCancel: {
		MilestonePending:    MilestoneCancelled,
		MilestoneInProgress: MilestoneCancelled,
		MilestoneSubmitted:  MilestoneCancelled,
		MilestoneApproved:   MilestoneCancelled,
	},
}

// NextStatus resolves the target status for an action from the given status.
// Released is terminal; cancel is reachable only through dispute resolution
// or contract cancellation, which the engine enforces.
func NextStatus(from MilestoneStatus, action MilestoneAction) (MilestoneStatus, error) {
	targets, ok := milestoneTransitions[action]
	if !ok {
		return "", fault.InvalidState(fmt.Sprintf("unknown milestone action %q", action))
	}
	next, ok := targets[from]
	if !ok {
		return "", fault.InvalidState(fmt.Sprintf("milestone cannot %s from %s", action, from))
	}
	return next, nil
}

// applyStart moves a pending milestone into progress.
func (m *Milestone) applyStart(now int64) error {
	next, err := NextStatus(m.Status, ActionStart)
	if err != nil {
		return err
	}
	m.Status = next
	m.UpdatedAt = now
	return nil
}

// applySubmit hands the milestone to the client for review, carrying optional
// artifact references.
func (m *Milestone) applySubmit(artifacts []string, now int64) error {
	next, err := NextStatus(m.Status, ActionSubmit)
	if err != nil {
		return err
	}
	m.Status = next
	if len(artifacts) > 0 {
		m.Artifacts = artifacts
	}
	m.UpdatedAt = now
	return nil
}

// applyReject bounces a submitted milestone back to the worker. Feedback is
// mandatory.
func (m *Milestone) applyReject(feedback string, now int64) error {
	if strings.TrimSpace(feedback) == "" {
		return fault.InvalidState("milestone rejection requires feedback")
	}
	next, err := NextStatus(m.Status, ActionReject)
	if err != nil {
		return err
	}
	m.Status = next
	m.Feedback = feedback
	m.RejectionCount++
	m.UpdatedAt = now
	return nil
}

// applyApprove accepts submitted work. No money moves on approval.
func (m *Milestone) applyApprove(now int64) error {
	next, err := NextStatus(m.Status, ActionApprove)
	if err != nil {
		return err
	}
	m.Status = next
	m.UpdatedAt = now
	return nil
}

// applyRelease finalises the milestone once its full share has been paid out.
// ReleasedAmount is set exactly once and never changes afterwards.
func (m *Milestone) applyRelease(now int64) error {
	next, err := NextStatus(m.Status, ActionRelease)
	if err != nil {
		return err
	}
	if m.CumulativeReleased != m.Share {
		return fmt.Errorf("%w: milestone released with cumulative %d != share %d",
			fault.ErrInvariantViolation, m.CumulativeReleased, m.Share)
	}
	share := m.Share
	m.Status = next
	m.ReleasedAmount = &share
	m.UpdatedAt = now
	return nil
}

// applyCancel voids the milestone. Released milestones cannot be cancelled.
func (m *Milestone) applyCancel(now int64) error {
	if m.Status == MilestoneCancelled {
		return nil
	}
	next, err := NextStatus(m.Status, ActionCancel)
	if err != nil {
		return err
	}
	m.Status = next
	m.UpdatedAt = now
	return nil
}

package planlinesdk

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlanner reproduces the server's reconciliation contract in memory:
// version check, id assignment on insert, submitted-list-is-truth.
type fakePlanner struct {
	mu        sync.Mutex
	opp       Opportunity
	plan      ActionPlan
	saveCalls int
	nextID    int
	failWith  error
}

func newFakePlanner(subscriptionStart string) *fakePlanner {
	f := &fakePlanner{
		opp: Opportunity{
			ID:                "opp-1",
			AccountName:       "Acme Corp",
			SubscriptionStart: subscriptionStart,
		},
	}
	f.plan = ActionPlan{
		Disposition: Disposition{OpportunityID: "opp-1", Status: StatusNotReviewed, Version: 1},
		ActionItems: []ActionItem{},
	}
	return f
}

func (f *fakePlanner) GetOpportunity(ctx context.Context, id string) (Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.opp.ID {
		return Opportunity{}, &APIError{StatusCode: 404, Body: "not found"}
	}
	return f.opp, nil
}

func (f *fakePlanner) GetActionPlan(ctx context.Context, opportunityID string) (ActionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(), nil
}

func (f *fakePlanner) SaveActionPlan(ctx context.Context, opportunityID string, req SavePlanRequest) (ActionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.failWith != nil {
		err := f.failWith
		f.failWith = nil
		return ActionPlan{}, err
	}
	if req.Disposition == nil || req.ActionItems == nil {
		return ActionPlan{}, &APIError{StatusCode: 400, Body: "validation"}
	}
	if req.Disposition.Version != f.plan.Disposition.Version {
		return ActionPlan{}, &APIError{StatusCode: 409, Body: "version conflict"}
	}
	d := f.plan.Disposition
	d.Status = req.Disposition.Status
	if req.Disposition.Notes != nil {
		d.Notes = *req.Disposition.Notes
	}
	d.Reason = ""
	if req.Disposition.Reason != nil {
		d.Reason = *req.Disposition.Reason
	}
	d.ServicesAmountOverride = req.Disposition.ServicesAmountOverride
	d.ForecastCategoryOverride = req.Disposition.ForecastCategoryOverride
	d.Version++
	items := make([]ActionItem, 0, len(req.ActionItems))
	for _, it := range req.ActionItems {
		if it.ActionItemID == "" {
			f.nextID++
			it.ActionItemID = fmt.Sprintf("item-%d", f.nextID)
		}
		it.OpportunityID = f.opp.ID
		items = append(items, it)
	}
	f.plan = ActionPlan{Disposition: d, ActionItems: items}
	return f.snapshot(), nil
}

func (f *fakePlanner) snapshot() ActionPlan {
	out := f.plan
	out.ActionItems = append([]ActionItem(nil), f.plan.ActionItems...)
	return out
}

func openTestDraft(t *testing.T, f *fakePlanner) *DraftSession {
	t.Helper()
	s, err := OpenDraft(context.Background(), f, "opp-1", "user-1")
	require.NoError(t, err)
	return s
}

func TestServicesFitSeedsDefaultPlan(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)

	require.True(t, s.ChangeStatus(StatusServicesFit))
	_, staged := s.Items()
	require.Len(t, staged, 5)
	wantDue := []string{"2026-02-01", "2026-02-08", "2026-02-15", "2026-02-22", "2026-03-01"}
	for i, it := range staged {
		assert.Equal(t, DefaultPlanTemplate[i].Name, it.Name)
		assert.Equal(t, ItemNotStarted, it.Status)
		assert.Equal(t, "user-1", it.AssignedToUserID)
		require.NotNil(t, it.DueDate)
		assert.Equal(t, wantDue[i], *it.DueDate)
	}
	assert.True(t, s.IsDirty())
}

func TestOpenOnServicesFitWithEmptyPlanSeedsTemplate(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	f.plan.Disposition.Status = StatusServicesFit
	f.plan.Disposition.Version = 2
	s := openTestDraft(t, f)

	_, staged := s.Items()
	require.Len(t, staged, 5, "a session opened on a services_fit plan with no items starts with the template")
	assert.Equal(t, DefaultPlanTemplate[0].Name, staged[0].Name)
	require.NotNil(t, staged[0].DueDate)
	assert.Equal(t, "2026-02-01", *staged[0].DueDate)
	assert.True(t, s.IsDirty())

	require.NoError(t, s.CommitDraft(context.Background()))
	draft, staged := s.Items()
	assert.Empty(t, staged)
	assert.Len(t, draft, 5)
	assert.Equal(t, int64(3), s.Draft().Version)
}

func TestSeedWithUnparseableStartDateLeavesDueDatesBlank(t *testing.T) {
	f := newFakePlanner("soonish")
	s := openTestDraft(t, f)

	require.True(t, s.ChangeStatus(StatusServicesFit))
	_, staged := s.Items()
	require.Len(t, staged, 5)
	for _, it := range staged {
		assert.Nil(t, it.DueDate)
	}
}

func TestBackfillNeverOverwritesUserDueDates(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)

	custom := "2026-06-01"
	s.AddStagedItem(ActionItem{Name: DefaultPlanTemplate[0].Name, DueDate: &custom})
	s.AddStagedItem(ActionItem{Name: DefaultPlanTemplate[1].Name})
	s.AddStagedItem(ActionItem{Name: "Custom follow-up"})

	require.True(t, s.ChangeStatus(StatusServicesFit))
	_, staged := s.Items()
	require.Len(t, staged, 3)
	require.NotNil(t, staged[0].DueDate)
	assert.Equal(t, custom, *staged[0].DueDate, "user-set due date must survive backfill")
	require.NotNil(t, staged[1].DueDate)
	assert.Equal(t, "2026-02-08", *staged[1].DueDate)
	assert.Nil(t, staged[2].DueDate, "non-template names are not backfilled")
}

func TestScenarioFullCommit(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)

	require.True(t, s.ChangeStatus(StatusServicesFit))
	require.NoError(t, s.CommitDraft(context.Background()))

	assert.False(t, s.IsDirty())
	draft, staged := s.Items()
	assert.Empty(t, staged)
	require.Len(t, draft, 5)
	for i, it := range draft {
		assert.NotEmpty(t, it.ActionItemID)
		assert.Equal(t, DefaultPlanTemplate[i].Name, it.Name)
	}
	assert.Equal(t, int64(2), s.Draft().Version)
	assert.Equal(t, StatusServicesFit, s.Draft().Status)
}

func TestDeclinedConfirmationChangesNothing(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)
	require.True(t, s.ChangeStatus(StatusServicesFit))

	prompted := false
	s.Confirm = func(string) bool {
		prompted = true
		return false
	}
	ok := s.ChangeStatus(StatusNoAction)
	assert.False(t, ok)
	assert.True(t, prompted)
	assert.Equal(t, StatusServicesFit, s.Draft().Status)
	_, staged := s.Items()
	assert.Len(t, staged, 5, "declined transition must not discard staged items")
}

func TestLeavingFitDiscardsPlanEdits(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)
	require.True(t, s.ChangeStatus(StatusServicesFit))

	require.True(t, s.ChangeStatus(StatusNoAction))
	_, staged := s.Items()
	assert.Empty(t, staged)
	assert.Equal(t, StatusNoAction, s.Draft().Status)

	s.SetReason("budget frozen")
	require.True(t, s.ChangeStatus(StatusNotReviewed))
	assert.Empty(t, s.Draft().Reason, "reason cleared when target status does not carry one")
}

func TestIsDirtyStructuralNotReference(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	due := "2026-03-01"
	f.plan.ActionItems = []ActionItem{
		{ActionItemID: "item-a", Name: "A", Status: ItemNotStarted, DueDate: &due, AssignedToUserID: "user-1"},
	}
	s := openTestDraft(t, f)

	assert.False(t, s.IsDirty())
	require.NoError(t, s.UpdateActionItem("item-a", func(it *ActionItem) {
		it.Status = ItemInProgress
	}))
	assert.True(t, s.IsDirty())
	require.NoError(t, s.UpdateActionItem("item-a", func(it *ActionItem) {
		it.Status = ItemNotStarted
	}))
	assert.False(t, s.IsDirty(), "reverting the edit makes the draft clean again")
}

func TestResetDraft(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)

	s.SetNotes("scratch")
	require.True(t, s.ChangeStatus(StatusServicesFit))
	require.True(t, s.IsDirty())

	s.ResetDraft()
	assert.False(t, s.IsDirty())
	assert.Equal(t, StatusNotReviewed, s.Draft().Status)
	assert.Empty(t, s.Draft().Notes)
	_, staged := s.Items()
	assert.Empty(t, staged)
}

func TestCommitCleanDraftIsNoop(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)
	require.NoError(t, s.CommitDraft(context.Background()))
	assert.Equal(t, 0, f.saveCalls)
}

func TestConflictPreservesDraftAndRetryAfterRefresh(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)

	var outcomes []SaveOutcome
	s.Notify = func(outcome SaveOutcome, _ string) { outcomes = append(outcomes, outcome) }

	s.SetNotes("typed work")
	require.True(t, s.ChangeStatus(StatusServicesFit))

	// another client commits first
	_, err := f.SaveActionPlan(context.Background(), "opp-1", SavePlanRequest{
		Disposition: &DispositionUpdate{Status: StatusWatchlist, Version: 1, Reason: strP("checking back later")},
		ActionItems: []ActionItem{},
	})
	require.NoError(t, err)

	err = s.CommitDraft(context.Background())
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, []SaveOutcome{OutcomeConflict}, outcomes)

	// typed work survives the failed save
	assert.Equal(t, "typed work", s.Draft().Notes)
	assert.Equal(t, StatusServicesFit, s.Draft().Status)
	_, staged := s.Items()
	assert.Len(t, staged, 5)

	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, s.CommitDraft(context.Background()))
	assert.Equal(t, []SaveOutcome{OutcomeConflict, OutcomeSuccess}, outcomes)
	assert.Equal(t, int64(3), s.Draft().Version)
	assert.Equal(t, "typed work", s.Draft().Notes)
	assert.False(t, s.IsDirty())
}

func TestGenericFailurePreservesDraft(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	s := openTestDraft(t, f)

	var outcomes []SaveOutcome
	s.Notify = func(outcome SaveOutcome, _ string) { outcomes = append(outcomes, outcome) }

	s.SetNotes("do not lose")
	f.failWith = &APIError{StatusCode: 500, Body: "boom"}
	err := s.CommitDraft(context.Background())
	require.Error(t, err)
	assert.False(t, IsConflict(err))
	assert.Equal(t, []SaveOutcome{OutcomeFailure}, outcomes)
	assert.Equal(t, "do not lose", s.Draft().Notes)

	// the queue is not poisoned; the next attempt goes through
	require.NoError(t, s.CommitDraft(context.Background()))
	assert.Equal(t, []SaveOutcome{OutcomeFailure, OutcomeSuccess}, outcomes)
	assert.False(t, s.IsDirty())
}

func TestCommitPayloadOrdersDraftThenStaged(t *testing.T) {
	f := newFakePlanner("2026-02-01")
	due := "2026-03-01"
	f.plan.ActionItems = []ActionItem{
		{ActionItemID: "item-a", Name: "A", Status: ItemNotStarted, DueDate: &due, AssignedToUserID: "user-9"},
	}
	s := openTestDraft(t, f)

	s.AddStagedItem(ActionItem{Name: "New task"})
	require.NoError(t, s.CommitDraft(context.Background()))

	draft, staged := s.Items()
	assert.Empty(t, staged)
	require.Len(t, draft, 2)
	assert.Equal(t, "item-a", draft[0].ActionItemID)
	assert.Equal(t, "New task", draft[1].Name)
	assert.NotEmpty(t, draft[1].ActionItemID)
	assert.Equal(t, "user-1", draft[1].AssignedToUserID, "staged assignee defaults to the session user")
}

func strP(s string) *string { return &s }

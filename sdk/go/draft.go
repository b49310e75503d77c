package planlinesdk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Disposition statuses.
const (
	StatusNotReviewed = "not_reviewed"
	StatusServicesFit = "services_fit"
	StatusNoAction    = "no_action"
	StatusWatchlist   = "watchlist"
)

// Action item statuses.
const (
	ItemNotStarted = "not_started"
	ItemInProgress = "in_progress"
	ItemCompleted  = "completed"
)

func statusRequiresReason(status string) bool {
	return status == StatusNoAction || status == StatusWatchlist
}

// DefaultPlanTemplate is the canonical plan seeded when an opportunity with
// no tasks is marked services_fit. Due dates are offset from the
// opportunity's subscription start.
var DefaultPlanTemplate = []PlanTemplateTask{
	{Name: "Schedule services kickoff call", OffsetDays: 0},
	{Name: "Confirm scope and success criteria", OffsetDays: 7},
	{Name: "Draft services proposal", OffsetDays: 14},
	{Name: "Review proposal with account team", OffsetDays: 21},
	{Name: "Present proposal to customer", OffsetDays: 28},
}

// SaveOutcome classifies a finished save attempt.
type SaveOutcome string

const (
	OutcomeSuccess  SaveOutcome = "success"
	OutcomeConflict SaveOutcome = "conflict"
	OutcomeFailure  SaveOutcome = "failure"
)

// Planner is the slice of Client used by a DraftSession.
type Planner interface {
	GetOpportunity(ctx context.Context, id string) (Opportunity, error)
	GetActionPlan(ctx context.Context, opportunityID string) (ActionPlan, error)
	SaveActionPlan(ctx context.Context, opportunityID string, req SavePlanRequest) (ActionPlan, error)
}

// DraftSession tracks one opportunity's edit session. It holds the last
// known-good server state (baseline), an editable working copy (draft), and
// locally created items that have never been persisted (staged). All edits
// are local until CommitDraft sends the merged plan to the server.
type DraftSession struct {
	client        Planner
	opportunityID string
	userID        string

	// Confirm gates destructive transitions. Nil means always confirmed.
	Confirm func(prompt string) bool
	// Notify is invoked once per finished save attempt. Nil disables it.
	Notify func(outcome SaveOutcome, message string)
	// Template overrides DefaultPlanTemplate when non-nil.
	Template []PlanTemplateTask

	mu                sync.Mutex
	subscriptionStart string
	baselineDisp      Disposition
	draftDisp         Disposition
	baselineItems     []ActionItem
	draftItems        []ActionItem
	stagedItems       []ActionItem
	committing        bool
	queue             saveQueue
}

// OpenDraft fetches the opportunity and its plan and starts a clean session
// for userID.
func OpenDraft(ctx context.Context, client Planner, opportunityID, userID string) (*DraftSession, error) {
	o, err := client.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	plan, err := client.GetActionPlan(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	s := &DraftSession{
		client:            client,
		opportunityID:     opportunityID,
		userID:            userID,
		subscriptionStart: o.SubscriptionStart,
	}
	s.adopt(plan)
	return s, nil
}

// adopt replaces baseline and draft with the canonical snapshot and clears
// the staged bucket. A snapshot that is services_fit with no items gets the
// default plan staged, so a session opened on such a disposition starts with
// the template. Caller must hold mu (or own the session exclusively).
func (s *DraftSession) adopt(plan ActionPlan) {
	s.baselineDisp = plan.Disposition
	s.draftDisp = plan.Disposition
	s.baselineItems = cloneItems(plan.ActionItems)
	s.draftItems = cloneItems(plan.ActionItems)
	s.stagedItems = nil
	s.populateDefaultPlan()
}

// Draft returns a copy of the current draft disposition.
func (s *DraftSession) Draft() Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftDisp
}

// Items returns copies of the draft (persisted) and staged item buckets.
func (s *DraftSession) Items() (draft, staged []ActionItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.draftItems), cloneItems(s.stagedItems)
}

// IsCommitting reports whether a save is in flight.
func (s *DraftSession) IsCommitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committing
}

// SetNotes replaces the draft notes. Local only.
func (s *DraftSession) SetNotes(notes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftDisp.Notes = notes
}

// SetReason replaces the draft reason. Local only.
func (s *DraftSession) SetReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftDisp.Reason = reason
}

// SetServicesAmountOverride replaces the draft override. Nil clears it.
func (s *DraftSession) SetServicesAmountOverride(v *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftDisp.ServicesAmountOverride = v
}

// SetForecastCategoryOverride replaces the draft override. Nil clears it.
func (s *DraftSession) SetForecastCategoryOverride(v *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftDisp.ForecastCategoryOverride = v
}

// ChangeStatus moves the draft disposition to status. Leaving services_fit
// while unsaved plan edits exist requires confirmation; a declined
// confirmation leaves all state untouched and returns false. Entering
// services_fit clears the reason and seeds the default plan when the
// committed item list is empty.
func (s *DraftSession) ChangeStatus(status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.draftDisp.Status
	if status == current {
		return true
	}
	leavingFit := current == StatusServicesFit
	if leavingFit && (len(s.stagedItems) > 0 || !itemsEqual(s.draftItems, s.baselineItems)) {
		if !s.confirm("Changing the disposition will discard unsaved action plan changes. Continue?") {
			return false
		}
	}
	s.draftDisp.Status = status
	if status == StatusServicesFit {
		s.draftDisp.Reason = ""
		s.populateDefaultPlan()
		return true
	}
	if leavingFit {
		s.draftItems = cloneItems(s.baselineItems)
		s.stagedItems = nil
	}
	if !statusRequiresReason(status) {
		s.draftDisp.Reason = ""
	}
	return true
}

// populateDefaultPlan seeds or backfills the staged bucket from the
// template. Runs only while the committed item list is empty; never
// overwrites a due date the user already set. Caller must hold mu.
func (s *DraftSession) populateDefaultPlan() {
	if s.draftDisp.Status != StatusServicesFit || len(s.draftItems) > 0 {
		return
	}
	template := s.Template
	if template == nil {
		template = DefaultPlanTemplate
	}
	if len(s.stagedItems) == 0 {
		for _, t := range template {
			s.stagedItems = append(s.stagedItems, ActionItem{
				Name:             t.Name,
				Status:           ItemNotStarted,
				DueDate:          s.templateDueDate(t.OffsetDays),
				AssignedToUserID: s.userID,
			})
		}
		return
	}
	byName := make(map[string]int, len(template))
	for _, t := range template {
		byName[t.Name] = t.OffsetDays
	}
	for i := range s.stagedItems {
		if s.stagedItems[i].DueDate != nil {
			continue
		}
		if offset, ok := byName[s.stagedItems[i].Name]; ok {
			s.stagedItems[i].DueDate = s.templateDueDate(offset)
		}
	}
}

func (s *DraftSession) templateDueDate(offsetDays int) *string {
	start, err := time.Parse("2006-01-02", s.subscriptionStart)
	if err != nil {
		return nil
	}
	due := start.AddDate(0, 0, offsetDays).Format("2006-01-02")
	return &due
}

// AddStagedItem appends a locally created item. Local only.
func (s *DraftSession) AddStagedItem(item ActionItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ActionItemID = ""
	if item.Status == "" {
		item.Status = ItemNotStarted
	}
	if item.AssignedToUserID == "" {
		item.AssignedToUserID = s.userID
	}
	s.stagedItems = append(s.stagedItems, item)
}

// UpdateStagedItem applies mutate to the staged item at index. Local only.
func (s *DraftSession) UpdateStagedItem(index int, mutate func(*ActionItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.stagedItems) {
		return fmt.Errorf("staged item index %d out of range", index)
	}
	mutate(&s.stagedItems[index])
	s.stagedItems[index].ActionItemID = ""
	return nil
}

// RemoveStagedItem drops the staged item at index. Local only.
func (s *DraftSession) RemoveStagedItem(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.stagedItems) {
		return fmt.Errorf("staged item index %d out of range", index)
	}
	s.stagedItems = append(s.stagedItems[:index], s.stagedItems[index+1:]...)
	return nil
}

// UpdateActionItem applies mutate to the persisted draft item with id.
// Local only; the edit is sent to the server on the next commit.
func (s *DraftSession) UpdateActionItem(id string, mutate func(*ActionItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.draftItems {
		if s.draftItems[i].ActionItemID == id {
			mutate(&s.draftItems[i])
			s.draftItems[i].ActionItemID = id
			return nil
		}
	}
	return fmt.Errorf("action item %s not in draft", id)
}

// DeleteActionItem removes the persisted draft item with id. Local only; the
// server deletes the row when the next commit omits the id.
func (s *DraftSession) DeleteActionItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.draftItems {
		if s.draftItems[i].ActionItemID == id {
			s.draftItems = append(s.draftItems[:i], s.draftItems[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("action item %s not in draft", id)
}

// IsDirty reports whether any disposition or plan edits exist relative to
// the baseline. Item comparison is structural, not reference based.
func (s *DraftSession) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirtyLocked()
}

func (s *DraftSession) dirtyLocked() bool {
	if len(s.stagedItems) > 0 {
		return true
	}
	if !dispositionsEqual(s.draftDisp, s.baselineDisp) {
		return true
	}
	return !itemsEqual(s.draftItems, s.baselineItems)
}

// ResetDraft discards all draft and staged state back to the baseline.
func (s *DraftSession) ResetDraft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftDisp = s.baselineDisp
	s.draftItems = cloneItems(s.baselineItems)
	s.stagedItems = nil
}

// Refresh refetches the canonical snapshot and adopts it as the new
// baseline. The draft keeps the user's field edits but picks up the
// refreshed version token, so typed work survives a conflict.
func (s *DraftSession) Refresh(ctx context.Context) error {
	plan, err := s.client.GetActionPlan(ctx, s.opportunityID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselineDisp = plan.Disposition
	s.baselineItems = cloneItems(plan.ActionItems)
	s.draftDisp.Version = plan.Disposition.Version
	s.populateDefaultPlan()
	return nil
}

// CommitDraft sends the merged draft to the server. Saves are serialized:
// at most one request is in flight per session, and concurrent calls run in
// submission order. On success the server's canonical snapshot becomes the
// new baseline and the staged bucket is cleared. On any failure the draft
// and staged state are preserved so the user does not lose typed work; a
// version conflict is surfaced distinctly so the caller can refresh and
// retry. A clean draft is a no-op.
func (s *DraftSession) CommitDraft(ctx context.Context) error {
	return s.queue.run(func() error {
		s.mu.Lock()
		if !s.dirtyLocked() {
			s.mu.Unlock()
			return nil
		}
		s.committing = true
		req := s.buildSaveRequestLocked()
		s.mu.Unlock()

		plan, err := s.client.SaveActionPlan(ctx, s.opportunityID, req)

		s.mu.Lock()
		s.committing = false
		if err != nil {
			s.mu.Unlock()
			if IsConflict(err) {
				s.notify(OutcomeConflict, "Another user updated this opportunity. Refresh to continue.")
			} else {
				s.notify(OutcomeFailure, "Failed to save action plan.")
			}
			return err
		}
		s.adopt(plan)
		s.mu.Unlock()
		s.notify(OutcomeSuccess, "Action plan saved.")
		return nil
	})
}

// buildSaveRequestLocked serializes the draft: persisted items first, each
// with its id, then staged items without ids. Caller must hold mu.
func (s *DraftSession) buildSaveRequestLocked() SavePlanRequest {
	d := s.draftDisp
	notes := d.Notes
	upd := &DispositionUpdate{
		Status:                   d.Status,
		Version:                  d.Version,
		Notes:                    &notes,
		ServicesAmountOverride:   d.ServicesAmountOverride,
		ForecastCategoryOverride: d.ForecastCategoryOverride,
	}
	if d.Reason != "" {
		reason := d.Reason
		upd.Reason = &reason
	}
	items := make([]ActionItem, 0, len(s.draftItems)+len(s.stagedItems))
	for _, it := range s.draftItems {
		it.OpportunityID = ""
		items = append(items, it)
	}
	for _, it := range s.stagedItems {
		it.ActionItemID = ""
		it.OpportunityID = ""
		if it.AssignedToUserID == "" {
			it.AssignedToUserID = s.userID
		}
		items = append(items, it)
	}
	return SavePlanRequest{Disposition: upd, ActionItems: items}
}

func (s *DraftSession) confirm(prompt string) bool {
	if s.Confirm == nil {
		return true
	}
	return s.Confirm(prompt)
}

func (s *DraftSession) notify(outcome SaveOutcome, message string) {
	if s.Notify != nil {
		s.Notify(outcome, message)
	}
}

func cloneItems(items []ActionItem) []ActionItem {
	out := make([]ActionItem, len(items))
	for i, it := range items {
		out[i] = it
		out[i].Documents = append([]Document(nil), it.Documents...)
	}
	return out
}

func dispositionsEqual(a, b Disposition) bool {
	if a.Status != b.Status || a.Notes != b.Notes || a.Reason != b.Reason {
		return false
	}
	if !floatPtrEqual(a.ServicesAmountOverride, b.ServicesAmountOverride) {
		return false
	}
	return stringPtrEqual(a.ForecastCategoryOverride, b.ForecastCategoryOverride)
}

// itemsEqual compares two item lists structurally after a stable sort by id.
func itemsEqual(a, b []ActionItem) bool {
	if len(a) != len(b) {
		return false
	}
	as := cloneItems(a)
	bs := cloneItems(b)
	sort.SliceStable(as, func(i, j int) bool { return as[i].ActionItemID < as[j].ActionItemID })
	sort.SliceStable(bs, func(i, j int) bool { return bs[i].ActionItemID < bs[j].ActionItemID })
	for i := range as {
		if !itemEqual(as[i], bs[i]) {
			return false
		}
	}
	return true
}

func itemEqual(a, b ActionItem) bool {
	if a.ActionItemID != b.ActionItemID || a.Name != b.Name || a.Status != b.Status {
		return false
	}
	if a.AssignedToUserID != b.AssignedToUserID {
		return false
	}
	if !stringPtrEqual(a.DueDate, b.DueDate) {
		return false
	}
	if len(a.Documents) != len(b.Documents) {
		return false
	}
	for i := range a.Documents {
		if a.Documents[i] != b.Documents[i] {
			return false
		}
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

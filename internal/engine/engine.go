package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

const dueDateLayout = "2006-01-02"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// OpportunityCreateOptions are parameters for creating an opportunity.
type OpportunityCreateOptions struct {
	ID                string
	AccountName       string
	OwnerUserID       string
	ServicesAmount    float64
	ForecastCategory  string
	SubscriptionStart string
	ActorUserID       string
}

// CreateOpportunity inserts the opportunity together with its initial
// disposition (not_reviewed, version 1) in one transaction.
func (e Engine) CreateOpportunity(ctx context.Context, opts OpportunityCreateOptions) (domain.Opportunity, error) {
	if strings.TrimSpace(opts.AccountName) == "" {
		return domain.Opportunity{}, validationErrorf("account_name is required")
	}
	if opts.SubscriptionStart != "" {
		if _, err := time.Parse(dueDateLayout, opts.SubscriptionStart); err != nil {
			return domain.Opportunity{}, validationErrorf("subscription_start must be YYYY-MM-DD")
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	o := domain.Opportunity{
		ID:                id,
		AccountName:       strings.TrimSpace(opts.AccountName),
		OwnerUserID:       opts.OwnerUserID,
		ServicesAmount:    opts.ServicesAmount,
		ForecastCategory:  opts.ForecastCategory,
		SubscriptionStart: opts.SubscriptionStart,
		CreatedAt:         e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Opportunity{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOpportunityTx(ctx, tx, o); err != nil {
		return domain.Opportunity{}, err
	}
	if err := e.Repo.InsertDispositionTx(ctx, tx, domain.Disposition{
		OpportunityID: o.ID,
		Status:        domain.StatusNotReviewed,
		Version:       1,
	}); err != nil {
		return domain.Opportunity{}, err
	}
	if err := e.Events.Append(ctx, tx, "opportunity.created", o.ID, opts.ActorUserID, events.EventPayload{"account_name": o.AccountName}); err != nil {
		return domain.Opportunity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Opportunity{}, err
	}
	return o, nil
}

// DeleteOpportunity removes the opportunity; dependent rows cascade.
func (e Engine) DeleteOpportunity(ctx context.Context, opportunityID, actorUserID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM opportunities WHERE id=?`, opportunityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, "opportunity.deleted", opportunityID, actorUserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetActionPlan returns the canonical disposition + action item snapshot.
func (e Engine) GetActionPlan(ctx context.Context, opportunityID string) (domain.ActionPlan, error) {
	if _, err := e.Repo.GetOpportunity(ctx, opportunityID); err != nil {
		return domain.ActionPlan{}, err
	}
	disp, err := e.Repo.GetDisposition(ctx, opportunityID)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	items, err := e.Repo.ListActionItems(ctx, opportunityID)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	return domain.ActionPlan{Disposition: disp, ActionItems: items}, nil
}

// DispositionUpdate carries the client's submitted disposition fields.
// Version must be present and equal to the stored version. Notes nil means
// "keep the stored notes"; reason and the overrides take the submitted value
// verbatim, nil included.
type DispositionUpdate struct {
	Status                   string
	Version                  *int64
	Notes                    *string
	Reason                   *string
	ServicesAmountOverride   *float64
	ForecastCategoryOverride *string
}

// ActionItemUpdate is one entry of the client's target item list. An empty
// ActionItemID means "create"; a known id means "update in place"; any
// previously stored id missing from the list is deleted.
type ActionItemUpdate struct {
	ActionItemID     string
	Name             string
	Status           string
	DueDate          *string
	Documents        []domain.Document
	AssignedToUserID string
	CreatedByUserID  string
}

// PlanUpdate is the full save payload. Both fields are required; a nil
// ActionItems pointer (absent array) is a validation error, while a pointer
// to an empty slice means "delete every item".
type PlanUpdate struct {
	Disposition *DispositionUpdate
	ActionItems *[]ActionItemUpdate
}

// SaveActionPlan applies a disposition update plus a target action item list
// atomically. The submitted list is the new truth: items with a known id are
// updated, items without an id are inserted, stored items omitted from the
// list are deleted. One disposition_history row is appended per successful
// commit. The returned snapshot is re-read after all writes so it reflects
// exactly what is durable.
func (e Engine) SaveActionPlan(ctx context.Context, opportunityID, actorUserID string, upd PlanUpdate) (domain.ActionPlan, error) {
	normalized, err := validatePlanUpdate(upd)
	if err != nil {
		return domain.ActionPlan{}, err
	}

	// The immediate transaction takes the database write lock at BEGIN,
	// serializing concurrent savers; the version check below turns a lost
	// race into a ConflictError instead of a silent overwrite.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetOpportunityTx(ctx, tx, opportunityID); err != nil {
		return domain.ActionPlan{}, err
	}
	stored, err := e.Repo.GetDispositionTx(ctx, tx, opportunityID)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	if *upd.Disposition.Version != stored.Version {
		return domain.ActionPlan{}, ConflictError{Submitted: *upd.Disposition.Version, Stored: stored.Version}
	}

	existing, err := e.Repo.ListActionItemsTx(ctx, tx, opportunityID)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	existingByID := make(map[string]domain.ActionItem, len(existing))
	for _, it := range existing {
		existingByID[it.ActionItemID] = it
	}
	// Referential check before any write so a bad id cannot leave a
	// half-applied plan behind.
	for _, it := range normalized {
		if it.ActionItemID == "" {
			continue
		}
		if _, ok := existingByID[it.ActionItemID]; !ok {
			return domain.ActionPlan{}, validationErrorf("unknown action_item_id %s", it.ActionItemID)
		}
	}

	next := mergeDisposition(stored, *upd.Disposition)
	next.Version = stored.Version + 1
	next.LastUpdatedByUserID = actorUserID
	next.LastUpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateDispositionTx(ctx, tx, next); err != nil {
		return domain.ActionPlan{}, err
	}

	if err := e.Repo.InsertHistoryTx(ctx, tx, domain.DispositionHistory{
		OpportunityID:   opportunityID,
		UpdatedByUserID: actorUserID,
		Timestamp:       next.LastUpdatedAt,
		ChangeDetails:   historyDetails(next),
	}); err != nil {
		return domain.ActionPlan{}, err
	}

	retained := make(map[string]bool, len(normalized))
	for _, it := range normalized {
		row := domain.ActionItem{
			ActionItemID:     it.ActionItemID,
			OpportunityID:    opportunityID,
			Name:             it.Name,
			Status:           it.Status,
			DueDate:          it.DueDate,
			Documents:        it.Documents,
			AssignedToUserID: it.AssignedToUserID,
		}
		if it.ActionItemID != "" {
			retained[it.ActionItemID] = true
			if err := e.Repo.UpdateActionItemTx(ctx, tx, row); err != nil {
				return domain.ActionPlan{}, err
			}
			continue
		}
		row.ActionItemID = uuid.New().String()
		row.CreatedByUserID = it.CreatedByUserID
		if row.CreatedByUserID == "" {
			row.CreatedByUserID = actorUserID
		}
		if err := e.Repo.InsertActionItemTx(ctx, tx, row); err != nil {
			return domain.ActionPlan{}, err
		}
	}
	for _, it := range existing {
		if retained[it.ActionItemID] {
			continue
		}
		if err := e.Repo.DeleteActionItemTx(ctx, tx, opportunityID, it.ActionItemID); err != nil {
			return domain.ActionPlan{}, err
		}
	}

	if err := e.Events.Append(ctx, tx, "plan.saved", opportunityID, actorUserID, events.EventPayload{
		"status":  next.Status,
		"version": next.Version,
	}); err != nil {
		return domain.ActionPlan{}, err
	}

	canonicalDisp, err := e.Repo.GetDispositionTx(ctx, tx, opportunityID)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	canonicalItems, err := e.Repo.ListActionItemsTx(ctx, tx, opportunityID)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionPlan{}, err
	}
	return domain.ActionPlan{Disposition: canonicalDisp, ActionItems: canonicalItems}, nil
}

func mergeDisposition(stored domain.Disposition, upd DispositionUpdate) domain.Disposition {
	next := domain.Disposition{
		OpportunityID:            stored.OpportunityID,
		Status:                   upd.Status,
		Notes:                    stored.Notes,
		ServicesAmountOverride:   upd.ServicesAmountOverride,
		ForecastCategoryOverride: upd.ForecastCategoryOverride,
	}
	if upd.Notes != nil {
		next.Notes = *upd.Notes
	}
	if upd.Reason != nil {
		next.Reason = *upd.Reason
	}
	return next
}

func historyDetails(d domain.Disposition) string {
	details := map[string]any{
		"status":  d.Status,
		"notes":   d.Notes,
		"reason":  d.Reason,
		"version": d.Version,
	}
	if d.ServicesAmountOverride != nil {
		details["services_amount_override"] = *d.ServicesAmountOverride
	}
	if d.ForecastCategoryOverride != nil {
		details["forecast_category_override"] = *d.ForecastCategoryOverride
	}
	b, err := json.Marshal(details)
	if err != nil {
		return `{}`
	}
	return string(b)
}

func validatePlanUpdate(upd PlanUpdate) ([]ActionItemUpdate, error) {
	if upd.Disposition == nil {
		return nil, validationErrorf("disposition is required")
	}
	if upd.Disposition.Version == nil {
		return nil, validationErrorf("disposition.version is required")
	}
	if !validStatus(domain.DispositionStatuses, upd.Disposition.Status) {
		return nil, validationErrorf("invalid disposition status %q", upd.Disposition.Status)
	}
	if upd.ActionItems == nil {
		return nil, validationErrorf("actionItems must be an array")
	}
	normalized := make([]ActionItemUpdate, 0, len(*upd.ActionItems))
	for i, it := range *upd.ActionItems {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			return nil, validationErrorf("actionItems[%d].name is required", i)
		}
		if !validStatus(domain.ActionItemStatuses, it.Status) {
			return nil, validationErrorf("actionItems[%d] has invalid status %q", i, it.Status)
		}
		if strings.TrimSpace(it.AssignedToUserID) == "" {
			return nil, validationErrorf("actionItems[%d].assigned_to_user_id is required", i)
		}
		if it.DueDate != nil && *it.DueDate != "" {
			if _, err := time.Parse(dueDateLayout, *it.DueDate); err != nil {
				return nil, validationErrorf("actionItems[%d].due_date must be YYYY-MM-DD", i)
			}
		} else {
			it.DueDate = nil
		}
		docs := make([]domain.Document, 0, len(it.Documents))
		for j, doc := range it.Documents {
			doc.Text = strings.TrimSpace(doc.Text)
			doc.URL = strings.TrimSpace(doc.URL)
			doc.ID = strings.TrimSpace(doc.ID)
			if doc.URL != "" && !isAbsoluteURL(doc.URL) {
				return nil, validationErrorf("actionItems[%d].documents[%d].url is not a valid URL", i, j)
			}
			if doc.ID == "" {
				doc.ID = uuid.New().String()
			}
			docs = append(docs, doc)
		}
		if len(docs) == 0 {
			docs = nil
		}
		it.Documents = docs
		normalized = append(normalized, it)
	}
	return normalized, nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func validStatus(allowed []string, status string) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is the repo's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

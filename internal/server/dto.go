package server

import (
	"planline/internal/domain"
	"planline/internal/engine"
)

// Request payloads

type CreateOpportunityRequest struct {
	ID                *string `json:"id,omitempty"`
	AccountName       string  `json:"account_name"`
	OwnerUserID       *string `json:"owner_user_id,omitempty"`
	ServicesAmount    float64 `json:"services_amount,omitempty"`
	ForecastCategory  *string `json:"forecast_category,omitempty"`
	SubscriptionStart *string `json:"subscription_start,omitempty" format:"date"`
}

type DispositionRequest struct {
	Status                   string   `json:"status" enum:"not_reviewed,services_fit,no_action,watchlist"`
	Reason                   *string  `json:"reason,omitempty"`
	ServicesAmountOverride   *float64 `json:"services_amount_override,omitempty"`
	ForecastCategoryOverride *string  `json:"forecast_category_override,omitempty"`
	Version                  *int64   `json:"version"`
	Notes                    *string  `json:"notes,omitempty"`
}

type DocumentRequest struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

type ActionItemRequest struct {
	ActionItemID     *string           `json:"action_item_id,omitempty"`
	Name             string            `json:"name"`
	Status           string            `json:"status" enum:"not_started,in_progress,completed"`
	DueDate          *string           `json:"due_date,omitempty" format:"date"`
	Documents        []DocumentRequest `json:"documents,omitempty"`
	AssignedToUserID string            `json:"assigned_to_user_id"`
	CreatedByUserID  *string           `json:"created_by_user_id,omitempty"`
}

type SaveActionPlanRequest struct {
	Disposition *DispositionRequest  `json:"disposition"`
	ActionItems *[]ActionItemRequest `json:"actionItems"`
}

// Response payloads

type OpportunityResponse struct {
	ID                string  `json:"id"`
	AccountName       string  `json:"account_name"`
	OwnerUserID       string  `json:"owner_user_id,omitempty"`
	ServicesAmount    float64 `json:"services_amount,omitempty"`
	ForecastCategory  string  `json:"forecast_category,omitempty"`
	SubscriptionStart string  `json:"subscription_start,omitempty" format:"date"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type ActionPlanResponse struct {
	Disposition domain.Disposition  `json:"disposition"`
	ActionItems []domain.ActionItem `json:"actionItems"`
}

type HistoryResponse struct {
	ID              int64  `json:"id"`
	OpportunityID   string `json:"opportunity_id"`
	UpdatedByUserID string `json:"updated_by_user_id"`
	Timestamp       string `json:"timestamp" format:"date-time"`
	ChangeDetails   string `json:"change_details"`
}

type EventResponse struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	OpportunityID string `json:"opportunity_id,omitempty"`
	UserID        string `json:"user_id"`
	Payload       string `json:"payload_json,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PlanTemplateTaskResponse struct {
	Name       string `json:"name"`
	OffsetDays int    `json:"offset_days"`
}

type paginatedOpportunities struct {
	Items      []OpportunityResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func opportunityResponse(o domain.Opportunity) OpportunityResponse {
	return OpportunityResponse(o)
}

func actionPlanResponse(p domain.ActionPlan) ActionPlanResponse {
	return ActionPlanResponse{
		Disposition: p.Disposition,
		ActionItems: nonNilSlice(p.ActionItems),
	}
}

func historyResponse(h domain.DispositionHistory) HistoryResponse {
	return HistoryResponse(h)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

// planUpdate converts the wire payload into the engine's update type. Nil
// pointers survive the conversion so the engine can tell "absent" from
// "empty" during validation.
func planUpdate(req SaveActionPlanRequest) engine.PlanUpdate {
	var upd engine.PlanUpdate
	if req.Disposition != nil {
		upd.Disposition = &engine.DispositionUpdate{
			Status:                   req.Disposition.Status,
			Version:                  req.Disposition.Version,
			Notes:                    req.Disposition.Notes,
			Reason:                   req.Disposition.Reason,
			ServicesAmountOverride:   req.Disposition.ServicesAmountOverride,
			ForecastCategoryOverride: req.Disposition.ForecastCategoryOverride,
		}
	}
	if req.ActionItems != nil {
		items := make([]engine.ActionItemUpdate, 0, len(*req.ActionItems))
		for _, it := range *req.ActionItems {
			upd := engine.ActionItemUpdate{
				Name:             it.Name,
				Status:           it.Status,
				DueDate:          it.DueDate,
				AssignedToUserID: it.AssignedToUserID,
			}
			if it.ActionItemID != nil {
				upd.ActionItemID = *it.ActionItemID
			}
			if it.CreatedByUserID != nil {
				upd.CreatedByUserID = *it.CreatedByUserID
			}
			for _, doc := range it.Documents {
				upd.Documents = append(upd.Documents, domain.Document(doc))
			}
			items = append(items, upd)
		}
		upd.ActionItems = &items
	}
	return upd
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

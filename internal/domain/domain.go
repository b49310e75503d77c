package domain

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

// DispositionStatuses lists the accepted disposition statuses.
var DispositionStatuses = []string{StatusNotReviewed, StatusServicesFit, StatusNoAction, StatusWatchlist}

// ActionItemStatuses lists the accepted action item statuses.
var ActionItemStatuses = []string{ItemNotStarted, ItemInProgress, ItemCompleted}

type Opportunity struct {
	ID                string  `json:"id"`
	AccountName       string  `json:"account_name"`
	OwnerUserID       string  `json:"owner_user_id,omitempty"`
	ServicesAmount    float64 `json:"services_amount,omitempty"`
	ForecastCategory  string  `json:"forecast_category,omitempty"`
	SubscriptionStart string  `json:"subscription_start,omitempty" format:"date"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Disposition struct {
	OpportunityID            string   `json:"opportunity_id"`
	Status                   string   `json:"status" enum:"not_reviewed,services_fit,no_action,watchlist"`
	Notes                    string   `json:"notes,omitempty"`
	Reason                   string   `json:"reason,omitempty"`
	ServicesAmountOverride   *float64 `json:"services_amount_override,omitempty"`
	ForecastCategoryOverride *string  `json:"forecast_category_override,omitempty"`
	Version                  int64    `json:"version"`
	LastUpdatedByUserID      string   `json:"last_updated_by_user_id,omitempty"`
	LastUpdatedAt            string   `json:"last_updated_at,omitempty" format:"date-time"`
}

type Document struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

type ActionItem struct {
	ActionItemID     string     `json:"action_item_id"`
	OpportunityID    string     `json:"opportunity_id"`
	Name             string     `json:"name"`
	Status           string     `json:"status" enum:"not_started,in_progress,completed"`
	DueDate          *string    `json:"due_date,omitempty" format:"date"`
	Documents        []Document `json:"documents,omitempty"`
	CreatedByUserID  string     `json:"created_by_user_id,omitempty"`
	AssignedToUserID string     `json:"assigned_to_user_id"`
}

// ActionPlan is the canonical disposition + action item snapshot for one
// opportunity, as persisted.
type ActionPlan struct {
	Disposition Disposition  `json:"disposition"`
	ActionItems []ActionItem `json:"actionItems"`
}

// DispositionHistory is one append-only audit row per successful commit.
type DispositionHistory struct {
	ID              int64  `json:"id"`
	OpportunityID   string `json:"opportunity_id"`
	UpdatedByUserID string `json:"updated_by_user_id"`
	Timestamp       string `json:"timestamp" format:"date-time"`
	ChangeDetails   string `json:"change_details"`
}

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	OpportunityID string `json:"opportunity_id,omitempty"`
	UserID        string `json:"user_id"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

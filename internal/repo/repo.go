package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planline/internal/config"
	"planline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer abstracts *sql.DB and *sql.Tx so reads can run with or without
// an open transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertOpportunityTx(ctx context.Context, tx *sql.Tx, o domain.Opportunity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO opportunities(id,account_name,owner_user_id,services_amount,forecast_category,subscription_start,created_at) VALUES (?,?,?,?,?,?,?)`,
		o.ID, o.AccountName, nullable(o.OwnerUserID), o.ServicesAmount, nullable(o.ForecastCategory), nullable(o.SubscriptionStart), o.CreatedAt)
	return err
}

func scanOpportunity(row *sql.Row) (domain.Opportunity, error) {
	var o domain.Opportunity
	var owner, forecast, subStart sql.NullString
	err := row.Scan(&o.ID, &o.AccountName, &owner, &o.ServicesAmount, &forecast, &subStart, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if owner.Valid {
		o.OwnerUserID = owner.String
	}
	if forecast.Valid {
		o.ForecastCategory = forecast.String
	}
	if subStart.Valid {
		o.SubscriptionStart = subStart.String
	}
	return o, nil
}

const opportunityColumns = `id,account_name,owner_user_id,services_amount,forecast_category,subscription_start,created_at`

func (r Repo) GetOpportunity(ctx context.Context, id string) (domain.Opportunity, error) {
	return scanOpportunity(r.DB.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id=?`, id))
}

func (r Repo) GetOpportunityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Opportunity, error) {
	return scanOpportunity(tx.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id=?`, id))
}

type OpportunityFilters struct {
	DispositionStatus string
	Limit             int
	CursorCreatedAt   string
	CursorID          string
}

func (r Repo) ListOpportunities(ctx context.Context, f OpportunityFilters) ([]domain.Opportunity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.DispositionStatus != "" {
		clauses = append(clauses, "o.id IN (SELECT opportunity_id FROM dispositions WHERE status=?)")
		args = append(args, f.DispositionStatus)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(o.created_at < ? OR (o.created_at = ? AND o.id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT o.id,o.account_name,o.owner_user_id,o.services_amount,o.forecast_category,o.subscription_start,o.created_at FROM opportunities o ` + where + ` ORDER BY o.created_at DESC, o.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Opportunity
	for rows.Next() {
		var o domain.Opportunity
		var owner, forecast, subStart sql.NullString
		if err := rows.Scan(&o.ID, &o.AccountName, &owner, &o.ServicesAmount, &forecast, &subStart, &o.CreatedAt); err != nil {
			return nil, err
		}
		if owner.Valid {
			o.OwnerUserID = owner.String
		}
		if forecast.Valid {
			o.ForecastCategory = forecast.String
		}
		if subStart.Valid {
			o.SubscriptionStart = subStart.String
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) DeleteOpportunity(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM opportunities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDispositionTx(ctx context.Context, tx *sql.Tx, d domain.Disposition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dispositions(opportunity_id,status,notes,reason,services_amount_override,forecast_category_override,version,last_updated_by_user_id,last_updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.OpportunityID, d.Status, nullable(d.Notes), nullable(d.Reason), nullableFloatPtr(d.ServicesAmountOverride), nullableStringPtr(d.ForecastCategoryOverride),
		d.Version, nullable(d.LastUpdatedByUserID), nullable(d.LastUpdatedAt))
	return err
}

func (r Repo) UpdateDispositionTx(ctx context.Context, tx *sql.Tx, d domain.Disposition) error {
	res, err := tx.ExecContext(ctx, `UPDATE dispositions SET status=?, notes=?, reason=?, services_amount_override=?, forecast_category_override=?, version=?, last_updated_by_user_id=?, last_updated_at=? WHERE opportunity_id=?`,
		d.Status, nullable(d.Notes), nullable(d.Reason), nullableFloatPtr(d.ServicesAmountOverride), nullableStringPtr(d.ForecastCategoryOverride),
		d.Version, nullable(d.LastUpdatedByUserID), nullable(d.LastUpdatedAt), d.OpportunityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const dispositionColumns = `opportunity_id,status,notes,reason,services_amount_override,forecast_category_override,version,last_updated_by_user_id,last_updated_at`

func scanDisposition(row *sql.Row) (domain.Disposition, error) {
	var d domain.Disposition
	var notes, reason, forecastOverride, updatedBy, updatedAt sql.NullString
	var amountOverride sql.NullFloat64
	err := row.Scan(&d.OpportunityID, &d.Status, &notes, &reason, &amountOverride, &forecastOverride, &d.Version, &updatedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if notes.Valid {
		d.Notes = notes.String
	}
	if reason.Valid {
		d.Reason = reason.String
	}
	if amountOverride.Valid {
		v := amountOverride.Float64
		d.ServicesAmountOverride = &v
	}
	if forecastOverride.Valid {
		v := forecastOverride.String
		d.ForecastCategoryOverride = &v
	}
	if updatedBy.Valid {
		d.LastUpdatedByUserID = updatedBy.String
	}
	if updatedAt.Valid {
		d.LastUpdatedAt = updatedAt.String
	}
	return d, nil
}

func (r Repo) GetDisposition(ctx context.Context, opportunityID string) (domain.Disposition, error) {
	return scanDisposition(r.DB.QueryRowContext(ctx, `SELECT `+dispositionColumns+` FROM dispositions WHERE opportunity_id=?`, opportunityID))
}

func (r Repo) GetDispositionTx(ctx context.Context, tx *sql.Tx, opportunityID string) (domain.Disposition, error) {
	return scanDisposition(tx.QueryRowContext(ctx, `SELECT `+dispositionColumns+` FROM dispositions WHERE opportunity_id=?`, opportunityID))
}

const actionItemColumns = `action_item_id,opportunity_id,name,status,due_date,documents_json,created_by_user_id,assigned_to_user_id`

func (r Repo) ListActionItems(ctx context.Context, opportunityID string) ([]domain.ActionItem, error) {
	return listActionItems(ctx, r.DB, opportunityID)
}

func (r Repo) ListActionItemsTx(ctx context.Context, tx *sql.Tx, opportunityID string) ([]domain.ActionItem, error) {
	return listActionItems(ctx, tx, opportunityID)
}

// Items are ordered by due date ascending with nulls last so responses are
// deterministic; the reconciliation diff itself keys on ids only.
func listActionItems(ctx context.Context, q queryer, opportunityID string) ([]domain.ActionItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+actionItemColumns+` FROM action_items WHERE opportunity_id=?
ORDER BY due_date IS NULL, due_date ASC, action_item_id ASC`, opportunityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionItem
	for rows.Next() {
		var it domain.ActionItem
		var dueDate, docsJSON, createdBy sql.NullString
		if err := rows.Scan(&it.ActionItemID, &it.OpportunityID, &it.Name, &it.Status, &dueDate, &docsJSON, &createdBy, &it.AssignedToUserID); err != nil {
			return nil, err
		}
		if dueDate.Valid {
			v := dueDate.String
			it.DueDate = &v
		}
		if createdBy.Valid {
			it.CreatedByUserID = createdBy.String
		}
		if docsJSON.Valid && docsJSON.String != "" {
			if err := json.Unmarshal([]byte(docsJSON.String), &it.Documents); err != nil {
				return nil, fmt.Errorf("decode documents for %s: %w", it.ActionItemID, err)
			}
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) InsertActionItemTx(ctx context.Context, tx *sql.Tx, it domain.ActionItem) error {
	docs, err := marshalDocuments(it.Documents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO action_items(action_item_id,opportunity_id,name,status,due_date,documents_json,created_by_user_id,assigned_to_user_id)
VALUES (?,?,?,?,?,?,?,?)`,
		it.ActionItemID, it.OpportunityID, it.Name, it.Status, nullableStringPtr(it.DueDate), docs, nullable(it.CreatedByUserID), it.AssignedToUserID)
	return err
}

// UpdateActionItemTx rewrites the mutable columns; created_by_user_id is
// immutable after insert.
func (r Repo) UpdateActionItemTx(ctx context.Context, tx *sql.Tx, it domain.ActionItem) error {
	docs, err := marshalDocuments(it.Documents)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE action_items SET name=?, status=?, due_date=?, documents_json=?, assigned_to_user_id=? WHERE action_item_id=? AND opportunity_id=?`,
		it.Name, it.Status, nullableStringPtr(it.DueDate), docs, it.AssignedToUserID, it.ActionItemID, it.OpportunityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteActionItemTx(ctx context.Context, tx *sql.Tx, opportunityID, actionItemID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM action_items WHERE action_item_id=? AND opportunity_id=?`, actionItemID, opportunityID)
	return err
}

func marshalDocuments(docs []domain.Document) (any, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(docs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.DispositionHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disposition_history(opportunity_id,updated_by_user_id,ts,change_details) VALUES (?,?,?,?)`,
		h.OpportunityID, h.UpdatedByUserID, h.Timestamp, h.ChangeDetails)
	return err
}

func (r Repo) ListDispositionHistory(ctx context.Context, opportunityID string, limit int) ([]domain.DispositionHistory, error) {
	query := `SELECT id,opportunity_id,updated_by_user_id,ts,change_details FROM disposition_history WHERE opportunity_id=? ORDER BY id DESC`
	args := []any{opportunityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DispositionHistory
	for rows.Next() {
		var h domain.DispositionHistory
		if err := rows.Scan(&h.ID, &h.OpportunityID, &h.UpdatedByUserID, &h.Timestamp, &h.ChangeDetails); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, opportunityID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if opportunityID != "" {
		clauses = append(clauses, "opportunity_id=?")
		args = append(args, opportunityID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,opportunity_id,user_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,opportunity_id,user_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var oppID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &oppID, &e.UserID, &payload); err != nil {
			return nil, err
		}
		if oppID.Valid {
			e.OpportunityID = oppID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpsertSettings stores the single app config row.
func (r Repo) UpsertSettings(ctx context.Context, cfg *config.Config) error {
	return upsertSettings(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertSettingsTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertSettings(ctx, nil, tx, cfg)
}

func upsertSettings(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO settings(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetSettings(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM settings WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

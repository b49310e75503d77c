package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createOpportunity(t *testing.T, env testEnv) domain.Opportunity {
	t.Helper()
	o, err := env.Engine.CreateOpportunity(env.Ctx, engine.OpportunityCreateOptions{
		AccountName:       "Acme Corp",
		OwnerUserID:       "owner-1",
		ServicesAmount:    50000,
		SubscriptionStart: "2026-02-01",
		ActorUserID:       "tester",
	})
	if err != nil {
		t.Fatalf("create opportunity: %v", err)
	}
	return o
}

func int64Ptr(v int64) *int64    { return &v }
func strPtr(v string) *string    { return &v }
func itemsPtr(items []engine.ActionItemUpdate) *[]engine.ActionItemUpdate { return &items }

func historyCount(t *testing.T, env testEnv, opportunityID string) int {
	t.Helper()
	rows, err := env.Engine.Repo.ListDispositionHistory(env.Ctx, opportunityID, 100)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	return len(rows)
}

func TestCreateOpportunityInitialDisposition(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	disp, err := env.Engine.Repo.GetDisposition(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get disposition: %v", err)
	}
	if disp.Status != domain.StatusNotReviewed {
		t.Fatalf("status = %q, want not_reviewed", disp.Status)
	}
	if disp.Version != 1 {
		t.Fatalf("version = %d, want 1", disp.Version)
	}
}

func TestSaveActionPlanDiff(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)

	// seed two items
	plan, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{
			{Name: "A", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
			{Name: "B", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
		}),
	})
	if err != nil {
		t.Fatalf("seed save: %v", err)
	}
	if plan.Disposition.Version != 2 {
		t.Fatalf("version after seed = %d, want 2", plan.Disposition.Version)
	}
	if len(plan.ActionItems) != 2 {
		t.Fatalf("seeded %d items, want 2", len(plan.ActionItems))
	}
	var idA, idB string
	for _, it := range plan.ActionItems {
		switch it.Name {
		case "A":
			idA = it.ActionItemID
		case "B":
			idB = it.ActionItemID
		}
	}

	// edit A, add C, omit B
	plan, err = env.Engine.SaveActionPlan(env.Ctx, o.ID, "editor", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(2)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{
			{ActionItemID: idA, Name: "A edited", Status: domain.ItemInProgress, AssignedToUserID: "u2"},
			{Name: "C", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
		}),
	})
	if err != nil {
		t.Fatalf("diff save: %v", err)
	}
	if len(plan.ActionItems) != 2 {
		t.Fatalf("got %d items, want 2", len(plan.ActionItems))
	}
	byName := map[string]domain.ActionItem{}
	for _, it := range plan.ActionItems {
		byName[it.Name] = it
		if it.ActionItemID == idB {
			t.Fatalf("item B should have been deleted")
		}
	}
	edited, ok := byName["A edited"]
	if !ok || edited.ActionItemID != idA {
		t.Fatalf("item A was not updated in place: %+v", byName)
	}
	if edited.Status != domain.ItemInProgress || edited.AssignedToUserID != "u2" {
		t.Fatalf("item A fields not applied: %+v", edited)
	}
	created, ok := byName["C"]
	if !ok || created.ActionItemID == "" {
		t.Fatalf("item C was not created: %+v", byName)
	}
	if created.CreatedByUserID != "editor" {
		t.Fatalf("created_by = %q, want acting user", created.CreatedByUserID)
	}
	if n := historyCount(t, env, o.ID); n != 2 {
		t.Fatalf("history rows = %d, want 2 (one per commit)", n)
	}
}

func TestVersionConflictHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	if _, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1), Notes: strPtr("first")},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{
			{Name: "A", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
		}),
	}); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// stale version 1 while stored is 2
	_, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "loser", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusNoAction, Version: int64Ptr(1), Reason: strPtr("stale")},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{}),
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Submitted != 1 || conflict.Stored != 2 {
		t.Fatalf("conflict = %+v, want submitted 1 stored 2", conflict)
	}

	disp, err := env.Engine.Repo.GetDisposition(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if disp.Status != domain.StatusServicesFit || disp.Version != 2 || disp.Notes != "first" {
		t.Fatalf("disposition mutated by failed save: %+v", disp)
	}
	items, err := env.Engine.Repo.ListActionItems(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Name != "A" {
		t.Fatalf("items mutated by failed save: %+v", items)
	}
	if n := historyCount(t, env, o.ID); n != 1 {
		t.Fatalf("history rows = %d, want 1", n)
	}
}

func TestVersionIncrementsByExactlyOne(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	version := int64(1)
	for i := 0; i < 3; i++ {
		plan, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
			Disposition: &engine.DispositionUpdate{Status: domain.StatusWatchlist, Version: int64Ptr(version), Reason: strPtr("revisit next quarter")},
			ActionItems: itemsPtr([]engine.ActionItemUpdate{}),
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if plan.Disposition.Version != version+1 {
			t.Fatalf("save %d: version = %d, want %d", i, plan.Disposition.Version, version+1)
		}
		version = plan.Disposition.Version
	}
}

func TestMissingActionItemsArrayRejected(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	_, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1)},
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	disp, err := env.Engine.Repo.GetDisposition(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if disp.Status != domain.StatusNotReviewed || disp.Version != 1 {
		t.Fatalf("disposition mutated by rejected save: %+v", disp)
	}
}

func TestInvalidDocumentURLRejectsWholeRequest(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	_, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{
			{Name: "ok", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
			{Name: "bad doc", Status: domain.ItemNotStarted, AssignedToUserID: "u1",
				Documents: []domain.Document{{Text: "scope doc", URL: "nota-url"}}},
		}),
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	items, err := env.Engine.Repo.ListActionItems(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("partial write: %d items persisted", len(items))
	}
}

func TestUnknownActionItemIDRejected(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	_, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{
			{ActionItemID: "no-such-id", Name: "ghost", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
		}),
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNotesPreservedWhenOmitted(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	if _, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1), Notes: strPtr("keep me")},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{}),
	}); err != nil {
		t.Fatal(err)
	}
	plan, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(2)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Disposition.Notes != "keep me" {
		t.Fatalf("notes = %q, want preserved", plan.Disposition.Notes)
	}
}

func TestSaveMissingOpportunity(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SaveActionPlan(env.Ctx, "missing", "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{}),
	})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestItemOrderingDueDateAscNullsLast(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	plan, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{
			{Name: "no due", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
			{Name: "late", Status: domain.ItemNotStarted, AssignedToUserID: "u1", DueDate: strPtr("2026-03-01")},
			{Name: "early", Status: domain.ItemNotStarted, AssignedToUserID: "u1", DueDate: strPtr("2026-02-01")},
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	got := []string{}
	for _, it := range plan.ActionItems {
		got = append(got, it.Name)
	}
	want := []string{"early", "late", "no due"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDeleteOpportunityCascades(t *testing.T) {
	env := newTestEnv(t)
	o := createOpportunity(t, env)
	if _, err := env.Engine.SaveActionPlan(env.Ctx, o.ID, "tester", engine.PlanUpdate{
		Disposition: &engine.DispositionUpdate{Status: domain.StatusServicesFit, Version: int64Ptr(1)},
		ActionItems: itemsPtr([]engine.ActionItemUpdate{
			{Name: "A", Status: domain.ItemNotStarted, AssignedToUserID: "u1"},
		}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteOpportunity(env.Ctx, o.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetOpportunity(env.Ctx, o.ID); !engine.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shiftplan/internal/app"
	"shiftplan/internal/catalog"
	"shiftplan/internal/db"
	"shiftplan/internal/domain"
	"shiftplan/internal/engine"
	"shiftplan/internal/forecast"
	"shiftplan/internal/migrate"
	"shiftplan/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Catalog  catalog.Catalog
	Registry forecast.Registry
	Turndown domain.Activity
	Checkout domain.Activity
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
	ctx := context.Background()
	_, cfg, err := app.ResolveSectorAndConfig(ctx, dir, "sector-1", repo.Repo{DB: conn})
	if err != nil {
		t.Fatalf("bootstrap sector: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	cat := catalog.Catalog{DB: conn}
	turndown, err := cat.GetByCode(ctx, "sector-1", "turndown")
	if err != nil {
		t.Fatalf("seeded activity: %v", err)
	}
	checkout, err := cat.GetByCode(ctx, "sector-1", "checkout_clean")
	if err != nil {
		t.Fatalf("seeded activity: %v", err)
	}
	return testEnv{
		Engine:   eng,
		Ctx:      ctx,
		Catalog:  cat,
		Registry: forecast.Registry{DB: conn, Now: eng.Now},
		Turndown: turndown,
		Checkout: checkout,
	}
}

func (env testEnv) seedRun(t *testing.T, id string, entries []forecast.ImportEntry) domain.ForecastRun {
	t.Helper()
	runs, err := env.Registry.Import(env.Ctx, env.Catalog, forecast.ImportFile{
		Sector: "sector-1",
		Runs: []forecast.ImportRun{{
			ID:           id,
			RunDate:      "2024-05-31",
			HorizonStart: "2024-06-03",
			HorizonEnd:   "2024-06-09",
			Entries:      entries,
		}},
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return runs[0]
}

func TestGenerateWeekAuto(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 10, WorkloadMinutes: 30},
	})
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID:      "sector-1",
		ForecastRunID: "run-1",
		WeekStart:     "2024-06-03",
		Mode:          engine.ModeAuto,
		ActorID:       "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if week.Status != domain.WeekDraft {
		t.Fatalf("status = %q, want draft", week.Status)
	}
	if len(week.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(week.Items))
	}
	item := week.Items[0]
	if item.ActivityID != env.Turndown.ID {
		t.Errorf("activity = %q, want %q", item.ActivityID, env.Turndown.ID)
	}
	if item.Date != "2024-06-03" {
		t.Errorf("date = %q", item.Date)
	}
	if item.Source != domain.SourceAuto {
		t.Errorf("source = %q, want auto", item.Source)
	}
	if item.Quantity != 10 || item.WorkloadMinutes != 30 {
		t.Errorf("quantity/minutes = %d/%d, want 10/30", item.Quantity, item.WorkloadMinutes)
	}
	if item.Priority != domain.PriorityDefault {
		t.Errorf("priority = %d, want %d", item.Priority, domain.PriorityDefault)
	}
}

func TestGenerateWeekAutoSkipsZeroWorkload(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 10, WorkloadMinutes: 30},
		{Date: "2024-06-04", Activity: "turndown", Quantity: 0, WorkloadMinutes: 30},
		{Date: "2024-06-05", Activity: "checkout_clean", Quantity: 3, WorkloadMinutes: 0},
	})
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeAuto, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(week.Items) != 1 {
		t.Fatalf("items = %d, want 1 (zero-workload rows skipped)", len(week.Items))
	}
}

func TestGenerateWeekManualEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 10, WorkloadMinutes: 30},
	})
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeManual, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(week.Items) != 0 {
		t.Fatalf("manual week has %d items, want 0", len(week.Items))
	}
	if week.Status != domain.WeekDraft {
		t.Fatalf("status = %q, want draft", week.Status)
	}
}

func TestGenerateWeekDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", nil)
	opts := engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeManual, ActorID: "planner",
	}
	if _, err := env.Engine.GenerateWeek(env.Ctx, opts); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	_, err := env.Engine.GenerateWeek(env.Ctx, opts)
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("second generate err = %v, want already exists", err)
	}
}

// racingRegistry runs a rival action once, during the workload expansion that
// happens between the duplicate pre-check and the insert.
type racingRegistry struct {
	engine.ForecastRegistry
	rival func()
	once  sync.Once
}

func (r *racingRegistry) WorkloadFor(ctx context.Context, sectorID, runID, date string) ([]domain.ForecastEntry, error) {
	r.once.Do(r.rival)
	return r.ForecastRegistry.WorkloadFor(ctx, sectorID, runID, date)
}

func TestGenerateWeekConcurrentDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 5, WorkloadMinutes: 30},
	})
	opts := engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeAuto, ActorID: "planner",
	}

	rival := env.Engine
	racer := env.Engine
	racer.Runs = &racingRegistry{
		ForecastRegistry: env.Engine.Runs,
		rival: func() {
			if _, err := rival.GenerateWeek(env.Ctx, opts); err != nil {
				t.Errorf("rival generate: %v", err)
			}
		},
	}

	_, err := racer.GenerateWeek(env.Ctx, opts)
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("losing writer err = %v, want already exists", err)
	}
	var ee engine.ExistsError
	if !errors.As(err, &ee) || ee.WeekStart != "2024-06-03" || ee.ForecastRunID != "run-1" {
		t.Fatalf("err = %#v, want ExistsError for the contested week", err)
	}
}

func TestGenerateWeekValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", nil)

	_, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: "bulk", ActorID: "planner",
	})
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}

	// 2024-06-04 is a Tuesday
	_, err = env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-04",
		Mode: engine.ModeAuto, ActorID: "planner",
	})
	if !errors.Is(err, engine.ErrInvalidDate) {
		t.Fatalf("non-monday err = %v, want invalid date", err)
	}

	_, err = env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-missing", WeekStart: "2024-06-03",
		Mode: engine.ModeAuto, ActorID: "planner",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown run err = %v, want not found", err)
	}
}

func TestGenerateWeekDeterministic(t *testing.T) {
	env := newTestEnv(t)
	entries := []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 10, WorkloadMinutes: 30},
		{Date: "2024-06-03", Activity: "checkout_clean", Quantity: 4, WorkloadMinutes: 45},
		{Date: "2024-06-05", Activity: "turndown", Quantity: 8, WorkloadMinutes: 30},
	}
	env.seedRun(t, "run-a", entries)
	env.seedRun(t, "run-b", entries)

	type key struct {
		Date, Activity string
		Qty, Minutes   int
	}
	expand := func(runID string) []key {
		week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
			SectorID: "sector-1", ForecastRunID: runID, WeekStart: "2024-06-03",
			Mode: engine.ModeAuto, ActorID: "planner",
		})
		if err != nil {
			t.Fatalf("generate %s: %v", runID, err)
		}
		keys := make([]key, 0, len(week.Items))
		for _, it := range week.Items {
			keys = append(keys, key{it.Date, it.ActivityID, it.Quantity, it.WorkloadMinutes})
		}
		return keys
	}
	a, b := expand("run-a"), expand("run-b")
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("expanded %d/%d items, want 3/3", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("item %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestItemOrderStableOnReload(t *testing.T) {
	env := newTestEnv(t)
	// Five activities on the same date: created_at is identical for all of
	// them, so ordering must come from the insertion sequence.
	env.seedRun(t, "run-1", []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 10, WorkloadMinutes: 30},
		{Date: "2024-06-03", Activity: "checkout_clean", Quantity: 4, WorkloadMinutes: 45},
		{Date: "2024-06-03", Activity: "stayover_clean", Quantity: 6, WorkloadMinutes: 20},
		{Date: "2024-06-03", Activity: "deep_clean", Quantity: 1, WorkloadMinutes: 90},
		{Date: "2024-06-03", Activity: "inspection", Quantity: 8, WorkloadMinutes: 10},
	})
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeAuto, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(week.Items) != 5 {
		t.Fatalf("generated %d items, want 5", len(week.Items))
	}
	manual, err := env.Engine.AddItem(env.Ctx, engine.AddItemOptions{
		WeekID: week.ID, ActivityID: env.Turndown.ID, Date: "2024-06-03",
		Quantity: 1, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	reloaded, err := env.Engine.GetWeek(env.Ctx, week.ID)
	if err != nil {
		t.Fatalf("get week: %v", err)
	}
	if len(reloaded.Items) != 6 {
		t.Fatalf("reloaded %d items, want 6", len(reloaded.Items))
	}
	for i, it := range week.Items {
		if reloaded.Items[i].ID != it.ID {
			t.Fatalf("item order changed on reload at index %d: generated %s, reloaded %s",
				i, it.ID, reloaded.Items[i].ID)
		}
	}
	if reloaded.Items[5].ID != manual.ID {
		t.Fatalf("manual item not last: %s", reloaded.Items[5].ID)
	}
}

func TestWeekStatusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", nil)
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeManual, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// lock before approval is invalid
	if _, err := env.Engine.LockWeek(env.Ctx, week.ID, "manager"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("lock draft err = %v, want invalid transition", err)
	}

	week, err = env.Engine.ApproveWeek(env.Ctx, week.ID, "manager")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if week.Status != domain.WeekApproved {
		t.Fatalf("status = %q, want approved", week.Status)
	}
	if week.UpdatedBy != "manager" {
		t.Fatalf("updated_by = %q, want manager", week.UpdatedBy)
	}

	// second approval loses; the error carries the state actually held
	_, err = env.Engine.ApproveWeek(env.Ctx, week.ID, "other")
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("second approve err = %v, want transition error", err)
	}
	if te.From != domain.WeekApproved {
		t.Fatalf("transition from = %q, want approved", te.From)
	}

	week, err = env.Engine.LockWeek(env.Ctx, week.ID, "manager")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if week.Status != domain.WeekLocked {
		t.Fatalf("status = %q, want locked", week.Status)
	}
	if _, err := env.Engine.ApproveWeek(env.Ctx, week.ID, "manager"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("approve locked err = %v, want invalid transition", err)
	}
}

func TestLockedWeekRejectsEdits(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 5, WorkloadMinutes: 30},
	})
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeAuto, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := env.Engine.ApproveWeek(env.Ctx, week.ID, "manager"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.LockWeek(env.Ctx, week.ID, "manager"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err = env.Engine.AddItem(env.Ctx, engine.AddItemOptions{
		WeekID: week.ID, ActivityID: env.Turndown.ID, Date: "2024-06-04",
		Quantity: 1, ActorID: "planner",
	})
	if !errors.Is(err, engine.ErrWeekLocked) {
		t.Fatalf("add item err = %v, want week locked", err)
	}
	if err := env.Engine.RemoveItem(env.Ctx, week.Items[0].ID, "planner"); !errors.Is(err, engine.ErrWeekLocked) {
		t.Fatalf("remove item err = %v, want week locked", err)
	}

	got, err := env.Engine.GetWeek(env.Ctx, week.ID)
	if err != nil {
		t.Fatalf("get week: %v", err)
	}
	if len(got.Items) != 1 {
		t.Fatalf("item set changed on locked week: %d items", len(got.Items))
	}
}

func TestAddItemValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", nil)
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeManual, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	base := engine.AddItemOptions{
		WeekID: week.ID, ActivityID: env.Turndown.ID, Date: "2024-06-04",
		Quantity: 2, ActorID: "planner",
	}

	cases := []struct {
		name   string
		mutate func(*engine.AddItemOptions)
		want   error
	}{
		{"date outside week", func(o *engine.AddItemOptions) { o.Date = "2024-06-10" }, engine.ErrInvalidDate},
		{"unknown activity", func(o *engine.AddItemOptions) { o.ActivityID = "nope" }, engine.ErrUnknownActivity},
		{"zero quantity", func(o *engine.AddItemOptions) { o.Quantity = 0 }, engine.ErrInvalidQuantity},
		{"negative workload", func(o *engine.AddItemOptions) { n := -1; o.WorkloadMinutes = &n }, engine.ErrInvalidQuantity},
		{"priority out of range", func(o *engine.AddItemOptions) { o.Priority = 9 }, engine.ErrInvalidPriority},
		{"bad clock", func(o *engine.AddItemOptions) { s := "25:00"; o.WindowStart = &s }, engine.ErrInvalidWindow},
		{"inverted window", func(o *engine.AddItemOptions) {
			s, e := "16:00", "09:00"
			o.WindowStart, o.WindowEnd = &s, &e
		}, engine.ErrInvalidWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			if _, err := env.Engine.AddItem(env.Ctx, opts); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	item, err := env.Engine.AddItem(env.Ctx, base)
	if err != nil {
		t.Fatalf("valid add: %v", err)
	}
	if item.Source != domain.SourceManual {
		t.Errorf("source = %q, want manual", item.Source)
	}
	if item.Priority != domain.PriorityDefault {
		t.Errorf("priority = %d, want default %d", item.Priority, domain.PriorityDefault)
	}
	// Omitted workload falls back to quantity x the catalog standard.
	if want := base.Quantity * env.Turndown.StandardMinutes; item.WorkloadMinutes != want {
		t.Errorf("workload = %d, want %d", item.WorkloadMinutes, want)
	}

	// An explicit zero is kept, not treated as omitted.
	zero := 0
	opts := base
	opts.Date = "2024-06-05"
	opts.WorkloadMinutes = &zero
	item, err = env.Engine.AddItem(env.Ctx, opts)
	if err != nil {
		t.Fatalf("zero-workload add: %v", err)
	}
	if item.WorkloadMinutes != 0 {
		t.Errorf("explicit zero workload = %d, want 0", item.WorkloadMinutes)
	}
}

func TestRemoveItem(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "run-1", nil)
	week, err := env.Engine.GenerateWeek(env.Ctx, engine.GenerateOptions{
		SectorID: "sector-1", ForecastRunID: "run-1", WeekStart: "2024-06-03",
		Mode: engine.ModeManual, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	item, err := env.Engine.AddItem(env.Ctx, engine.AddItemOptions{
		WeekID: week.ID, ActivityID: env.Turndown.ID, Date: "2024-06-05",
		Quantity: 1, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := env.Engine.RemoveItem(env.Ctx, item.ID, "planner"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := env.Engine.RemoveItem(env.Ctx, item.ID, "planner"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("remove twice err = %v, want not found", err)
	}
}

func TestCreateAdjustment(t *testing.T) {
	env := newTestEnv(t)
	baseline := env.seedRun(t, "run-1", []forecast.ImportEntry{
		{Date: "2024-06-03", Activity: "turndown", Quantity: 10, WorkloadMinutes: 30},
	})

	_, err := env.Engine.CreateAdjustment(env.Ctx, engine.AdjustmentOptions{
		SectorID: "sector-1", BaselineRunID: baseline.ID, Reason: "   ", ActorID: "planner",
	})
	if !errors.Is(err, engine.ErrEmptyReason) {
		t.Fatalf("blank reason err = %v, want empty reason", err)
	}

	_, err = env.Engine.CreateAdjustment(env.Ctx, engine.AdjustmentOptions{
		SectorID: "sector-1", BaselineRunID: "run-missing", Reason: "storm", ActorID: "planner",
	})
	if !errors.Is(err, engine.ErrUnknownBaseline) {
		t.Fatalf("unknown baseline err = %v, want unknown baseline", err)
	}

	derived, err := env.Engine.CreateAdjustment(env.Ctx, engine.AdjustmentOptions{
		SectorID: "sector-1", BaselineRunID: baseline.ID, Reason: "vip block arrival", ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("adjustment: %v", err)
	}
	if derived.ID == baseline.ID {
		t.Fatal("derived run reuses baseline id")
	}
	if derived.RunType != forecast.RunTypeAdjustment {
		t.Errorf("run type = %q, want adjustment", derived.RunType)
	}
	if derived.BaselineRunID == nil || *derived.BaselineRunID != baseline.ID {
		t.Errorf("baseline ref = %v, want %q", derived.BaselineRunID, baseline.ID)
	}
	if derived.Reason != "vip block arrival" {
		t.Errorf("reason = %q", derived.Reason)
	}

	// baseline untouched, derived carries the same workload
	again, err := env.Registry.GetRun(env.Ctx, "sector-1", baseline.ID)
	if err != nil {
		t.Fatalf("reload baseline: %v", err)
	}
	if again.RunType != forecast.RunTypeForecast || again.BaselineRunID != nil {
		t.Fatalf("baseline mutated: %+v", again)
	}
	entries, err := env.Registry.WorkloadFor(env.Ctx, "sector-1", derived.ID, "2024-06-03")
	if err != nil {
		t.Fatalf("derived workload: %v", err)
	}
	if len(entries) != 1 || entries[0].Quantity != 10 || entries[0].WorkloadMinutes != 30 {
		t.Fatalf("derived entries = %+v, want copy of baseline", entries)
	}
}

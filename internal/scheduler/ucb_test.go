package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/store"
)

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	return loc
}

// mondayMorning is a local Monday at 08:00, before any slot opens.
func mondayMorning(loc *time.Location) time.Time {
	return time.Date(2026, 8, 24, 8, 0, 0, 0, loc)
}

func seedConfig(t *testing.T, s *store.MemoryStore, enabled bool) {
	t.Helper()
	cfg := &store.SchedulerConfig{
		ExplorationFactor:    1.4,
		MinTrialsPerTemplate: 3,
		ActiveDays:           []int{1, 2, 3, 4, 5},
		AutoScheduleEnabled:  enabled,
		AIPrompt:             "daily product note",
		LineUserID:           "U-reviewer",
	}
	if err := s.SaveSchedulerConfig(context.Background(), cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
}

func seedSlot(t *testing.T, s *store.MemoryStore, startHour, endHour int) *store.TimeSlot {
	t.Helper()
	slot := &store.TimeSlot{
		Label:      "window",
		StartHour:  startHour,
		EndHour:    endHour,
		ActiveDays: []int{1, 2, 3, 4, 5, 6, 7},
		Enabled:    true,
	}
	if err := s.CreateTimeSlot(context.Background(), slot); err != nil {
		t.Fatalf("slot: %v", err)
	}
	return slot
}

func seedTemplate(t *testing.T, s *store.MemoryStore, name string, uses int, mean float64) *store.Template {
	t.Helper()
	tpl := &store.Template{Name: name, Prompt: "prompt for " + name, Enabled: true}
	if err := s.CreateTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("template: %v", err)
	}
	for i := 0; i < uses; i++ {
		if err := s.RecordTemplateOutcome(context.Background(), tpl.ID, mean); err != nil {
			t.Fatalf("outcome: %v", err)
		}
	}
	return tpl
}

func newTestSelector(s *store.MemoryStore, q *queue.MemoryQueue, loc *time.Location) *Selector {
	sel := NewSelector(s, q, loc)
	sel.randIntn = func(n int) int { return 0 } // deterministic slot minute
	return sel
}

func TestUCB1ForcedExplorationBelowMinTrials(t *testing.T) {
	cfg := &store.SchedulerConfig{ExplorationFactor: 1.4, MinTrialsPerTemplate: 3}
	score := ucb1(uuid.New(), 2, 0.9, 100, cfg)
	if !math.IsInf(score.Score, 1) || !score.Exploration {
		t.Errorf("arm below min trials must force exploration: %+v", score)
	}

	score = ucb1(uuid.New(), 10, 0.5, 100, cfg)
	want := 0.5 + 1.4*math.Sqrt(math.Log(100)/10)
	if math.Abs(score.Score-want) > 1e-9 {
		t.Errorf("score = %f, want %f", score.Score, want)
	}
	if score.Exploration {
		t.Error("seasoned arm flagged as exploration")
	}
}

func TestPickBestTieBreaks(t *testing.T) {
	lowID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	highID := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

	// Equal scores: least used wins.
	got := pickBest([]armScore{
		{ID: highID, Uses: 5, Score: 1.0},
		{ID: lowID, Uses: 3, Score: 1.0},
	})
	if got.Uses != 3 {
		t.Errorf("tie did not break to least used: %+v", got)
	}

	// Equal scores and uses: smallest ID wins, regardless of order.
	got = pickBest([]armScore{
		{ID: highID, Uses: 3, Score: 1.0},
		{ID: lowID, Uses: 3, Score: 1.0},
	})
	if got.ID != lowID {
		t.Errorf("tie did not break to smallest ID: %s", got.ID)
	}
}

func TestIsoWeekday(t *testing.T) {
	if got := store.ISOWeekday(time.Monday); got != 1 {
		t.Errorf("Monday = %d", got)
	}
	if got := store.ISOWeekday(time.Sunday); got != 7 {
		t.Errorf("Sunday = %d", got)
	}
}

func TestEnsureTodayCreatesScheduleAndDraft(t *testing.T) {
	loc := taipei(t)
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	seedConfig(t, s, true)
	seedSlot(t, s, 12, 14)
	tpl := seedTemplate(t, s, "fresh", 0, 0)

	sel := newTestSelector(s, q, loc)
	now := mondayMorning(loc)

	sched, err := sel.EnsureToday(ctx, now)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sched.Status != store.ScheduleGenerated {
		t.Errorf("schedule status = %s", sched.Status)
	}
	if sched.SelectedTemplateID != tpl.ID {
		t.Errorf("selected template %s", sched.SelectedTemplateID)
	}
	if !sched.WasExploration {
		t.Error("an unused template must be an exploration pick")
	}
	// randIntn pinned to 0: the slot opens at 12:00 local.
	local := sched.ScheduledTime.In(loc)
	if local.Hour() != 12 || local.Minute() != 0 {
		t.Errorf("scheduled at %s", local)
	}

	if sched.PostID == nil {
		t.Fatal("no draft attached")
	}
	post, err := s.GetPost(ctx, *sched.PostID)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if post.Status != store.PostDraft || post.CreatedBy != "auto-scheduler" || !post.IsAIGenerated {
		t.Errorf("draft = %+v", post)
	}

	job, err := q.Reserve(ctx, queue.QueueGenerate, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("generate job: %v %v", job, err)
	}
	var payload queue.GeneratePayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.PostID != post.ID || payload.AutoScheduleID == nil || *payload.AutoScheduleID != sched.ID {
		t.Errorf("payload = %+v", payload)
	}
	if payload.StylePreset != tpl.Prompt {
		t.Errorf("prompt = %q", payload.StylePreset)
	}
}

func TestEnsureTodayIsIdempotent(t *testing.T) {
	loc := taipei(t)
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	seedConfig(t, s, true)
	seedSlot(t, s, 12, 14)
	seedTemplate(t, s, "only", 0, 0)

	sel := newTestSelector(s, q, loc)
	now := mondayMorning(loc)

	if _, err := sel.EnsureToday(ctx, now); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if _, err := sel.EnsureToday(ctx, now); err != ErrNotScheduled {
		t.Fatalf("second ensure = %v, want ErrNotScheduled", err)
	}
}

func TestEnsureTodayRespectsConfig(t *testing.T) {
	loc := taipei(t)
	ctx := context.Background()

	// Disabled scheduler.
	s := store.NewMemoryStore()
	seedConfig(t, s, false)
	seedSlot(t, s, 12, 14)
	seedTemplate(t, s, "idle", 0, 0)
	sel := newTestSelector(s, queue.NewMemoryQueue(), loc)
	if _, err := sel.EnsureToday(ctx, mondayMorning(loc)); err != ErrNotScheduled {
		t.Errorf("disabled = %v", err)
	}

	// Inactive weekday: Monday is not in ActiveDays.
	s = store.NewMemoryStore()
	cfg := &store.SchedulerConfig{
		ExplorationFactor:    1.4,
		MinTrialsPerTemplate: 3,
		ActiveDays:           []int{6, 7},
		AutoScheduleEnabled:  true,
	}
	if err := s.SaveSchedulerConfig(ctx, cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	seedSlot(t, s, 12, 14)
	seedTemplate(t, s, "weekend", 0, 0)
	sel = newTestSelector(s, queue.NewMemoryQueue(), loc)
	if _, err := sel.EnsureToday(ctx, mondayMorning(loc)); err != ErrNotScheduled {
		t.Errorf("inactive day = %v", err)
	}
}

func TestEnsureTodayPrefersHigherUCBScore(t *testing.T) {
	loc := taipei(t)
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	seedConfig(t, s, true)
	slot := seedSlot(t, s, 12, 14)
	// Slot past the trial floor too, so nothing forces exploration.
	for i := 0; i < 3; i++ {
		if err := s.CreatePerformanceLog(ctx, &store.PerformanceLog{
			PostID:     uuid.New(),
			TemplateID: uuid.New(),
			TimeSlotID: slot.ID,
			PostedAt:   time.Now().Add(-time.Duration(i+1) * 24 * time.Hour),
		}); err != nil {
			t.Fatalf("performance log: %v", err)
		}
	}
	// Both templates past the trial floor; the stronger mean wins.
	seedTemplate(t, s, "weak", 5, 0.02)
	strong := seedTemplate(t, s, "strong", 5, 0.08)

	sel := newTestSelector(s, q, loc)
	sched, err := sel.EnsureToday(ctx, mondayMorning(loc))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sched.SelectedTemplateID != strong.ID {
		t.Errorf("selected the weaker template")
	}
	if sched.WasExploration {
		t.Error("exploitation pick flagged as exploration")
	}
	if sched.SelectionReason == "" {
		t.Error("selection reason not recorded")
	}
}

func TestUCB1UntriedArmWithZeroTrialFloor(t *testing.T) {
	cfg := &store.SchedulerConfig{ExplorationFactor: 1.4, MinTrialsPerTemplate: 0}

	got := ucb1(uuid.New(), 0, 0, 0, cfg)
	if !math.IsInf(got.Score, 1) || !got.Exploration {
		t.Errorf("untried arm must force exploration: %+v", got)
	}

	got = ucb1(uuid.New(), 1, 0.5, 1, cfg)
	if math.IsNaN(got.Score) || math.IsInf(got.Score, 0) {
		t.Errorf("single-trial score not finite: %f", got.Score)
	}
}

func TestPickSlotPrefersEarliestUntriedWindow(t *testing.T) {
	lowID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	highID := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")
	inf := math.Inf(1)

	// Untried windows resolve in slice order (slots arrive sorted by
	// start time), not by ID.
	got := pickSlot([]armScore{
		{ID: highID, Score: inf, Exploration: true},
		{ID: lowID, Score: inf, Exploration: true},
	})
	if got.ID != highID {
		t.Errorf("untried windows must keep slice order, got %s", got.ID)
	}

	// Finite scores compare normally.
	got = pickSlot([]armScore{
		{ID: highID, Uses: 4, Score: 0.2},
		{ID: lowID, Uses: 4, Score: 0.7},
	})
	if got.ID != lowID {
		t.Errorf("finite scores ignored: %+v", got)
	}
}

func TestEnsureTodayPicksEarliestSlotWithoutStats(t *testing.T) {
	loc := taipei(t)
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	seedConfig(t, s, true)
	seedSlot(t, s, 20, 21) // created first, opens last
	morning := seedSlot(t, s, 10, 11)
	seedTemplate(t, s, "only", 0, 0)

	sel := newTestSelector(s, q, loc)
	sched, err := sel.EnsureToday(ctx, mondayMorning(loc))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sched.SelectedTimeSlotID != morning.ID {
		t.Errorf("selected slot %s, want the 10:00 window", sched.SelectedTimeSlotID)
	}
	if got := sched.ScheduledTime.In(loc).Hour(); got != 10 {
		t.Errorf("scheduled hour = %d", got)
	}
}

func TestSelectionReasonRecordsForcedExploration(t *testing.T) {
	loc := taipei(t)
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	seedConfig(t, s, true)
	seedSlot(t, s, 12, 14)
	seedTemplate(t, s, "untried", 0, 0)

	sel := newTestSelector(s, q, loc)
	sched, err := sel.EnsureToday(ctx, mondayMorning(loc))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !sched.WasExploration {
		t.Fatal("untried template must be an exploration pick")
	}
	if sched.SelectionReason == "" {
		t.Fatal("selection reason not recorded")
	}
	if !json.Valid([]byte(sched.SelectionReason)) {
		t.Fatalf("selection reason is not JSON: %q", sched.SelectionReason)
	}
	if !strings.Contains(sched.SelectionReason, "insufficient trials") {
		t.Errorf("reason %q does not name the forced exploration", sched.SelectionReason)
	}
	if sched.UCBScore != 0 {
		t.Errorf("unbounded score leaked into the record: %f", sched.UCBScore)
	}
}

func TestTimeWithinIncludesWindowClose(t *testing.T) {
	loc := taipei(t)
	sel := newTestSelector(store.NewMemoryStore(), queue.NewMemoryQueue(), loc)
	sel.randIntn = func(n int) int { return n - 1 } // highest possible draw

	slot := &store.TimeSlot{StartHour: 9, EndHour: 10}
	local := time.Date(2026, 8, 24, 8, 0, 0, 0, loc)

	got := sel.timeWithin(slot, local)
	if got.Hour() != 10 || got.Minute() != 0 {
		t.Errorf("closing minute unreachable, got %s", got)
	}
}

func TestTimeWithinRollsPastWindowsToTomorrow(t *testing.T) {
	loc := taipei(t)
	sel := newTestSelector(store.NewMemoryStore(), queue.NewMemoryQueue(), loc)

	slot := &store.TimeSlot{StartHour: 9, EndHour: 10}
	local := time.Date(2026, 8, 24, 18, 0, 0, 0, loc) // evening, window long gone

	got := sel.timeWithin(slot, local)
	if !got.After(local) {
		t.Fatalf("scheduled time %s not in the future", got)
	}
	if got.Day() != 25 || got.Hour() != 9 {
		t.Errorf("expected tomorrow 09:00, got %s", got)
	}
}

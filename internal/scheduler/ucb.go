// Package scheduler owns the autonomous posting loop: the UCB1 bandit
// that picks a (template, time slot) pair each day, and the periodic
// ticks that expire, dispatch, and maintain the pipeline.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/store"
)

// ErrNotScheduled means today needs no schedule: disabled, inactive day,
// already scheduled, or no material to choose from.
var ErrNotScheduled = errors.New("scheduler: nothing to schedule")

// Selector makes one UCB decision per day.
type Selector struct {
	store store.Store
	queue queue.Queue
	loc   *time.Location
	// randIntn is swapped by tests for deterministic minutes.
	randIntn func(n int) int
}

// NewSelector wires the daily selector. loc is the platform's local
// timezone; all day boundaries and slot windows are evaluated in it.
func NewSelector(s store.Store, q queue.Queue, loc *time.Location) *Selector {
	if loc == nil {
		loc = time.UTC
	}
	return &Selector{store: s, queue: q, loc: loc, randIntn: rand.Intn}
}

// armScore is one UCB evaluation, kept for the decision log.
type armScore struct {
	ID          uuid.UUID
	Uses        int
	Mean        float64
	Score       float64
	Exploration bool
}

// MarshalJSON renders the score as a string because forced-exploration
// arms carry +Inf, which encoding/json cannot represent as a number.
func (a armScore) MarshalJSON() ([]byte, error) {
	rec := struct {
		ID          uuid.UUID `json:"id"`
		Uses        int       `json:"uses"`
		Mean        float64   `json:"mean"`
		Score       string    `json:"score"`
		Exploration bool      `json:"exploration"`
		Note        string    `json:"note,omitempty"`
	}{
		ID:          a.ID,
		Uses:        a.Uses,
		Mean:        a.Mean,
		Score:       strconv.FormatFloat(a.Score, 'f', -1, 64),
		Exploration: a.Exploration,
	}
	if math.IsInf(a.Score, 1) {
		rec.Score = "inf"
		rec.Note = "insufficient trials"
	}
	return json.Marshal(rec)
}

// decision is the JSON-logged record of one selection.
type decision struct {
	Date      string     `json:"date"`
	Template  armScore   `json:"template"`
	Slot      armScore   `json:"slot"`
	Scheduled time.Time  `json:"scheduled_time"`
	Templates []armScore `json:"template_scores"`
	Slots     []armScore `json:"slot_scores"`
}

// EnsureToday creates today's schedule if configuration allows and none
// exists yet. Safe to call repeatedly; the one-active-per-day constraint
// absorbs races between processes.
func (s *Selector) EnsureToday(ctx context.Context, now time.Time) (*store.DailyAutoSchedule, error) {
	cfg, err := s.store.GetSchedulerConfig(ctx)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrNotScheduled
		}
		return nil, err
	}
	if !cfg.AutoScheduleEnabled {
		return nil, ErrNotScheduled
	}

	local := now.In(s.loc)
	if !containsDay(cfg.ActiveDays, store.ISOWeekday(local.Weekday())) {
		return nil, ErrNotScheduled
	}

	date := local.Format("2006-01-02")
	if _, err := s.store.ActiveScheduleForDate(ctx, date); err == nil {
		return nil, ErrNotScheduled
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	return s.schedule(ctx, cfg, local, date)
}

func (s *Selector) schedule(ctx context.Context, cfg *store.SchedulerConfig, local time.Time, date string) (*store.DailyAutoSchedule, error) {
	templates, err := s.store.ListTemplates(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, ErrNotScheduled
	}

	slots, err := s.activeSlots(ctx, store.ISOWeekday(local.Weekday()))
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, ErrNotScheduled
	}

	tplScores := scoreTemplates(templates, cfg)
	tpl := pickBest(tplScores)

	slotScores, err := s.scoreSlots(ctx, slots, cfg)
	if err != nil {
		return nil, err
	}
	slot := pickSlot(slotScores)

	scheduledTime := s.timeWithin(slotByID(slots, slot.ID), local)

	mode := "exploitation"
	if tpl.Exploration || slot.Exploration {
		mode = "exploration"
	}
	observability.UCBSelections.WithLabelValues(mode).Inc()

	dec := decision{
		Date:      date,
		Template:  tpl,
		Slot:      slot,
		Scheduled: scheduledTime,
		Templates: tplScores,
		Slots:     slotScores,
	}
	reason, err := json.Marshal(dec)
	if err != nil {
		return nil, fmt.Errorf("encode selection: %w", err)
	}
	log.Printf("scheduler: selection %s", reason)

	// A forced-exploration pick has no finite score. Store zero so the
	// record stays representable; WasExploration carries the signal.
	ucbScore := tpl.Score
	if math.IsInf(ucbScore, 1) {
		ucbScore = 0
	}

	sched := &store.DailyAutoSchedule{
		ScheduleDate:       date,
		ScheduledTime:      scheduledTime,
		SelectedTimeSlotID: slot.ID,
		SelectedTemplateID: tpl.ID,
		UCBScore:           ucbScore,
		WasExploration:     tpl.Exploration || slot.Exploration,
		SelectionReason:    string(reason),
		Status:             store.SchedulePending,
	}
	if err := s.store.CreateDailyAutoSchedule(ctx, sched); err != nil {
		if store.IsConflict(err) {
			return nil, ErrNotScheduled // another process got today first
		}
		return nil, err
	}

	template := templateByID(templates, tpl.ID)
	post := &store.Post{
		Status:           store.PostDraft,
		CreatedBy:        "auto-scheduler",
		TemplateID:       &template.ID,
		ThreadsAccountID: cfg.ThreadsAccountID,
		IsAIGenerated:    true,
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	if err := s.store.AttachPostToSchedule(ctx, sched.ID, post.ID); err != nil {
		return nil, err
	}

	payload := queue.GeneratePayload{
		Version:        queue.PayloadVersion,
		PostID:         post.ID,
		CreatedBy:      post.CreatedBy,
		StylePreset:    template.Prompt,
		Engine:         template.PreferredEngine,
		ScheduledTime:  &scheduledTime,
		AutoScheduleID: &sched.ID,
	}
	if _, err := s.queue.Enqueue(ctx, queue.QueueGenerate, payload); err != nil {
		return nil, err
	}
	if err := s.store.TransitionSchedule(ctx, sched.ID, store.SchedulePending, store.ScheduleGenerated); err != nil {
		return nil, err
	}
	sched.Status = store.ScheduleGenerated
	sched.PostID = &post.ID
	return sched, nil
}

// scoreTemplates computes UCB1 over template arms. Arms below the minimum
// trial count score +Inf: forced exploration.
func scoreTemplates(templates []*store.Template, cfg *store.SchedulerConfig) []armScore {
	total := 0
	for _, t := range templates {
		total += t.TotalUses
	}
	out := make([]armScore, 0, len(templates))
	for _, t := range templates {
		out = append(out, ucb1(t.ID, t.TotalUses, t.AvgEngagementRate, total, cfg))
	}
	return out
}

func (s *Selector) scoreSlots(ctx context.Context, slots []*store.TimeSlot, cfg *store.SchedulerConfig) ([]armScore, error) {
	stats, err := s.store.SlotStats(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*store.SlotStat, len(stats))
	total := 0
	for _, st := range stats {
		byID[st.TimeSlotID] = st
		total += st.Uses
	}

	out := make([]armScore, 0, len(slots))
	for _, slot := range slots {
		uses, mean := 0, 0.0
		if st, ok := byID[slot.ID]; ok {
			uses, mean = st.Uses, st.AvgEngagement
		}
		out = append(out, ucb1(slot.ID, uses, mean, total, cfg))
	}
	return out, nil
}

// ucb1 scores one arm: mean + c*sqrt(ln(N)/n), or +Inf below minTrials.
// An untried arm is always forced exploration, even with a zero trial
// floor: n=0 has no mean and would divide the bonus by zero.
func ucb1(id uuid.UUID, uses int, mean float64, total int, cfg *store.SchedulerConfig) armScore {
	if uses == 0 || uses < cfg.MinTrialsPerTemplate {
		return armScore{ID: id, Uses: uses, Mean: mean, Score: math.Inf(1), Exploration: true}
	}
	if total < 1 {
		total = 1
	}
	bonus := cfg.ExplorationFactor * math.Sqrt(math.Log(float64(total))/float64(uses))
	return armScore{ID: id, Uses: uses, Mean: mean, Score: mean + bonus}
}

// pickBest returns the highest-scoring arm. Ties break to the least-used
// arm, then to the lexicographically smallest ID so the choice is stable.
func pickBest(scores []armScore) armScore {
	best := scores[0]
	for _, s := range scores[1:] {
		switch {
		case s.Score > best.Score:
			best = s
		case s.Score == best.Score && s.Uses < best.Uses:
			best = s
		case s.Score == best.Score && s.Uses == best.Uses && s.ID.String() < best.ID.String():
			best = s
		}
	}
	return best
}

// pickSlot chooses among slot arms. Forced-exploration arms score +Inf
// and so always win; among them there is no signal to rank by, and slots
// arrive sorted by start time, so the earliest window takes it.
func pickSlot(scores []armScore) armScore {
	for _, s := range scores {
		if math.IsInf(s.Score, 1) {
			return s
		}
	}
	return pickBest(scores)
}

// activeSlots returns enabled slots active on the given ISO weekday,
// ordered by start time for stable tie-breaking upstream.
func (s *Selector) activeSlots(ctx context.Context, day int) ([]*store.TimeSlot, error) {
	all, err := s.store.ListTimeSlots(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []*store.TimeSlot
	for _, slot := range all {
		if containsDay(slot.ActiveDays, day) {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StartHour != b.StartHour {
			return a.StartHour < b.StartHour
		}
		return a.StartMinute < b.StartMinute
	})
	return out, nil
}

// timeWithin picks a uniformly random minute inside the slot's window on
// the local day. A window already behind the clock rolls to tomorrow.
func (s *Selector) timeWithin(slot *store.TimeSlot, local time.Time) time.Time {
	start := slot.StartHour*60 + slot.StartMinute
	end := slot.EndHour*60 + slot.EndMinute
	span := end - start + 1 // window is inclusive of its closing minute
	if span < 1 {
		span = 1
	}
	minute := start + s.randIntn(span)

	t := time.Date(local.Year(), local.Month(), local.Day(), minute/60, minute%60, 0, 0, s.loc)
	if !t.After(local) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

func slotByID(slots []*store.TimeSlot, id uuid.UUID) *store.TimeSlot {
	for _, s := range slots {
		if s.ID == id {
			return s
		}
	}
	return slots[0]
}

func templateByID(templates []*store.Template, id uuid.UUID) *store.Template {
	for _, t := range templates {
		if t.ID == id {
			return t
		}
	}
	return templates[0]
}

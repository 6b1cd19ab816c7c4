package agent

import (
	"context"
	"testing"

	"grid_scout/internal/domain"
)

func TestGuideLearningPathSpreadsModules(t *testing.T) {
	nav, err := NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}

	result, err := nav.Execute(context.Background(), domain.Request{
		ID:        "req-1",
		AgentType: TypeLearningNavigator,
		Action:    ActionGuideLearningPath,
		Params:    map[string]any{"track": " Ratings ", "weeks": float64(3)},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["track"] != "ratings" {
		t.Fatalf("track=%v want normalized ratings", result["track"])
	}

	schedule, ok := result["schedule"].([]map[string]any)
	if !ok {
		t.Fatalf("schedule has unexpected shape: %T", result["schedule"])
	}
	if len(schedule) != 3 {
		t.Fatalf("weeks=%d want 3", len(schedule))
	}
	// Four modules over three weeks front-load as 2, 1, 1.
	wantCounts := []int{2, 1, 1}
	total := 0
	for i, week := range schedule {
		modules := week["modules"].([]string)
		if len(modules) != wantCounts[i] {
			t.Fatalf("week %d has %d modules want %d", i+1, len(modules), wantCounts[i])
		}
		total += len(modules)
	}
	if total != 4 {
		t.Fatalf("scheduled %d modules want all 4", total)
	}
}

func TestGuideLearningPathErrors(t *testing.T) {
	nav, err := NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}
	ctx := context.Background()

	if _, err := nav.Execute(ctx, domain.Request{
		ID:     "req-1",
		Action: ActionGuideLearningPath,
		Params: map[string]any{"track": "astrology"},
	}); err == nil {
		t.Fatalf("unknown track accepted")
	}
	if _, err := nav.Execute(ctx, domain.Request{
		ID:     "req-2",
		Action: ActionGuideLearningPath,
		Params: map[string]any{"track": "ratings", "weeks": 0},
	}); err == nil {
		t.Fatalf("zero weeks accepted")
	}
	if _, err := nav.Execute(ctx, domain.Request{
		ID:     "req-3",
		Action: "forecast_scores",
	}); err == nil {
		t.Fatalf("undeclared action accepted")
	}
}

func TestListStudyModules(t *testing.T) {
	nav, err := NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}
	result, err := nav.Execute(context.Background(), domain.Request{
		ID:     "req-1",
		Action: ActionListStudyModules,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	tracks := result["tracks"].([]string)
	if len(tracks) != len(curriculum) {
		t.Fatalf("tracks=%v want one per curriculum track", tracks)
	}
	wantTotal := 0
	for _, modules := range curriculum {
		wantTotal += len(modules)
	}
	if result["total_modules"] != wantTotal {
		t.Fatalf("total_modules=%v want %d", result["total_modules"], wantTotal)
	}
}

func TestTrackMaintainsMetricsAndHistory(t *testing.T) {
	nav, err := NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}
	ctx := context.Background()

	if _, err := nav.Execute(ctx, domain.Request{ID: "req-ok", Action: ActionListStudyModules}); err != nil {
		t.Fatalf("execute ok: %v", err)
	}
	if nav.Status() != domain.AgentStatusIdle {
		t.Fatalf("status=%s want idle after success", nav.Status())
	}

	if _, err := nav.Execute(ctx, domain.Request{
		ID:     "req-bad",
		Action: ActionGuideLearningPath,
		Params: map[string]any{"track": "astrology"},
	}); err == nil {
		t.Fatalf("expected failure")
	}
	if nav.Status() != domain.AgentStatusError {
		t.Fatalf("status=%s want error after failure", nav.Status())
	}

	m := nav.Metrics()
	if m.Executions != 2 || m.Errors != 1 {
		t.Fatalf("metrics=%+v want 2 executions, 1 error", m)
	}
	if m.Executions > 0 && m.AverageDuration != m.TotalDuration/2 {
		t.Fatalf("average=%v total=%v, running average is wrong", m.AverageDuration, m.TotalDuration)
	}

	history := nav.History(0)
	if len(history) != 2 {
		t.Fatalf("history len=%d want 2", len(history))
	}
	if !history[0].Succeeded || history[1].Succeeded {
		t.Fatalf("history outcomes=%+v want success then failure", history)
	}
	if got := nav.History(1); len(got) != 1 || got[0].RequestID != "req-bad" {
		t.Fatalf("limited history=%+v want newest entry only", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	core := NewCore("c-1", "probe", 3, nil)
	for i := 0; i < 5; i++ {
		_, _ = core.Track("req", "noop", func() (map[string]any, error) { return nil, nil })
	}
	if got := len(core.History(0)); got != 3 {
		t.Fatalf("history len=%d want bounded at 3", got)
	}
	if m := core.Metrics(); m.Executions != 5 {
		t.Fatalf("executions=%d want 5, eviction must not touch totals", m.Executions)
	}
}

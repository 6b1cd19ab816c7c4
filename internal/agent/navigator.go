package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"grid_scout/internal/domain"
)

const TypeLearningNavigator = "learning_navigator"

const (
	ActionGuideLearningPath = "guide_learning_path"
	ActionListStudyModules  = "list_study_modules"
)

// curriculum maps a study track to the ordered modules it covers.
// Static by design: the navigator sequences known material, it does
// not generate it.
var curriculum = map[string][]string{
	"ratings": {
		"win-percentage baselines",
		"point differential and pythagorean expectation",
		"strength of schedule adjustment",
		"rating regression pitfalls",
	},
	"scouting": {
		"reading a season stat line",
		"conference context and pace",
		"opponent-adjusted comparisons",
		"writing a scouting one-pager",
	},
	"data_hygiene": {
		"team naming and deduplication",
		"score entry validation",
		"dataset audit checklists",
	},
}

// LearningNavigator sequences study paths over the static curriculum.
type LearningNavigator struct {
	*Core
}

func NewLearningNavigator(id string) (*LearningNavigator, error) {
	caps := []domain.Capability{
		{
			Name:              ActionGuideLearningPath,
			Description:       "build an ordered weekly study path for a track",
			RequiredLevel:     domain.PermissionReadExecute,
			RequiredTools:     []string{"curriculum_index"},
			EstimatedDuration: 150 * time.Millisecond,
		},
		{
			Name:              ActionListStudyModules,
			Description:       "list every module across all study tracks",
			RequiredLevel:     domain.PermissionReadOnly,
			EstimatedDuration: 20 * time.Millisecond,
		},
	}
	return &LearningNavigator{Core: NewCore(id, TypeLearningNavigator, 0, caps)}, nil
}

func (n *LearningNavigator) Execute(ctx context.Context, req domain.Request) (map[string]any, error) {
	return n.Track(req.ID, req.Action, func() (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch req.Action {
		case ActionGuideLearningPath:
			return n.guideLearningPath(req.Params)
		case ActionListStudyModules:
			return n.listStudyModules()
		default:
			return nil, fmt.Errorf("navigator has no action %q", req.Action)
		}
	})
}

func (n *LearningNavigator) guideLearningPath(params map[string]any) (map[string]any, error) {
	track := stringParam(params, "track")
	if track == "" {
		track = stringParam(params, "topic")
	}
	track = strings.ToLower(strings.TrimSpace(track))
	modules, ok := curriculum[track]
	if !ok {
		return nil, fmt.Errorf("unknown study track %q", track)
	}

	weeks := intParam(params, "weeks", len(modules))
	if weeks < 1 {
		return nil, fmt.Errorf("weeks must be positive, got %d", weeks)
	}

	// Spread modules over the requested weeks, front-loading when the
	// module count does not divide evenly.
	schedule := make([]map[string]any, 0, weeks)
	perWeek := len(modules) / weeks
	extra := len(modules) % weeks
	idx := 0
	for w := 1; w <= weeks && idx < len(modules); w++ {
		count := perWeek
		if w <= extra {
			count++
		}
		if count == 0 {
			count = 1
		}
		end := idx + count
		if end > len(modules) {
			end = len(modules)
		}
		schedule = append(schedule, map[string]any{
			"week":    w,
			"modules": append([]string(nil), modules[idx:end]...),
		})
		idx = end
	}

	return map[string]any{
		"track":    track,
		"weeks":    len(schedule),
		"modules":  append([]string(nil), modules...),
		"schedule": schedule,
	}, nil
}

func (n *LearningNavigator) listStudyModules() (map[string]any, error) {
	tracks := make([]string, 0, len(curriculum))
	for track := range curriculum {
		tracks = append(tracks, track)
	}
	sort.Strings(tracks)

	byTrack := make(map[string]any, len(tracks))
	total := 0
	for _, track := range tracks {
		modules := append([]string(nil), curriculum[track]...)
		byTrack[track] = modules
		total += len(modules)
	}
	return map[string]any{
		"tracks":        tracks,
		"modules":       byTrack,
		"total_modules": total,
	}, nil
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// intParam tolerates float64 because params round-trip through JSON.
func intParam(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

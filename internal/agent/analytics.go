package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"grid_scout/internal/domain"
)

const TypeAnalytics = "analytics"

const (
	ActionRankTeams     = "rank_teams"
	ActionSeasonSummary = "season_summary"
)

// Analytics ranks and summarizes the shared season table.
type Analytics struct {
	*Core
	table *TeamTable
}

func NewAnalytics(id string, table *TeamTable) (*Analytics, error) {
	if table == nil {
		return nil, fmt.Errorf("analytics agent requires a team table")
	}
	caps := []domain.Capability{
		{
			Name:              ActionRankTeams,
			Description:       "rank teams by rating over the season table",
			RequiredLevel:     domain.PermissionReadExecute,
			RequiredTools:     []string{"season_table"},
			EstimatedDuration: 50 * time.Millisecond,
		},
		{
			Name:              ActionSeasonSummary,
			Description:       "aggregate season totals across all teams",
			RequiredLevel:     domain.PermissionReadOnly,
			RequiredTools:     []string{"season_table"},
			EstimatedDuration: 30 * time.Millisecond,
		},
	}
	return &Analytics{
		Core:  NewCore(id, TypeAnalytics, 0, caps),
		table: table,
	}, nil
}

func (a *Analytics) Execute(ctx context.Context, req domain.Request) (map[string]any, error) {
	return a.Track(req.ID, req.Action, func() (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch req.Action {
		case ActionRankTeams:
			return a.rankTeams(req.Params)
		case ActionSeasonSummary:
			return a.seasonSummary()
		default:
			return nil, fmt.Errorf("analytics has no action %q", req.Action)
		}
	})
}

// rating blends win percentage with per-game point margin. Unplayed
// teams rate zero rather than dividing by zero.
func rating(rec domain.TeamRecord) float64 {
	games := rec.Wins + rec.Losses
	if games == 0 {
		return 0
	}
	winPct := float64(rec.Wins) / float64(games)
	margin := float64(rec.PointsFor-rec.PointsAgainst) / float64(games)
	return winPct*100 + margin
}

func (a *Analytics) rankTeams(params map[string]any) (map[string]any, error) {
	conference := strings.ToLower(strings.TrimSpace(stringParam(params, "conference")))
	topN := intParam(params, "top_n", 0)

	records := a.table.Snapshot()
	ranked := make([]domain.TeamRecord, 0, len(records))
	for _, rec := range records {
		if conference != "" && strings.ToLower(rec.Conference) != conference {
			continue
		}
		rec.Rating = rating(rec)
		ranked = append(ranked, rec)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no teams match conference %q", conference)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Rating != ranked[j].Rating {
			return ranked[i].Rating > ranked[j].Rating
		}
		return ranked[i].Team < ranked[j].Team
	})
	if topN > 0 && topN < len(ranked) {
		ranked = ranked[:topN]
	}

	rows := make([]map[string]any, 0, len(ranked))
	for i, rec := range ranked {
		rows = append(rows, map[string]any{
			"rank":       i + 1,
			"team":       rec.Team,
			"conference": rec.Conference,
			"wins":       rec.Wins,
			"losses":     rec.Losses,
			"rating":     rec.Rating,
		})
	}
	return map[string]any{
		"conference": conference,
		"count":      len(rows),
		"ranking":    rows,
	}, nil
}

func (a *Analytics) seasonSummary() (map[string]any, error) {
	records := a.table.Snapshot()
	if len(records) == 0 {
		return nil, fmt.Errorf("season table is empty")
	}

	var games, points int
	conferences := map[string]int{}
	for _, rec := range records {
		games += rec.Wins + rec.Losses
		points += rec.PointsFor
		if rec.Conference != "" {
			conferences[rec.Conference]++
		}
	}
	// Every game appears twice, once per participant.
	games /= 2

	confNames := make([]string, 0, len(conferences))
	for name := range conferences {
		confNames = append(confNames, name)
	}
	sort.Strings(confNames)

	return map[string]any{
		"teams":        len(records),
		"games":        games,
		"total_points": points,
		"conferences":  confNames,
	}, nil
}

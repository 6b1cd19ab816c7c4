package agent

import (
	"context"
	"fmt"
	"time"

	"grid_scout/internal/domain"
)

const TypeDataSteward = "data_steward"

const (
	ActionRecordGame    = "record_game"
	ActionVerifyDataset = "verify_dataset"
)

// DataSteward is the only agent allowed to mutate the season table,
// which is why record_game demands the write permission level.
type DataSteward struct {
	*Core
	table *TeamTable
}

func NewDataSteward(id string, table *TeamTable) (*DataSteward, error) {
	if table == nil {
		return nil, fmt.Errorf("data steward agent requires a team table")
	}
	caps := []domain.Capability{
		{
			Name:              ActionRecordGame,
			Description:       "record a final score against both teams",
			RequiredLevel:     domain.PermissionReadExecuteWrite,
			RequiredTools:     []string{"season_table"},
			EstimatedDuration: 40 * time.Millisecond,
		},
		{
			Name:              ActionVerifyDataset,
			Description:       "audit the season table for inconsistent records",
			RequiredLevel:     domain.PermissionReadExecute,
			RequiredTools:     []string{"season_table"},
			EstimatedDuration: 60 * time.Millisecond,
		},
	}
	return &DataSteward{
		Core:  NewCore(id, TypeDataSteward, 0, caps),
		table: table,
	}, nil
}

func (d *DataSteward) Execute(ctx context.Context, req domain.Request) (map[string]any, error) {
	return d.Track(req.ID, req.Action, func() (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch req.Action {
		case ActionRecordGame:
			return d.recordGame(req.Params)
		case ActionVerifyDataset:
			return d.verifyDataset()
		default:
			return nil, fmt.Errorf("data steward has no action %q", req.Action)
		}
	})
}

func (d *DataSteward) recordGame(params map[string]any) (map[string]any, error) {
	home := stringParam(params, "home")
	away := stringParam(params, "away")
	homePoints := intParam(params, "home_points", -1)
	awayPoints := intParam(params, "away_points", -1)

	if err := d.table.RecordGame(home, away, homePoints, awayPoints); err != nil {
		return nil, fmt.Errorf("record game: %w", err)
	}

	homeRec, _ := d.table.Get(home)
	awayRec, _ := d.table.Get(away)
	return map[string]any{
		"home": homeRec,
		"away": awayRec,
	}, nil
}

func (d *DataSteward) verifyDataset() (map[string]any, error) {
	records := d.table.Snapshot()
	issues := make([]string, 0)
	var totalFor, totalAgainst int
	for _, rec := range records {
		if rec.Wins < 0 || rec.Losses < 0 {
			issues = append(issues, fmt.Sprintf("%s: negative win/loss counts", rec.Team))
		}
		if rec.PointsFor < 0 || rec.PointsAgainst < 0 {
			issues = append(issues, fmt.Sprintf("%s: negative point totals", rec.Team))
		}
		if rec.Wins+rec.Losses > 0 && rec.PointsFor == 0 && rec.PointsAgainst == 0 {
			issues = append(issues, fmt.Sprintf("%s: games played but no points recorded", rec.Team))
		}
		totalFor += rec.PointsFor
		totalAgainst += rec.PointsAgainst
	}
	// Closed dataset: every point scored was scored against someone.
	if totalFor != totalAgainst {
		issues = append(issues, fmt.Sprintf("points_for total %d != points_against total %d", totalFor, totalAgainst))
	}
	return map[string]any{
		"teams":  len(records),
		"issues": issues,
		"clean":  len(issues) == 0,
	}, nil
}

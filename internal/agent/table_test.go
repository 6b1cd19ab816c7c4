package agent

import (
	"testing"

	"grid_scout/internal/domain"
)

func seedTable() *TeamTable {
	return NewTeamTable([]domain.TeamRecord{
		{Team: "Georgia", Conference: "SEC"},
		{Team: "Michigan", Conference: "Big Ten"},
		{Team: "Oregon", Conference: "Big Ten"},
	})
}

func TestRecordGameUpdatesBothSides(t *testing.T) {
	table := seedTable()
	if err := table.RecordGame("Georgia", "Michigan", 31, 27); err != nil {
		t.Fatalf("record game: %v", err)
	}

	home, ok := table.Get("georgia")
	if !ok {
		t.Fatalf("home team missing after lookup by lowercase name")
	}
	if home.Wins != 1 || home.Losses != 0 || home.PointsFor != 31 || home.PointsAgainst != 27 {
		t.Fatalf("home record=%+v", home)
	}
	away, _ := table.Get("Michigan")
	if away.Wins != 0 || away.Losses != 1 || away.PointsFor != 27 || away.PointsAgainst != 31 {
		t.Fatalf("away record=%+v", away)
	}

	// Road upset credits the away side.
	if err := table.RecordGame("Oregon", "Michigan", 17, 20); err != nil {
		t.Fatalf("record second game: %v", err)
	}
	away, _ = table.Get("Michigan")
	if away.Wins != 1 || away.Losses != 1 {
		t.Fatalf("away record after road win=%+v", away)
	}
}

func TestRecordGameValidation(t *testing.T) {
	table := seedTable()

	cases := []struct {
		name       string
		home, away string
		hp, ap     int
	}{
		{"negative score", "Georgia", "Michigan", -3, 10},
		{"tie", "Georgia", "Michigan", 21, 21},
		{"missing team name", "", "Michigan", 21, 14},
		{"self play", "Georgia", " georgia ", 21, 14},
		{"unknown team", "Georgia", "Slippery Rock", 21, 14},
	}
	for _, tc := range cases {
		if err := table.RecordGame(tc.home, tc.away, tc.hp, tc.ap); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	// Rejected games must not leave partial updates behind.
	for _, rec := range table.Snapshot() {
		if rec.Wins != 0 || rec.Losses != 0 || rec.PointsFor != 0 || rec.PointsAgainst != 0 {
			t.Fatalf("record mutated by rejected game: %+v", rec)
		}
	}
}

func TestSnapshotSortedByTeam(t *testing.T) {
	table := seedTable()
	snap := table.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len=%d want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Team > snap[i].Team {
			t.Fatalf("snapshot not sorted: %s before %s", snap[i-1].Team, snap[i].Team)
		}
	}
}

package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"grid_scout/internal/domain"
)

// TeamTable is the shared season dataset the analytics and data steward
// agents work against.
type TeamTable struct {
	mu    sync.RWMutex
	teams map[string]domain.TeamRecord
}

func NewTeamTable(seed []domain.TeamRecord) *TeamTable {
	t := &TeamTable{teams: make(map[string]domain.TeamRecord, len(seed))}
	for _, rec := range seed {
		key := normalizeTeam(rec.Team)
		if key == "" {
			continue
		}
		t.teams[key] = rec
	}
	return t
}

func normalizeTeam(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (t *TeamTable) Get(team string) (domain.TeamRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.teams[normalizeTeam(team)]
	return rec, ok
}

// Snapshot returns all records sorted by team name.
func (t *TeamTable) Snapshot() []domain.TeamRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.TeamRecord, 0, len(t.teams))
	for _, rec := range t.teams {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Team < out[j].Team })
	return out
}

func (t *TeamTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.teams)
}

// RecordGame applies a final score to both teams. Ties are rejected;
// the sport has no regular-season ties since 1996.
func (t *TeamTable) RecordGame(home, away string, homePoints, awayPoints int) error {
	if homePoints < 0 || awayPoints < 0 {
		return fmt.Errorf("scores must be non-negative")
	}
	if homePoints == awayPoints {
		return fmt.Errorf("tie scores are not recordable")
	}
	homeKey := normalizeTeam(home)
	awayKey := normalizeTeam(away)
	if homeKey == "" || awayKey == "" {
		return fmt.Errorf("home and away teams are required")
	}
	if homeKey == awayKey {
		return fmt.Errorf("a team cannot play itself")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	homeRec, ok := t.teams[homeKey]
	if !ok {
		return fmt.Errorf("unknown team %q", home)
	}
	awayRec, ok := t.teams[awayKey]
	if !ok {
		return fmt.Errorf("unknown team %q", away)
	}

	homeRec.PointsFor += homePoints
	homeRec.PointsAgainst += awayPoints
	awayRec.PointsFor += awayPoints
	awayRec.PointsAgainst += homePoints
	if homePoints > awayPoints {
		homeRec.Wins++
		awayRec.Losses++
	} else {
		awayRec.Wins++
		homeRec.Losses++
	}
	t.teams[homeKey] = homeRec
	t.teams[awayKey] = awayRec
	return nil
}

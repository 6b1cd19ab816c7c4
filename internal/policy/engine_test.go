package policy

import (
	"strings"
	"testing"

	"grid_scout/internal/domain"
)

func TestLevelOrdering(t *testing.T) {
	e := New(nil)

	levels := []domain.PermissionLevel{
		domain.PermissionReadOnly,
		domain.PermissionReadExecute,
		domain.PermissionReadExecuteWrite,
		domain.PermissionAdmin,
	}
	for _, user := range levels {
		for _, required := range levels {
			d := e.CheckLevel(user, required)
			want := user >= required
			if d.Allowed != want {
				t.Fatalf("user=%s required=%s allowed=%t want %t", user, required, d.Allowed, want)
			}
			if !d.Allowed && !strings.Contains(d.Reason, required.String()) {
				t.Fatalf("denial reason %q does not name required level %s", d.Reason, required)
			}
		}
	}

	if d := e.CheckLevel(domain.PermissionLevel(0), domain.PermissionReadOnly); d.Allowed {
		t.Fatalf("invalid caller level was allowed")
	}
}

func TestToolInventory(t *testing.T) {
	e := New([]string{"Season_Table", " curriculum_index ", ""})

	if d := e.CheckTools(domain.Capability{}); !d.Allowed {
		t.Fatalf("capability without tools denied: %s", d.Reason)
	}
	if d := e.CheckTools(domain.Capability{RequiredTools: []string{"season_table"}}); !d.Allowed {
		t.Fatalf("inventory lookup is not case-insensitive: %s", d.Reason)
	}

	d := e.CheckTools(domain.Capability{RequiredTools: []string{"telemetry_feed", "season_table", "film_room"}})
	if d.Allowed {
		t.Fatalf("missing tools were allowed")
	}
	// Missing tools are reported sorted so denials are stable.
	if !strings.Contains(d.Reason, "film_room, telemetry_feed") {
		t.Fatalf("reason=%q want sorted missing tool list", d.Reason)
	}

	e.AddTool("Film_Room")
	if d := e.CheckTools(domain.Capability{RequiredTools: []string{"film_room"}}); !d.Allowed {
		t.Fatalf("added tool not found: %s", d.Reason)
	}

	tools := e.Tools()
	want := []string{"curriculum_index", "film_room", "season_table"}
	if len(tools) != len(want) {
		t.Fatalf("tools=%v want %v", tools, want)
	}
	for i := range want {
		if tools[i] != want[i] {
			t.Fatalf("tools=%v want %v", tools, want)
		}
	}
}

func TestCheckCapabilityChecksLevelFirst(t *testing.T) {
	e := New(nil)
	capability := domain.Capability{
		Name:          "rank_teams",
		RequiredLevel: domain.PermissionReadExecute,
		RequiredTools: []string{"season_table"},
	}

	// Both gates would deny; the level denial wins.
	d := e.CheckCapability(domain.PermissionReadOnly, capability)
	if d.Allowed {
		t.Fatalf("expected denial")
	}
	if !strings.Contains(d.Reason, "requires") {
		t.Fatalf("reason=%q want level denial before tool denial", d.Reason)
	}

	d = e.CheckCapability(domain.PermissionAdmin, capability)
	if d.Allowed {
		t.Fatalf("missing tool passed the combined gate")
	}
	if !strings.Contains(d.Reason, "missing tools") {
		t.Fatalf("reason=%q want tool denial for privileged caller", d.Reason)
	}

	e.AddTool("season_table")
	if d := e.CheckCapability(domain.PermissionReadExecute, capability); !d.Allowed {
		t.Fatalf("combined gate denied a valid caller: %s", d.Reason)
	}
}

package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{Idle, false},
		{Scheduled, false},
		{Running, false},
		{Completed, true},
		{Error, true},
		{Cancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s: IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	for s := Idle; s <= Cancelled; s++ {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %s: %v", s, err)
		}
		var back Status
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != s {
			t.Errorf("round trip: got %s, want %s", back, s)
		}
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		name string
		want Category
		ok   bool
	}{
		{"info", Info, true},
		{"success", Success, true},
		{"error", ErrorLog, true},
		{"control", Control, true},
		{"debug", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseCategory(tt.name)
		if ok != tt.ok {
			t.Errorf("ParseCategory(%q): ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("ParseCategory(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSessionClone(t *testing.T) {
	done := time.Now()
	orig := &Session{
		ID:          "s1",
		OwnerID:     "u1",
		Status:      Completed,
		StartedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
	}

	c := orig.Clone()
	*c.CompletedAt = done.Add(time.Hour)

	if !orig.CompletedAt.Equal(done) {
		t.Error("mutating clone's CompletedAt changed the original")
	}
}

package compliance

import (
	"reflect"
	"testing"
)

func testRules() RuleSet {
	return RuleSet{
		"ca": {
			"buyer_agent": {
				"tour.schedule":     true,
				"offer.submit":      true,
				"disclosure.review": false,
			},
			"listing_agent": {
				"disclosure.review": true,
			},
		},
	}
}

func TestCanPerform(t *testing.T) {
	ev := New(testRules())
	if !ev.CanPerform("tour.schedule", "buyer_agent", "ca") {
		t.Fatalf("expected allow for mapped true action")
	}
	if !ev.CanPerform("tour.schedule", "buyer_agent", "CA") {
		t.Fatalf("expected jurisdiction to be matched case-insensitively")
	}
	if ev.CanPerform("disclosure.review", "buyer_agent", "ca") {
		t.Fatalf("explicit false must deny")
	}
}

func TestCanPerformFailClosed(t *testing.T) {
	ev := New(testRules())
	cases := []struct {
		name                       string
		action, role, jurisdiction string
	}{
		{"unknown jurisdiction", "tour.schedule", "buyer_agent", "tx"},
		{"unknown role", "tour.schedule", "appraiser", "ca"},
		{"unknown action", "keys.handover", "buyer_agent", "ca"},
		{"empty action", "", "buyer_agent", "ca"},
		{"empty role", "tour.schedule", "", "ca"},
		{"empty jurisdiction", "tour.schedule", "buyer_agent", ""},
	}
	for _, tc := range cases {
		if ev.CanPerform(tc.action, tc.role, tc.jurisdiction) {
			t.Fatalf("%s: expected deny", tc.name)
		}
	}
	if (Evaluator{}).CanPerform("tour.schedule", "buyer_agent", "ca") {
		t.Fatalf("nil rule set must deny")
	}
}

func TestPermittedActions(t *testing.T) {
	ev := New(testRules())
	got := ev.PermittedActions("buyer_agent", "CA")
	want := []string{"offer.submit", "tour.schedule"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("permitted actions = %v, want %v", got, want)
	}
	if actions := ev.PermittedActions("appraiser", "ca"); len(actions) != 0 {
		t.Fatalf("expected empty set for unknown role, got %v", actions)
	}
	if actions := (Evaluator{}).PermittedActions("buyer_agent", "ca"); len(actions) != 0 {
		t.Fatalf("expected empty set for nil rules, got %v", actions)
	}
}

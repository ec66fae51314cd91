package entity

import (
	"strings"
	"testing"
)

func TestNewIDShape(t *testing.T) {
	id, err := NewID("it")
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	prefix, suffix, err := SplitID(id)
	if err != nil {
		t.Fatalf("SplitID(%q) failed: %v", id, err)
	}
	if prefix != "it" {
		t.Errorf("prefix = %q, want it", prefix)
	}
	if len(suffix) != IDLength {
		t.Errorf("suffix length = %d, want %d", len(suffix), IDLength)
	}
	for _, c := range suffix {
		if !strings.ContainsRune(idAlphabet, c) {
			t.Errorf("suffix contains %q, not in alphabet", c)
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewID("it")
		if err != nil {
			t.Fatalf("NewID failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestSplitIDRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "it", "noprefix", "it-short", "it-UPPERCASE!"} {
		if _, _, err := SplitID(bad); err == nil {
			t.Errorf("SplitID(%q) succeeded, want error", bad)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	col, err := Lookup("it")
	if err != nil {
		t.Fatalf("Lookup(it) failed: %v", err)
	}
	if col.Dir != "items" {
		t.Errorf("items dir = %q", col.Dir)
	}

	byID, err := LookupByID("it-abcdefghij")
	if err != nil {
		t.Fatalf("LookupByID failed: %v", err)
	}
	if byID != col {
		t.Error("LookupByID returned a different collection")
	}

	byDir, err := LookupByDir("items")
	if err != nil {
		t.Fatalf("LookupByDir failed: %v", err)
	}
	if byDir != col {
		t.Error("LookupByDir returned a different collection")
	}

	if _, err := Lookup("zz"); err == nil {
		t.Error("Lookup(zz) succeeded, want error")
	}
}

func TestBaseRulesOverrideCollectionRules(t *testing.T) {
	col, _ := Lookup("it")

	if r := col.Rule(FieldID); r.Strategy != StrategyImmutable {
		t.Errorf("id rule = %v, want immutable", r.Strategy)
	}
	if r := col.Rule(FieldVersion); r.Strategy != StrategyMaxPlusOne {
		t.Errorf("version rule = %v, want max_plus_one", r.Strategy)
	}
	if r := col.Rule(ItemFieldLabels); r.Strategy != StrategyUnion {
		t.Errorf("labels rule = %v, want union", r.Strategy)
	}
	if r := col.Rule("some_unknown_field"); r.Strategy != StrategyLWWAttic {
		t.Errorf("default rule = %v, want lww_with_attic", r.Strategy)
	}
}

func TestValidateRejectsBadItems(t *testing.T) {
	col, _ := Lookup("it")

	cases := []struct {
		name string
		f    Fields
	}{
		{"missing title", Fields{FieldType: "it", FieldID: "it-abcdefghij", ItemFieldStatus: StatusOpen}},
		{"bad status", Fields{FieldType: "it", FieldID: "it-abcdefghij", ItemFieldTitle: "t", ItemFieldStatus: "done"}},
		{"long title", Fields{FieldType: "it", FieldID: "it-abcdefghij", ItemFieldTitle: strings.Repeat("x", 501), ItemFieldStatus: StatusOpen}},
		{"wrong prefix", Fields{FieldType: "it", FieldID: "ms-abcdefghij", ItemFieldTitle: "t", ItemFieldStatus: StatusOpen}},
	}
	for _, tc := range cases {
		if err := col.Validate(tc.f); err == nil {
			t.Errorf("%s: Validate succeeded, want error", tc.name)
		}
	}
}

// Set-like, keyed, and extension fields must carry their declared JSON
// shape; a scalar there is unmergeable against another writer's value.
func TestValidateRejectsMisshapenFields(t *testing.T) {
	itemCol, _ := Lookup("it")
	agentCol, _ := Lookup("ag")

	item := func(extra map[string]any) Fields {
		f := Fields{FieldType: "it", FieldID: "it-abcdefghij", ItemFieldTitle: "t", ItemFieldStatus: StatusOpen}
		for k, v := range extra {
			f[k] = v
		}
		return f
	}
	agent := func(extra map[string]any) Fields {
		f := Fields{FieldType: "ag", FieldID: "ag-abcdefghij", AgentFieldStatus: AgentIdle}
		for k, v := range extra {
			f[k] = v
		}
		return f
	}

	cases := []struct {
		name string
		col  *Collection
		f    Fields
	}{
		{"labels string", itemCol, item(map[string]any{ItemFieldLabels: "urgent"})},
		{"dependencies string", itemCol, item(map[string]any{ItemFieldDependencies: "it-bbbbbbbbbb"})},
		{"children string", itemCol, item(map[string]any{ItemFieldChildren: "it-bbbbbbbbbb"})},
		{"extensions scalar", itemCol, item(map[string]any{FieldExtensions: "x"})},
		{"working_set string", agentCol, agent(map[string]any{AgentFieldWorkingSet: "it-bbbbbbbbbb"})},
		{"reservations string", agentCol, agent(map[string]any{AgentFieldReservations: "src/api"})},
	}
	for _, tc := range cases {
		if err := tc.col.Validate(tc.f); err == nil {
			t.Errorf("%s: Validate succeeded, want error", tc.name)
		}
	}
}

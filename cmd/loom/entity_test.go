package main

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseSetValue(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		// JSON documents keep their types.
		{"1", json.Number("1")},
		{"2.5", json.Number("2.5")},
		{"true", true},
		{`["a","b"]`, []any{"a", "b"}},
		{`{"k":1}`, map[string]any{"k": json.Number("1")}},
		{`"quoted"`, "quoted"},
		// Everything else is a plain string.
		{"urgent", "urgent"},
		{"closed", "closed"},
		{"3 items left", "3 items left"},
		{"it-aaaaaaaaaa", "it-aaaaaaaaaa"},
	}
	for _, tc := range cases {
		got := parseSetValue(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseSetValue(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

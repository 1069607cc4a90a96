package resolve

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIDs(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want []int
	}{
		{"nil", nil, nil},
		{"not a list", "1,2", nil},
		{"map", map[string]interface{}{"1": true}, nil},
		{"ints", []int{3, 1, 3}, []int{3, 1}},
		{"json numbers", []interface{}{float64(7), float64(2), float64(7)}, []int{7, 2}},
		{"strings", []interface{}{" 5 ", "x", "", "6"}, []int{5, 6}},
		{"mixed dedupe", []interface{}{"4", float64(4), 4}, []int{4}},
		{"skips fractions and bools", []interface{}{1.5, true, "2"}, []int{2}},
		{"json.Number", []interface{}{json.Number("9")}, []int{9}},
		{"string slice", []string{"10", "11"}, []int{10, 11}},
		{"empty", []interface{}{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeIDs(tt.in))
		})
	}
}

func TestEnabledToggleIDs(t *testing.T) {
	tests := []struct {
		name   string
		in     interface{}
		want   []int
		toggle bool
	}{
		{"not a map", []interface{}{1}, nil, false},
		{"empty map", map[string]interface{}{}, []int{}, true},
		{"toggles", map[string]interface{}{"12": true, "3": true, "5": false}, []int{3, 12}, true},
		{"all disabled", map[string]interface{}{"1": false}, []int{}, true},
		{"blank key skipped", map[string]interface{}{" ": true, "2": true}, []int{2}, true},
		{"trimmed duplicates", map[string]interface{}{"2": true, " 2 ": true}, []int{2}, true},
		{"non-bool value is legacy", map[string]interface{}{"1": true, "github": map[string]interface{}{"command": "x"}}, nil, false},
		{"non-numeric enabled key is legacy", map[string]interface{}{"github": true}, nil, false},
		{"non-numeric disabled key is skipped", map[string]interface{}{"github": false, "4": true}, []int{4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, ok := enabledToggleIDs(tt.in)
			assert.Equal(t, tt.toggle, ok)
			assert.Equal(t, tt.want, ids)
		})
	}
}

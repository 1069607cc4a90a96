package resolve

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// normalizeIDs turns a snapshot id list into distinct ints, keeping first-seen order.
// Ints and numeric strings are accepted; anything else is skipped. A value that is
// not a list yields nil.
func normalizeIDs(value interface{}) []int {
	var items []interface{}
	switch v := value.(type) {
	case []interface{}:
		items = v
	case []int:
		items = make([]interface{}, len(v))
		for i, id := range v {
			items[i] = id
		}
	case []string:
		items = make([]interface{}, len(v))
		for i, id := range v {
			items[i] = id
		}
	default:
		return nil
	}

	var ids []int
	seen := make(map[int]bool, len(items))
	for _, item := range items {
		id, ok := toID(item)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func toID(item interface{}) (int, bool) {
	switch v := item.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		// encoding/json decodes every number as float64
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		n, err := strconv.Atoi(s)
		return n, err == nil
	default:
		return 0, false
	}
}

// enabledToggleIDs reads the {"<id>": bool} toggle shape of mcp_config and returns the
// enabled ids in ascending order. ok is false when value does not look like toggles:
// not a map, a non-bool value, or an enabled key that is not numeric. Disabled and
// blank keys are skipped.
func enabledToggleIDs(value interface{}) (ids []int, ok bool) {
	m, isMap := value.(map[string]interface{})
	if !isMap {
		return nil, false
	}
	if len(m) == 0 {
		return []int{}, true
	}

	keys := make([]string, 0, len(m))
	for k, v := range m {
		if _, isBool := v.(bool); !isBool {
			return nil, false
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ids = []int{}
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		if !m[k].(bool) {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, false
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, true
}

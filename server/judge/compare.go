package judge

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// outputsMatch compares a program's output against the expected output.
// Trailing whitespace is ignored on every line. When the expected output is
// valid JSON the comparison is structural: arrays are order-sensitive,
// objects are key-order-insensitive, and a JSON "set" object of the form
// {"__set__": [...]} compares its elements order-insensitively.
func outputsMatch(got, expected string) bool {
	if normalize(got) == normalize(expected) {
		return true
	}

	var wantVal interface{}
	if err := json.Unmarshal([]byte(expected), &wantVal); err != nil {
		return false
	}
	var gotVal interface{}
	if err := json.Unmarshal([]byte(got), &gotVal); err != nil {
		return false
	}
	return jsonEqual(gotVal, wantVal)
}

// normalize strips trailing whitespace per line and trailing newlines.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	out := strings.Join(lines, "\n")
	return strings.TrimRight(out, "\n")
}

const setMarker = "__set__"

func jsonEqual(got, want interface{}) bool {
	switch w := want.(type) {
	case map[string]interface{}:
		if elems, ok := setElements(w); ok {
			gotMap, gOK := got.(map[string]interface{})
			if gOK {
				if gotElems, ok := setElements(gotMap); ok {
					return setsEqual(gotElems, elems)
				}
				return false
			}
			gotArr, gOK := got.([]interface{})
			if !gOK {
				return false
			}
			return setsEqual(gotArr, elems)
		}
		g, ok := got.(map[string]interface{})
		if !ok || len(g) != len(w) {
			return false
		}
		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !jsonEqual(gv, wv) {
				return false
			}
		}
		return true
	case []interface{}:
		g, ok := got.([]interface{})
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !jsonEqual(g[i], w[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(got, want)
	}
}

func setElements(m map[string]interface{}) ([]interface{}, bool) {
	if len(m) != 1 {
		return nil, false
	}
	elems, ok := m[setMarker].([]interface{})
	return elems, ok
}

// setsEqual matches elements pairwise regardless of order. Elements are
// keyed by their canonical JSON encoding.
func setsEqual(got, want []interface{}) bool {
	if len(got) != len(want) {
		return false
	}
	g := canonicalKeys(got)
	w := canonicalKeys(want)
	sort.Strings(g)
	sort.Strings(w)
	for i := range g {
		if g[i] != w[i] {
			return false
		}
	}
	return true
}

func canonicalKeys(vals []interface{}) []string {
	keys := make([]string, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			keys[i] = "?"
			continue
		}
		keys[i] = string(b)
	}
	return keys
}

package perfsys

import (
	"reflect"
	"testing"
)

func TestParseCPUList(t *testing.T) {
	cases := map[string][]int{
		"":        nil,
		"0":       {0},
		"0-3":     {0, 1, 2, 3},
		"0-1,3,5": {0, 1, 3, 5},
	}

	for in, want := range cases {
		got, err := parseCPUList(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%q: got %v, want %v", in, got, want)
		}
	}
}

func TestParseCPUListRejectsGarbage(t *testing.T) {
	if _, err := parseCPUList("abc"); err == nil {
		t.Fatal("expected error for non-numeric input")
	}
}

package queue

import "testing"

func TestPriorityWeight(t *testing.T) {
	cases := []struct {
		priority, min int
		want          uint
	}{
		{0, 0, 1000},
		{1, 0, 500},
		{3, 0, 250},
		{-5, -5, 1000},
		{5000, 0, 1},
	}
	for _, tc := range cases {
		if got := priorityWeight(tc.priority, tc.min); got != tc.want {
			t.Fatalf("priorityWeight(%d, %d) = %d, want %d", tc.priority, tc.min, got, tc.want)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"fifo", " LIFO ", "Priority", "weighted"} {
		if _, err := ParseStrategy(name); err != nil {
			t.Fatalf("ParseStrategy(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseStrategy("random"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

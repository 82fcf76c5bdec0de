package budget

import (
	"fmt"
	"time"
)

// Quarter identifies one of the four fixed quarterly allocations. It is the
// cursor of the per-record state machine: it only moves forward, wrapping
// Q4 to Q1 at the year boundary.
type Quarter int

const (
	Q1 Quarter = iota + 1
	Q2
	Q3
	Q4
)

// Valid reports whether q is one of the four defined quarters.
func (q Quarter) Valid() bool {
	return q >= Q1 && q <= Q4
}

func (q Quarter) String() string {
	if !q.Valid() {
		return fmt.Sprintf("Q?(%d)", int(q))
	}
	return fmt.Sprintf("Q%d", int(q))
}

// Next returns the quarter following q, wrapping Q4 to Q1.
func (q Quarter) Next() Quarter {
	if q == Q4 {
		return Q1
	}
	return q + 1
}

// Wraps reports whether moving from q to target crosses the year boundary.
// The state machine is cyclic and only moves forward in time, so a target
// at or numerically behind the current quarter means a new year has started.
func (q Quarter) Wraps(target Quarter) bool {
	return target <= q
}

// PathTo returns the ordered quarters strictly after q up to and including
// target, respecting wraparound. An equal target yields an empty path.
func (q Quarter) PathTo(target Quarter) []Quarter {
	if q == target {
		return nil
	}
	var path []Quarter
	for cur := q; cur != target; {
		cur = cur.Next()
		path = append(path, cur)
	}
	return path
}

// ParseQuarter parses "Q1".."Q4" (or bare "1".."4").
func ParseQuarter(s string) (Quarter, error) {
	switch s {
	case "Q1", "1":
		return Q1, nil
	case "Q2", "2":
		return Q2, nil
	case "Q3", "3":
		return Q3, nil
	case "Q4", "4":
		return Q4, nil
	}
	return 0, fmt.Errorf("invalid quarter %q", s)
}

// QuarterOf returns the calendar quarter containing t.
func QuarterOf(t time.Time) Quarter {
	return Quarter((int(t.Month())-1)/3 + 1)
}

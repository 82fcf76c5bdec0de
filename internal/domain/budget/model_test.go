package budget

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func TestQuarterAvailableUnfloored(t *testing.T) {
	rec := Record{
		QuarterAllocation: [4]decimal.Decimal{dec("2500"), dec("2500"), dec("2500"), dec("2500")},
		SettledQuarter:    Q1,
		CarriedForward:    dec("500"),
		CumulativeSpent:   dec("4000"),
	}
	// 2500 + 500 - 4000 = -1000; the raw figure stays negative.
	assert.True(t, rec.QuarterAvailable().Equal(dec("-1000")))
	assert.True(t, rec.QuarterBudget().Equal(dec("3000")))
}

func TestSnapshotFloorsAvailable(t *testing.T) {
	now := time.Date(2026, time.May, 10, 9, 0, 0, 0, time.UTC)
	rec := Record{
		ProjectRef:        "proj-1",
		AnnualCredit:      dec("10000"),
		QuarterAllocation: [4]decimal.Decimal{dec("2500"), dec("2500"), dec("2500"), dec("2500")},
		SettledQuarter:    Q2,
		CumulativeSpent:   dec("9000"),
	}
	snap := rec.Snapshot(now)
	assert.True(t, snap.QuarterAvailable.IsZero(), "display figure floors at zero, got %s", snap.QuarterAvailable)
	assert.Equal(t, Q2, snap.SettledQuarter)
	assert.Equal(t, now, snap.CapturedAt)
}

func TestAllocationByQuarter(t *testing.T) {
	rec := Record{QuarterAllocation: [4]decimal.Decimal{dec("100"), dec("200"), dec("300"), dec("400")}}
	assert.True(t, rec.Allocation(Q1).Equal(dec("100")))
	assert.True(t, rec.Allocation(Q4).Equal(dec("400")))
	assert.True(t, rec.Allocation(Quarter(7)).IsZero())
}

func TestCloneIsDeep(t *testing.T) {
	rec := Record{
		ProjectRef:        "proj-1",
		TransitionHistory: []TransitionEntry{{OutgoingQuarter: Q1, IncomingQuarter: Q2}},
		YearArchive:       map[int]decimal.Decimal{2025: dec("8000")},
	}
	clone := rec.Clone()
	clone.TransitionHistory[0].IncomingQuarter = Q4
	clone.YearArchive[2025] = dec("1")

	assert.Equal(t, Q2, rec.TransitionHistory[0].IncomingQuarter)
	assert.True(t, rec.YearArchive[2025].Equal(dec("8000")))
}

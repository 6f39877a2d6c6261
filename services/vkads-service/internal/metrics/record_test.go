package metrics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestRecord_DerivedMetrics(t *testing.T) {
	r := Record{Spent: 200, Clicks: 40, Shows: 2000, Goals: 4}

	assert.InDelta(t, 2.0, r.CTR(), 1e-9)
	assert.InDelta(t, 5.0, r.CPC(), 1e-9)
	assert.InDelta(t, 10.0, r.CR(), 1e-9)
	assert.InDelta(t, 50.0, r.CostPerGoal(), 1e-9)
}

func TestRecord_ZeroDenominators(t *testing.T) {
	r := Record{Spent: 100, Clicks: 0, Shows: 0, Goals: 0}

	assert.Equal(t, 0.0, r.CTR())
	assert.True(t, math.IsInf(r.CPC(), 1))
	assert.Equal(t, 0.0, r.CR())
	assert.True(t, math.IsInf(r.CostPerGoal(), 1))
}

func TestRecord_CRPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		reported *float64
		want     float64
	}{
		{"not reported", nil, 5},
		{"reported zero falls back", ptr(0), 5},
		{"reported nonzero wins", ptr(7.5), 7.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Record{Clicks: 100, Goals: 5, ReportedCR: tt.reported}
			assert.InDelta(t, tt.want, r.CR(), 1e-9)
		})
	}
}

func TestRecord_VKGoals(t *testing.T) {
	r := Record{Spent: 90, Clicks: 10, Goals: 1, VKGoals: ptr(3)}

	g, ok := r.Value(Goals)
	require.True(t, ok)
	assert.Equal(t, 3.0, g)
	assert.InDelta(t, 30.0, r.CostPerGoal(), 1e-9)

	vk, ok := r.Value(VKGoals)
	require.True(t, ok)
	assert.Equal(t, 3.0, vk)

	_, ok = Record{}.Value(VKGoals)
	assert.False(t, ok)
}

func TestRecord_ROIAbsentByDefault(t *testing.T) {
	_, ok := Record{Spent: 10}.Value(ROI)
	assert.False(t, ok)

	v, ok := Record{Spent: 10}.WithROI(25).Value(ROI)
	require.True(t, ok)
	assert.Equal(t, 25.0, v)
}

func TestRecord_ValueAliasesAndExtra(t *testing.T) {
	r := Record{Shows: 12, Spent: 10, Extra: map[string]float64{"reach": 9}}

	v, ok := r.Value(Impressions)
	require.True(t, ok)
	assert.Equal(t, 12.0, v)

	v, ok = r.Value("CPA")
	require.True(t, ok)
	assert.True(t, math.IsInf(v, 1))

	v, ok = r.Value("reach")
	require.True(t, ok)
	assert.Equal(t, 9.0, v)

	v, ok = r.Value("Reach")
	require.True(t, ok, "extras resolve case-insensitively like built-ins")
	assert.Equal(t, 9.0, v)

	_, ok = r.Value("unknown_metric")
	assert.False(t, ok)
}

func TestRecord_SnapshotEncodable(t *testing.T) {
	r := Record{Spent: 100, Clicks: 0, Shows: 500}

	snap := r.Snapshot()
	assert.Equal(t, "inf", snap[CPC])
	assert.Equal(t, "inf", snap[CostPerGoal])
	assert.NotContains(t, snap, ROI)

	_, err := json.Marshal(snap)
	assert.NoError(t, err)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("ROI"))
	assert.True(t, Known(CostPerGoal))
	assert.False(t, Known("reach"))
}

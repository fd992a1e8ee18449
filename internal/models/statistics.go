package models

// DirectionStatistics aggregates gaps sharing one direction.
type DirectionStatistics struct {
	Count                int     `json:"count"`
	Closed               int     `json:"closed"`
	ClosureRate          float64 `json:"closure_rate_pct"`
	AvgSize              float64 `json:"avg_size"`
	AvgSizePct           float64 `json:"avg_size_pct"`
	MeanHoursToClosure   float64 `json:"mean_hours_to_closure"`
	MedianHoursToClosure float64 `json:"median_hours_to_closure"`
}

// GapStatistics is an aggregate view over a finalized set of gaps.
// Size figures use absolute gap sizes; time figures only consider closed gaps.
type GapStatistics struct {
	TotalGaps   int     `json:"total_gaps"`
	OpenGaps    int     `json:"open_gaps"`
	ClosedGaps  int     `json:"closed_gaps"`
	ClosureRate float64 `json:"closure_rate_pct"`

	MeanSize    float64 `json:"mean_size"`
	MedianSize  float64 `json:"median_size"`
	StdSize     float64 `json:"std_size"`
	MeanSizePct float64 `json:"mean_size_pct"`

	LargestGap  *Gap `json:"largest_gap,omitempty"`
	SmallestGap *Gap `json:"smallest_gap,omitempty"`

	MeanHoursToClosure   float64 `json:"mean_hours_to_closure"`
	MedianHoursToClosure float64 `json:"median_hours_to_closure"`
	MinHoursToClosure    float64 `json:"min_hours_to_closure"`
	MaxHoursToClosure    float64 `json:"max_hours_to_closure"`
	MeanDaysToClosure    float64 `json:"mean_days_to_closure"`
	MedianDaysToClosure  float64 `json:"median_days_to_closure"`

	ByDirection map[GapDirection]DirectionStatistics `json:"by_direction"`

	ClosedWithinWeek         int     `json:"closed_within_week"`
	ClosedWithinWeekPct      float64 `json:"closed_within_week_pct"`
	ClosedWithinWeekOfClosed float64 `json:"closed_within_week_of_closed_pct"`
}

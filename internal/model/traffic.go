package model

// TrafficHistory keeps one row per client per day with the traffic consumed
// on that day. Dates are stored as "2006-01-02" strings.
type TrafficHistory struct {
	ID    uint   `gorm:"primaryKey"`
	Email string `gorm:"column:email;uniqueIndex:idx_traffic_day"`
	Up    int64  `gorm:"column:up;default:0"`
	Down  int64  `gorm:"column:down;default:0"`
	Date  string `gorm:"column:date;uniqueIndex:idx_traffic_day"`
}

func (TrafficHistory) TableName() string { return "traffic_history" }

// AllTimeSnapshot records the panel's cumulative all_time counter for a
// client on a given date. Daily deltas are derived from consecutive
// snapshots because the live counters may be reset on the panel side.
type AllTimeSnapshot struct {
	Email   string `gorm:"column:email;primaryKey"`
	Date    string `gorm:"column:date;primaryKey"`
	AllTime int64  `gorm:"column:all_time"`
}

func (AllTimeSnapshot) TableName() string { return "all_time_snapshots" }

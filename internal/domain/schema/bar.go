package schema

import "time"

// Interval is a kline width.
type Interval string

const (
	// IntervalMinute is a one minute bar.
	IntervalMinute Interval = "1m"
	// IntervalHour is a one hour bar.
	IntervalHour Interval = "1h"
	// IntervalDaily is a one day bar.
	IntervalDaily Interval = "d"
	// IntervalWeekly is a one week bar.
	IntervalWeekly Interval = "w"
)

// Duration returns the bar width, or zero for unknown intervals.
func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Bar is one OHLCV candle. OpenTime is the bar start.
type Bar struct {
	Symbol   string    `json:"symbol"`
	Interval Interval  `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     string    `json:"open"`
	High     string    `json:"high"`
	Low      string    `json:"low"`
	Close    string    `json:"close"`
	Volume   string    `json:"volume"`
	Turnover string    `json:"turnover"`
}

// HistoryRequest asks for bars from Start (inclusive) up to End (zero means now).
type HistoryRequest struct {
	Symbol   string
	Interval Interval
	Start    time.Time
	End      time.Time
}

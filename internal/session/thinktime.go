package session

import "time"

const (
	thinkTimeMinPlies = 9
	thinkTimeCap      = 5 * time.Second
	thinkTimeFactor   = 0.015
)

// ThinkTime is the pause before a steady-state move: 1.5% of the smaller of
// the starting clock and our remaining time, shrinking between plies 20 and
// 120, never above five seconds. Nothing is added in the first nine plies.
func ThinkTime(plies int, initial, remaining time.Duration) time.Duration {
	if plies <= thinkTimeMinPlies {
		return 0
	}
	base := min(initial, remaining).Seconds() * thinkTimeFactor
	accel := 1 - float64(min(max(plies-20, 0), 100))/150
	d := time.Duration(base * accel * float64(time.Second))
	if d < 0 {
		return 0
	}
	return min(d, thinkTimeCap)
}

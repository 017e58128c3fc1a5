package directory

import "time"

// IsAlive reports whether p pulsed within timeout of now.
func IsAlive(p Process, now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastPulse) <= timeout
}

// Classify partitions records into live and dead ones, keeping their order.
func Classify(ps []Process, now time.Time, timeout time.Duration) (alive, dead []Process) {
	for _, p := range ps {
		if IsAlive(p, now, timeout) {
			alive = append(alive, p)
		} else {
			dead = append(dead, p)
		}
	}
	return alive, dead
}

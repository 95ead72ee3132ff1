package link

// Gate accepts a candidate whose signal strength lies strictly inside (Low, High).
type Gate struct {
	Low  int
	High int
}

// Accepts is evaluated per advertisement; strength fluctuates between sightings.
func (g Gate) Accepts(rssi int) bool {
	return rssi > g.Low && rssi < g.High
}

package types

// an inclusive range of timestamps handed out by a single allocation
// ranges for the same namespace never overlap and are strictly increasing
// across leader failovers
type TimestampRange struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

// number of timestamps contained in the range
func (r TimestampRange) Count() int64 {
	return r.Upper - r.Lower + 1
}

// true if r contains ts
func (r TimestampRange) Contains(ts int64) bool {
	return ts >= r.Lower && ts <= r.Upper
}

package keys

import "time"

// IDSource hands out record ids. Calls are serialized by the store.
type IDSource interface {
	Next(now time.Time) int64
}

// SequenceIDs is an auto-incrementing counter starting at 1.
type SequenceIDs struct {
	last int64
}

func (s *SequenceIDs) Next(time.Time) int64 {
	s.last++
	return s.last
}

// TimestampIDs derives ids from unix seconds. A second key created in the
// same second gets the next free value instead of overwriting.
type TimestampIDs struct {
	last int64
}

func (s *TimestampIDs) Next(now time.Time) int64 {
	id := now.Unix()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}

// NewIDSource maps a config strategy name to a source.
func NewIDSource(strategy string) IDSource {
	if strategy == "timestamp" {
		return &TimestampIDs{}
	}
	return &SequenceIDs{}
}

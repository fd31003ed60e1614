package domain

import "github.com/segmentio/ksuid"

// NewID returns a time-ordered identifier. Sorting ids lexically sorts records
// by creation time, which keeps session lists stable without an extra column.
func NewID() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

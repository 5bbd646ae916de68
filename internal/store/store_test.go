package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var missing *Lease
	assert.False(t, missing.Valid(now), "absent lease")

	assert.True(t, (&Lease{Deadline: now.Add(60 * time.Second)}).Valid(now))
	assert.True(t, (&Lease{Deadline: now}).Valid(now), "deadline itself is still valid")
	assert.False(t, (&Lease{Deadline: now.Add(-time.Second)}).Valid(now))
}

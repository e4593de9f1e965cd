package logquota

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuota(t *testing.T) {
	q := NewQuota(0, 2, 10)
	assert.False(t, q.Blocked("a"))
	assert.False(t, q.Blocked("a"))
	assert.True(t, q.Blocked("a"))
	// keys are limited independently
	assert.False(t, q.Blocked("b"))
	assert.False(t, q.Blocked(""))

	var nilQuota *Quota
	assert.False(t, nilQuota.Blocked("a"))
}

func TestQuotaEvictsOldKeys(t *testing.T) {
	q := NewQuota(0, 1, 1)
	assert.False(t, q.Blocked("a"))
	assert.True(t, q.Blocked("a"))
	assert.False(t, q.Blocked("b"))
	// "a" was evicted and starts over
	assert.False(t, q.Blocked("a"))
}

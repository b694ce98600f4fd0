package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplacedStreamDoesNotClearNewProvider(t *testing.T) {
	s := &LiveSession{}
	p1 := NewOggFrameProvider(strings.NewReader(""))
	p2 := NewOggFrameProvider(strings.NewReader(""))

	// A second stream replaces the first before its teardown runs
	s.installProvider(p1)
	s.installProvider(p2)

	// The replaced stream's teardown must leave the new provider alone
	assert.False(t, s.releaseProvider(p1))
	s.playMu.Lock()
	assert.Same(t, p2, s.provider)
	s.playMu.Unlock()

	assert.True(t, s.releaseProvider(p2))
	s.playMu.Lock()
	assert.Nil(t, s.provider)
	s.playMu.Unlock()

	// Releasing an already-released provider stays a no-op
	assert.False(t, s.releaseProvider(p2))
}

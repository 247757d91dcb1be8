/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan 17 12:37:08 2018 mstenber
 * Last modified: Thu Feb  1 17:46:44 2018 mstenber
 * Edit time:     54 min
 *
 */

package stack_test

import (
	"testing"

	"github.com/fingon/go-dmcache/policy"
	"github.com/fingon/go-dmcache/policy/stack"
	"github.com/stvp/assert"

	_ "github.com/fingon/go-dmcache/policy/mq"
	_ "github.com/fingon/go-dmcache/policy/writeback"
)

func TestParseStackName(t *testing.T) {
	assert.Equal(t, len(stack.ParseStackName("mq")), 1)
	assert.Equal(t, len(stack.ParseStackName("mq+")), 1)
	assert.Equal(t, len(stack.ParseStackName("writeback+mq")), 2)
	assert.Equal(t, len(stack.ParseStackName("")), 0)
}

func TestNewUnknownSegment(t *testing.T) {
	_, err := stack.New("nonexistent", 4)
	assert.NotNil(t, err)
}

func TestNewEmptyName(t *testing.T) {
	_, err := stack.New("", 4)
	assert.NotNil(t, err)
}

// TestCanonicalNameDropsHintlessShims reproduces the golden
// "trace+cleaner+mq" -> "cleanermq" scenario using the registered
// mq/writeback segments (neither carries a hint, so only the terminal
// segment's name survives).
func TestCanonicalNameDropsHintlessShims(t *testing.T) {
	s, err := stack.New("writeback+mq", 4)
	assert.Nil(t, err)
	assert.Equal(t, s.Name(), "mq")
}

func TestSingleSegmentName(t *testing.T) {
	s, err := stack.New("mq+", 4)
	assert.Nil(t, err)
	assert.Equal(t, s.Name(), "mq")
}

func TestMapDelegatesToTerminal(t *testing.T) {
	s, err := stack.New("writeback+mq", 4)
	assert.Nil(t, err)

	r, err := s.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Miss)
}

// TestVersionSkipsHintlessShims mirrors TestCanonicalNameDropsHintlessShims:
// writeback carries no hint and is not the terminal segment, so its
// version must not perturb the composite any more than its name does.
func TestVersionSkipsHintlessShims(t *testing.T) {
	single, err := stack.New("mq", 4)
	assert.Nil(t, err)
	double, err := stack.New("writeback+mq", 4)
	assert.Nil(t, err)

	sv := single.Version()
	dv := double.Version()
	assert.Equal(t, dv[0], sv[0])
}

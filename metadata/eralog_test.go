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

package metadata

import (
	"testing"

	"github.com/stvp/assert"
)

func TestCheckpointAdvancesEra(t *testing.T) {
	l := EraLog{}.Init()
	assert.Equal(t, l.CurrentEra(), uint64(0))

	l.RecordWrite(1)
	l.RecordWrite(2)
	l.RecordWrite(1) // same block twice, tallied once

	closed := l.Checkpoint()
	assert.Equal(t, closed, uint64(0))
	assert.Equal(t, l.CurrentEra(), uint64(1))

	eras, total := l.WriteCount()
	assert.Equal(t, eras, 1)
	assert.Equal(t, total, uint64(2))
}

func TestTakeAndDropMetadataSnap(t *testing.T) {
	l := EraLog{}.Init()
	era := l.TakeMetadataSnap()
	assert.Equal(t, era, uint64(0))
	l.DropMetadataSnap(era)
	// dropping twice is a no-op, not an error.
	l.DropMetadataSnap(era)
}

func TestWriteCountAcrossMultipleEras(t *testing.T) {
	l := EraLog{}.Init()
	l.RecordWrite(1)
	l.Checkpoint()
	l.RecordWrite(2)
	l.RecordWrite(3)
	l.Checkpoint()

	eras, total := l.WriteCount()
	assert.Equal(t, eras, 2)
	assert.Equal(t, total, uint64(3))
}

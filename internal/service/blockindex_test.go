package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"threatgate/internal/models"
)

type fakeBlockLister struct {
	blocks []models.BlockEntry
	err    error
}

func (f *fakeBlockLister) ListActiveBlocks() ([]models.BlockEntry, error) {
	return f.blocks, f.err
}

func TestBlockIndexRebuildContainsActiveBlocks(t *testing.T) {
	lister := &fakeBlockLister{blocks: []models.BlockEntry{
		{ClientIDHash: "aaa111"},
		{ClientIDHash: "bbb222"},
	}}
	idx := NewBlockIndexService(lister)
	idx.Rebuild()

	assert.True(t, idx.MightBeBlocked("aaa111"))
	assert.True(t, idx.MightBeBlocked("bbb222"))
	assert.False(t, idx.MightBeBlocked("never-blocked-hash"))
}

func TestBlockIndexAddIsImmediate(t *testing.T) {
	idx := NewBlockIndexService(&fakeBlockLister{})
	idx.Rebuild()

	assert.False(t, idx.MightBeBlocked("ccc333"))
	idx.Add("ccc333")
	assert.True(t, idx.MightBeBlocked("ccc333"))
}

func TestBlockIndexRebuildDropsExpired(t *testing.T) {
	lister := &fakeBlockLister{blocks: []models.BlockEntry{{ClientIDHash: "old-block"}}}
	idx := NewBlockIndexService(lister)
	idx.Rebuild()
	assert.True(t, idx.MightBeBlocked("old-block"))

	lister.blocks = nil
	idx.Rebuild()
	assert.False(t, idx.MightBeBlocked("old-block"))
}

func TestBlockIndexRebuildKeepsFilterOnError(t *testing.T) {
	lister := &fakeBlockLister{blocks: []models.BlockEntry{{ClientIDHash: "kept"}}}
	idx := NewBlockIndexService(lister)
	idx.Rebuild()

	lister.err = errors.New("db down")
	idx.Rebuild()
	assert.True(t, idx.MightBeBlocked("kept"))
}

func TestBlockIndexStartStop(t *testing.T) {
	idx := NewBlockIndexService(&fakeBlockLister{blocks: []models.BlockEntry{{ClientIDHash: "seed"}}})
	idx.Start()
	defer idx.Stop()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, idx.MightBeBlocked("seed"))
}

package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBatch_SkipsUnconvertibleChunks(t *testing.T) {
	good := newTestChunk("doc-a", 1, 0, "Pitot heat on in visible moisture.")
	bad := newTestChunk("doc-a", 1, 1, "Unencodable metadata.")
	bad.Metadata["callback"] = func() {}

	report := &UpsertReport{}
	points, ids := toBatch([]*Chunk{good, bad}, report)

	require.Len(t, points, 1)
	assert.Equal(t, []string{good.ID}, ids)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, bad.ID, report.Failed[0].ID)
}

func TestFailBatch_ReportsEachChunkOnce(t *testing.T) {
	attempted := newTestChunk("doc-a", 1, 0, "First batch, converted.")
	unconvertible := newTestChunk("doc-a", 1, 1, "First batch, not converted.")
	unconvertible.Metadata["callback"] = func() {}
	later := newTestChunk("doc-a", 2, 0, "Second batch.")

	report := &UpsertReport{}
	_, ids := toBatch([]*Chunk{attempted, unconvertible}, report)
	failBatch(report, ids, []*Chunk{later}, errors.New("backend down"))

	var failed []string
	for _, f := range report.Failed {
		failed = append(failed, f.ID)
	}
	assert.ElementsMatch(t, []string{unconvertible.ID, attempted.ID, later.ID}, failed)
	assert.Empty(t, report.Written)
}

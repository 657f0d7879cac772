package walog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAndSyncDurability(t *testing.T) {
	dir := t.TempDir()
	log, records, err := Open(dir, 4096, nil)
	require.NoError(t, err)
	defer log.Close()
	assert.Empty(t, records)

	off := log.AppendPut(1, []byte("hello"))
	log.Sync(off)
	assert.GreaterOrEqual(t, log.Flushed(), off)
}

func TestLog_RecoveryReplaysInOrder(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, 4096, nil)
	require.NoError(t, err)

	off := log.AppendPut(1, []byte("v1"))
	log.Sync(off)
	off = log.AppendPut(1, []byte("v2"))
	log.Sync(off)
	off = log.AppendErase(2)
	log.Sync(off)
	require.NoError(t, log.Close())

	_, records, err := Open(dir, 4096, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, TagPut, records[0].Tag)
	assert.Equal(t, []byte("v1"), records[0].Value)
	assert.Equal(t, TagPut, records[1].Tag)
	assert.Equal(t, []byte("v2"), records[1].Value)
	assert.Equal(t, TagErase, records[2].Tag)
	assert.EqualValues(t, 2, records[2].Key)
}

func TestLog_SegmentRollover(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, 64, nil) // force rollover almost immediately
	require.NoError(t, err)

	value := make([]byte, 100)
	for i := 0; i < 10; i++ {
		off := log.AppendPut(uint64(i), value)
		log.Sync(off)
	}
	require.NoError(t, log.Close())

	_, records, err := Open(dir, 64, nil)
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

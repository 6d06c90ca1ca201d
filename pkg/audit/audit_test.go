package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLinksChain(t *testing.T) {
	log := NewLog(0)

	first := log.Append("dispatch", "handler_started", "h-1", map[string]any{"event_id": "e-1"})
	second := log.Append("dispatch", "handler_finished", "h-1", nil)

	assert.Equal(t, genesisHash, first.PrevDigest)
	assert.Equal(t, first.Digest, second.PrevDigest)
	assert.NotEmpty(t, first.Digest)
	require.NoError(t, log.Verify())
}

func TestVerifyDetectsTampering(t *testing.T) {
	log := NewLog(0)
	log.Append("dispatch", "a", "", nil)
	log.Append("dispatch", "b", "", nil)

	log.entries[0].Action = "tampered"
	assert.ErrorIs(t, log.Verify(), ErrChainBroken)
}

func TestBoundedRetentionKeepsChainValid(t *testing.T) {
	log := NewLog(5)
	for i := 0; i < 20; i++ {
		log.Append("dispatch", "tick", "", nil)
	}
	assert.Equal(t, 5, log.Len())
	require.NoError(t, log.Verify())

	// New appends still link to the true predecessor.
	entries := log.Entries()
	next := log.Append("dispatch", "after", "", nil)
	assert.Equal(t, entries[len(entries)-1].Digest, next.PrevDigest)
}

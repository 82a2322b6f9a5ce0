package blocklist_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/admitgate"
	"github.com/pixelforge/admitgate/blocklist"
)

func TestStatic_IsBlocked(t *testing.T) {
	ctx := context.Background()
	s := blocklist.NewStatic([]string{"bad-addr"}, []string{"bad-fp"})

	// 1. Each signal kind matches only against its own set.
	blocked, err := s.IsBlocked(ctx, admitgate.Signal{Kind: admitgate.SignalAddressHash, Value: "bad-addr"})
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = s.IsBlocked(ctx, admitgate.Signal{Kind: admitgate.SignalFingerprint, Value: "bad-addr"})
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, err = s.IsBlocked(ctx, admitgate.Signal{Kind: admitgate.SignalFingerprint, Value: "bad-fp"})
	require.NoError(t, err)
	assert.True(t, blocked)

	// 2. Unknown values pass.
	blocked, err = s.IsBlocked(ctx, admitgate.Signal{Kind: admitgate.SignalAddressHash, Value: "clean"})
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestStatic_BlockAtRuntime(t *testing.T) {
	ctx := context.Background()
	s := blocklist.NewStatic(nil, nil)

	sig := admitgate.Signal{Kind: admitgate.SignalFingerprint, Value: "fp-1"}
	blocked, err := s.IsBlocked(ctx, sig)
	require.NoError(t, err)
	require.False(t, blocked)

	s.Block(sig)

	blocked, err = s.IsBlocked(ctx, sig)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestStatic_FromConfig(t *testing.T) {
	s := blocklist.FromConfig(admitgate.BlocklistConfig{
		AddressHashes: []string{"a1"},
		Fingerprints:  []string{"f1"},
	})

	blocked, err := s.IsBlocked(context.Background(), admitgate.Signal{Kind: admitgate.SignalAddressHash, Value: "a1"})
	require.NoError(t, err)
	assert.True(t, blocked)
}

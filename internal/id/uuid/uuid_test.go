package uuid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsUniqueAndValid(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.True(t, Valid(id1))
	require.True(t, Valid(id2))
	require.False(t, Valid("job-1"))
}

func TestGeneratorIDsSortByCreation(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := gen.NewID()
	require.NoError(t, err)

	require.Less(t, first, second)

	created, err := CreatedAt(second)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), created, time.Minute)
}

func TestCreatedAtRejectsOtherVersions(t *testing.T) {
	t.Parallel()

	_, err := CreatedAt("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.Error(t, err)
	_, err = CreatedAt("not-a-uuid")
	require.Error(t, err)
}

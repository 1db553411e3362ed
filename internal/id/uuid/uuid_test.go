package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewID ensures generated IDs are unique, valid, and time ordered.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.Less(t, id1, id2)
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.True(t, Valid("01890a5d-ac96-774b-bcce-b302099a8057"))
	require.False(t, Valid(""))
	require.False(t, Valid("not-a-uuid"))
	require.False(t, Valid("urn:uuid:01890a5d-ac96-774b-bcce-b302099a8057"))
}

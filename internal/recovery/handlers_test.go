package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txgate/internal/registry"
)

func TestTable_CoversShippedSeed(t *testing.T) {
	seed, err := registry.LoadSeedFile("../../configs/registry.yaml")
	require.NoError(t, err)

	table := (&Engine{}).Table()
	for _, obj := range seed.Objects {
		factory, ok := table[obj.Name]
		require.True(t, ok, "no handler for object %s", obj.Name)
		caps, err := factory()
		require.NoError(t, err)
		for _, m := range obj.Methods {
			assert.Contains(t, caps, m.Name, "%s.%s", obj.Name, m.Name)
		}
	}
}

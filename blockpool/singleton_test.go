package blockpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingletonLifecycle(t *testing.T) {
	defer DestroyPool()

	require.NoError(t, InitPool(testConfig(), fakeRegister))
	assert.ErrorIs(t, InitPool(testConfig(), fakeRegister), ErrInvalidArgument)

	ptr, err := AllocBlock(4096)
	require.NoError(t, err)
	assert.NotZero(t, RegionID(ptr))

	require.NoError(t, DeallocBlock(ptr))

	DestroyPool()

	_, err = AllocBlock(4096)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

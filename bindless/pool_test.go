package bindless

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolPrefersMostRecentlyReleased(t *testing.T) {
	pool := NewSlotPool(16)

	for i := uint32(0); i < 5; i++ {
		index, err := pool.Allocate()
		require.NoError(t, err)
		require.Equal(t, i, index)
	}

	require.NoError(t, pool.Release(1))
	require.NoError(t, pool.Release(3))

	index, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint32(3), index)

	index, err = pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint32(1), index)

	index, err = pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint32(5), index)
	require.NoError(t, pool.Validate())
}

func TestSlotPoolDoubleFree(t *testing.T) {
	pool := NewSlotPool(4)

	index, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, pool.Release(index))

	err = pool.Release(index)
	require.True(t, errors.Is(err, ErrDoubleFree))

	err = pool.Release(3)
	require.True(t, errors.Is(err, ErrDoubleFree))
	require.Equal(t, 1, pool.Free())
	require.NoError(t, pool.Validate())
}

func TestSlotPoolExhausted(t *testing.T) {
	pool := NewSlotPool(2)

	_, err := pool.Allocate()
	require.NoError(t, err)
	_, err = pool.Allocate()
	require.NoError(t, err)

	_, err = pool.Allocate()
	require.True(t, errors.Is(err, ErrSlotPoolExhausted))

	require.NoError(t, pool.Release(0))
	index, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint32(0), index)
	require.Equal(t, uint32(2), pool.HighWater())
}

func TestSlotPoolRandomizedUniqueness(t *testing.T) {
	const capacity = 512
	pool := NewSlotPool(capacity)
	random := rand.New(rand.NewSource(1))

	model := make(map[uint32]struct{})
	var live []uint32

	for step := 0; step < 20000; step++ {
		if len(live) == 0 || (len(live) < capacity && random.Intn(3) > 0) {
			index, err := pool.Allocate()
			require.NoError(t, err)
			require.Less(t, index, uint32(capacity))

			_, taken := model[index]
			require.False(t, taken, "slot %d handed out twice", index)
			model[index] = struct{}{}
			live = append(live, index)
			continue
		}

		victim := random.Intn(len(live))
		index := live[victim]
		live[victim] = live[len(live)-1]
		live = live[:len(live)-1]
		delete(model, index)

		require.NoError(t, pool.Release(index))
	}

	require.Equal(t, len(model), pool.Live())
	for index := range model {
		require.True(t, pool.IsLive(index))
	}
	require.NoError(t, pool.Validate())
}

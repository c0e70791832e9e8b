package utils_test

import (
	"sync"
	"testing"
	"time"

	"nervus-backend/internal/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holdFor(t *testing.T, m *utils.MutexMap, key string, d time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	if err := m.Lock(key); err != nil {
		t.Errorf("error locking key %s: %v", key, err)
		return
	}
	time.Sleep(d)
	assert.NoError(t, m.Unlock(key))
}

func TestMutexMapSameKeyRunsSequentially(t *testing.T) {
	m := utils.NewMutexMap(10)
	hold := 100 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	go holdFor(t, m, "run-a", hold, &wg)
	go holdFor(t, m, "run-a", hold, &wg)
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*hold)
}

func TestMutexMapDifferentKeysRunConcurrently(t *testing.T) {
	m := utils.NewMutexMap(10)
	hold := 200 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	go holdFor(t, m, "run-a", hold, &wg)
	go holdFor(t, m, "run-b", hold, &wg)
	wg.Wait()

	assert.Less(t, time.Since(start), 2*hold)
}

func TestMutexMapErrors(t *testing.T) {
	m := utils.NewMutexMap(1)

	require.NoError(t, m.Lock("run-a"))
	assert.ErrorIs(t, m.Lock("run-b"), utils.ErrMutexMapFull)

	require.NoError(t, m.Unlock("run-a"))
	assert.Error(t, m.Unlock("run-a"))

	require.NoError(t, m.Lock("run-b"))
	require.NoError(t, m.Unlock("run-b"))
}

package lowcode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDelta(t *testing.T) {
	var added, removed []string
	q := NewQueues([]string{"q1"}, func(a, r []string) {
		added, removed = a, r
	})

	require.NoError(t, q.Apply([]byte(`{"added":["q2","q3"],"removed":["q1"]}`)))
	assert.Equal(t, []string{"q2", "q3"}, added)
	assert.Equal(t, []string{"q1"}, removed)
	assert.Equal(t, []string{"q2", "q3"}, q.List())
	assert.True(t, q.Contains("q2"))
	assert.False(t, q.Contains("q1"))
}

func TestApplyFullSet(t *testing.T) {
	var added, removed []string
	q := NewQueues([]string{"q1", "q2"}, func(a, r []string) {
		added, removed = a, r
	})

	require.NoError(t, q.Apply([]byte(`{"queue_names":["q2","q4"]}`)))
	assert.Equal(t, []string{"q4"}, added)
	assert.Equal(t, []string{"q1"}, removed)
	assert.Equal(t, []string{"q2", "q4"}, q.List())
}

func TestApplyNoChangeSkipsCallback(t *testing.T) {
	called := false
	q := NewQueues([]string{"q1"}, func(a, r []string) { called = true })

	require.NoError(t, q.Apply([]byte(`{"added":["q1"],"removed":["other"]}`)))
	assert.False(t, called)
}

func TestApplyIgnoresEmptyNames(t *testing.T) {
	q := NewQueues(nil, nil)
	require.NoError(t, q.Apply([]byte(`{"added":["", "q1"]}`)))
	assert.Equal(t, []string{"q1"}, q.List())

	require.NoError(t, q.Apply([]byte(`{"queue_names":["", "q2"]}`)))
	assert.Equal(t, []string{"q2"}, q.List())
}

func TestApplyMalformed(t *testing.T) {
	q := NewQueues(nil, nil)
	require.Error(t, q.Apply([]byte(`not json`)))
}

func TestEnabled(t *testing.T) {
	q := NewQueues(nil, nil)
	assert.False(t, q.Enabled())

	require.NoError(t, q.Apply([]byte(`{"added":["q1"]}`)))
	assert.True(t, q.Enabled())

	require.NoError(t, q.Apply([]byte(`{"removed":["q1"]}`)))
	assert.False(t, q.Enabled())
}

func TestConcurrentApply(t *testing.T) {
	q := NewQueues(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			q.Apply([]byte(`{"added":["q1"]}`))
		}()
		go func() {
			defer wg.Done()
			q.Apply([]byte(`{"removed":["q1"]}`))
		}()
	}
	wg.Wait()
	// the set must end in a consistent state either way
	assert.LessOrEqual(t, len(q.List()), 1)
}

package tally

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotDerivedFields(t *testing.T) {
	c := New()
	c.AddTotal(10)
	c.AddRetained(7)
	c.AddDropped(3)
	for i := 0; i < 4; i++ {
		c.AddCategory(true, false)
	}
	for i := 0; i < 2; i++ {
		c.AddCategory(false, true)
	}
	c.AddCategory(false, false)
	c.AddChunks(1)
	c.AddAttempts(3)
	c.IncJudgeFailure()

	s := c.Snapshot()
	assert.EqualValues(t, 10, s.Total)
	assert.EqualValues(t, 7, s.Retained)
	assert.EqualValues(t, 3, s.Dropped)
	assert.EqualValues(t, 6, s.Classified)
	assert.EqualValues(t, 4, s.Literal)
	assert.EqualValues(t, 2, s.Idiomatic)
	assert.EqualValues(t, 1, s.Unresolved)
	// 守恒关系
	assert.Equal(t, s.Total, s.Retained+s.Dropped)
	assert.Equal(t, s.Retained, s.Classified+s.Unresolved)
}

func TestConcurrentAdds(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.AddTotal(1)
				c.AddAttempts(1)
			}
		}()
	}
	wg.Wait()
	s := c.Snapshot()
	assert.EqualValues(t, 8000, s.Total)
	assert.EqualValues(t, 8000, s.Attempts)
}

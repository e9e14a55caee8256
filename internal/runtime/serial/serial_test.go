package serial

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmitRunsInOrder(t *testing.T) {
	e := New()
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		e.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	e.Wait()

	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Zero(t, e.Pending())
}

func TestPanicIsRecoveredAndReported(t *testing.T) {
	e := New()
	var recovered any
	e.OnPanic = func(r any) { recovered = r }

	ran := false
	e.Submit(func() { panic("boom") })
	e.Submit(func() { ran = true })
	e.Wait()

	assert.Equal(t, "boom", recovered)
	assert.True(t, ran)
	assert.EqualError(t, PanicError("boom"), "peerwire: callback panicked: boom")
}

func TestWaitOnIdleExecutorReturns(t *testing.T) {
	e := New()
	e.Submit(nil)
	e.Wait()
}

package quiz

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineNotifiesListenersInOrder(t *testing.T) {
	m := NewMachine(nil, zerolog.Nop())

	var phases []Phase
	m.OnChange(func(prev, next State) {
		phases = append(phases, next.Phase)
	})

	require.NoError(t, m.Apply(CurrentQuestionChanged{Question: question("q1", 2), Index: 0}))
	require.NoError(t, m.Apply(TimerTick{Remaining: 1, Index: 0}))
	require.NoError(t, m.Apply(TimerTick{Remaining: 0, Index: 0}))
	require.NoError(t, m.Apply(QuizEnded{}))

	assert.Equal(t, []Phase{PhaseQuestionActive, PhaseQuestionActive, PhaseAnswerLocked, PhaseEnded}, phases)
	assert.Equal(t, PhaseEnded, m.Snapshot().Phase)
}

func TestMachineRejectedEventsDoNotNotify(t *testing.T) {
	m := NewMachine(nil, zerolog.Nop())

	calls := 0
	m.OnChange(func(prev, next State) { calls++ })

	err := m.Apply(OptionSelected{Option: "a"})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, Initial(), m.Snapshot())
}

func TestMachineConcurrentSubmissionStartIsAtomic(t *testing.T) {
	m := NewMachine(nil, zerolog.Nop())
	require.NoError(t, m.Apply(CurrentQuestionChanged{Question: question("q1", 10), Index: 0}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Apply(SubmissionStarted{QuestionID: "q1", Option: "a"}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, m.Snapshot().Submitting)
}

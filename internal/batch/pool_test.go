package batch_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"neuroscan-backend/internal/batch"

	"github.com/stretchr/testify/assert"
)

func TestRunInPool(t *testing.T) {
	worker := func(ctx context.Context, i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	queue := make(chan int, 10)
	for i := 0; i < 10; i++ {
		queue <- i
	}
	close(queue)

	output := make(chan batch.CompletedTask[int, string], 10)
	batch.RunInPool(context.Background(), worker, queue, output, 5)

	success, errors := 0, 0
	for result := range output {
		if result.Error != nil {
			errors++
		} else {
			success++
			assert.Equal(t, fmt.Sprintf("%d-%d", result.Input, result.Input), result.Result)
		}
	}

	assert.Equal(t, 8, success)
	assert.Equal(t, 2, errors)
}

func TestRunInPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	queue := make(chan int, 4)
	for i := 0; i < 4; i++ {
		queue <- i
	}
	close(queue)

	called := false
	output := make(chan batch.CompletedTask[int, int], 4)
	batch.RunInPool(ctx, func(context.Context, int) (int, error) {
		called = true
		return 0, nil
	}, queue, output, 2)

	n := 0
	for result := range output {
		assert.ErrorIs(t, result.Error, context.Canceled)
		n++
	}
	assert.Equal(t, 4, n)
	assert.False(t, called)
}

func TestRunInPoolEmptyQueue(t *testing.T) {
	queue := make(chan int)
	close(queue)

	output := make(chan batch.CompletedTask[int, int])
	batch.RunInPool(context.Background(), func(context.Context, int) (int, error) { return 0, nil }, queue, output, 3)

	_, ok := <-output
	assert.False(t, ok)
}

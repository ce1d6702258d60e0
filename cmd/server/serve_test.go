package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"

	"fixmatch/internal/ring"
)

// drainingEngine counts everything it consumes, including what is still
// queued when it is told to stop.
func drainingEngine(consumer *ring.Consumer[int], seen *int) func(*tomb.Tomb) error {
	return func(t *tomb.Tomb) error {
		ctx := t.Context(nil)
		for {
			if _, err := consumer.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				return err
			}
			*seen++
		}
		for {
			if _, err := consumer.Read(); err != nil {
				return nil
			}
			*seen++
		}
	}
}

func TestRunStagedDrainsLateGatewayWrites(t *testing.T) {
	buf, err := ring.New[int](1024, 1)
	require.NoError(t, err)
	consumer, err := buf.CreateConsumer(0)
	require.NoError(t, err)
	producer := buf.CreateProducer()

	seen := 0
	gateway := func(ctx context.Context) error {
		<-ctx.Done()
		// A worker still finishing its frame after shutdown began.
		time.Sleep(20 * time.Millisecond)
		for i := 0; i < 100; i++ {
			assert.NoError(t, producer.Write(i))
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runStaged(ctx, gateway, []func(*tomb.Tomb) error{drainingEngine(consumer, &seen)})
	}()

	for i := 0; i < 100; i++ {
		require.NoError(t, producer.Write(i))
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("venue did not shut down")
	}
	assert.Equal(t, 200, seen)
}

func TestRunStagedEngineFailureStopsGateway(t *testing.T) {
	boom := errors.New("engine failed")
	gatewayStopped := make(chan struct{})
	gateway := func(ctx context.Context) error {
		<-ctx.Done()
		close(gatewayStopped)
		return nil
	}
	failing := func(*tomb.Tomb) error { return boom }

	err := runStaged(context.Background(), gateway, []func(*tomb.Tomb) error{failing})
	assert.ErrorIs(t, err, boom)
	select {
	case <-gatewayStopped:
	default:
		t.Fatal("gateway still running after an engine failed")
	}
}

func TestRunStagedNeedsEngines(t *testing.T) {
	err := runStaged(context.Background(), func(context.Context) error { return nil }, nil)
	assert.Error(t, err)
}

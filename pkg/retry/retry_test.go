package retry

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

func TestDo(t *testing.T) {
	finalErr := errors.New("final")

	tests := []struct {
		name        string
		maxAttempts int
		failures    int
		expCalls    int
		expErr      error
		expLevels   []logrus.Level
	}{
		{
			name:        "succeeds immediately",
			maxAttempts: 3,
			expCalls:    1,
		},
		{
			name:        "succeeds after failures",
			maxAttempts: 3,
			failures:    2,
			expCalls:    3,
			expLevels:   []logrus.Level{logrus.DebugLevel, logrus.DebugLevel},
		},
		{
			name:        "gives up",
			maxAttempts: 3,
			failures:    5,
			expCalls:    3,
			expErr:      finalErr,
			expLevels: []logrus.Level{
				logrus.DebugLevel, logrus.DebugLevel, logrus.WarnLevel},
		},
		{
			name:        "zero attempts still tries once",
			maxAttempts: 0,
			failures:    1,
			expCalls:    1,
			expErr:      finalErr,
			expLevels:   []logrus.Level{logrus.WarnLevel},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			logger, hook := logrusTest.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)

			var calls int
			err := Do(context.Background(), Config{
				MaxAttempts: test.maxAttempts,
				Log:         logger,
			}, "test", func() error {
				calls++
				if calls <= test.failures {
					return finalErr
				}
				return nil
			})

			assert.Equal(t, test.expErr, err)
			assert.Equal(t, test.expCalls, calls)

			var levels []logrus.Level
			for _, entry := range hook.AllEntries() {
				levels = append(levels, entry.Level)
				assert.Equal(t, "test", entry.Data["operation"])
			}
			assert.Equal(t, test.expLevels, levels)
		})
	}
}

func TestDoWaitsBetweenAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logger, _ := logrusTest.NewNullLogger()

	var calls int
	done := make(chan error)
	go func() {
		done <- Do(context.Background(), Config{
			MaxAttempts: 2,
			Delay:       time.Second,
			Clock:       clock,
			Log:         logger,
		}, "test", func() error {
			calls++
			if calls == 1 {
				return assert.AnError
			}
			return nil
		})
	}()

	clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("retried before the delay elapsed")
	default:
	}

	clock.Advance(time.Second)
	assert.NoError(t, <-done)
	assert.Equal(t, 2, calls)
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger, _ := logrusTest.NewNullLogger()
	var calls int
	err := Do(ctx, Config{
		MaxAttempts: 5,
		Delay:       time.Hour,
		Clock:       clockwork.NewFakeClock(),
		Log:         logger,
	}, "test", func() error {
		calls++
		return assert.AnError
	})
	assert.Equal(t, assert.AnError, err)
	assert.Equal(t, 1, calls)
}

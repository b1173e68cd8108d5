package fanout

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogSender simulates a delivery provider by logging each message. It
// rejects a fraction of recipients and can simulate provider outages.
type LogSender struct {
	logger      *zap.Logger
	delay       time.Duration
	failureRate float64
	outageRate  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// LogSenderOption configures a LogSender.
type LogSenderOption func(*LogSender)

// WithDelay sets the simulated per-recipient latency.
func WithDelay(d time.Duration) LogSenderOption {
	return func(s *LogSender) { s.delay = d }
}

// WithFailureRate sets the share of recipients that are rejected.
func WithFailureRate(rate float64) LogSenderOption {
	return func(s *LogSender) { s.failureRate = rate }
}

// WithOutageRate sets the share of sends that fail with ErrUnavailable.
func WithOutageRate(rate float64) LogSenderOption {
	return func(s *LogSender) { s.outageRate = rate }
}

// WithSeed makes the simulation deterministic.
func WithSeed(seed int64) LogSenderOption {
	return func(s *LogSender) { s.rng = rand.New(rand.NewSource(seed)) }
}

// NewLogSender creates a LogSender. By default it waits 100ms per
// recipient and rejects 5% of them.
func NewLogSender(logger *zap.Logger, opts ...LogSenderOption) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &LogSender{
		logger:      logger,
		delay:       100 * time.Millisecond,
		failureRate: 0.05,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LogSender) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, recipient string, message json.RawMessage) (bool, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.delay):
		}
	}

	if s.outageRate > 0 && s.roll() < s.outageRate {
		return false, ErrUnavailable
	}
	if s.failureRate > 0 && s.roll() < s.failureRate {
		s.logger.Warn("notification rejected", zap.String("recipient", recipient))
		return false, nil
	}

	s.logger.Info("notification sent",
		zap.String("recipient", recipient),
		zap.ByteString("message", message),
	)
	return true, nil
}

package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Protocol is the slice of the negotiation service the sweeper drives.
type Protocol interface {
	SweepTimeouts(ctx context.Context) (int, error)
}

// ConsistencyChecker surfaces dangling dispute writes. Optional.
type ConsistencyChecker interface {
	CountDanglingConflicts(ctx context.Context) (int, error)
}

// Sweeper periodically expires negotiations past their deadlines. It only
// pushes negotiations toward terminal states and is safe to run alongside
// user operations: an expiry that loses the status compare-and-swap is
// skipped, not retried.
type Sweeper struct {
	proto       Protocol
	consistency ConsistencyChecker
	interval    time.Duration
	log         logrus.FieldLogger
}

func New(proto Protocol, consistency ConsistencyChecker, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{proto: proto, consistency: consistency, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.sweepOnce(ctx)
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	expired, err := s.proto.SweepTimeouts(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweep: batch query failed")
	} else if expired > 0 {
		s.log.WithField("expired", expired).Info("sweep: expired negotiations past deadline")
	}

	if s.consistency == nil {
		return
	}
	dangling, err := s.consistency.CountDanglingConflicts(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweep: consistency check failed")
		return
	}
	if dangling > 0 {
		s.log.WithField("count", dangling).Error("sweep: conflict events without appeals detected")
	}
}

package holepunch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
)

// DefaultKeepAliveInterval stays under the 30s UDP mapping timeout common
// on consumer NATs.
const DefaultKeepAliveInterval = 15 * time.Second

// KeepAlive periodically refreshes the NAT mapping of an established path.
type KeepAlive struct {
	Interval time.Duration
	OnError  func(error)
	Logger   *logrus.Entry
}

// Run calls send every Interval until ctx is done. Errors from send are
// reported and the schedule continues.
func (k *KeepAlive) Run(ctx context.Context, send func() error) error {
	interval := k.Interval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	log := k.Logger
	if log == nil {
		log = logging.For("holepunch")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := send(); err != nil {
				log.WithError(err).Warn("Keep-alive send failed")
				if k.OnError != nil {
					k.OnError(err)
				}
			}
		}
	}
}

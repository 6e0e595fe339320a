package daemon

import (
	"context"
	"time"

	"ttp/pkg/messaging"
	"ttp/pkg/metrics"
)

// Advertiser publishes the daemon status at most once per interval.
type Advertiser struct {
	rt        *Runtime
	transport messaging.Transport
	topic     string
	interval  time.Duration
	last      time.Time
}

func NewAdvertiser(rt *Runtime, transport messaging.Transport, interval time.Duration) *Advertiser {
	return &Advertiser{
		rt:        rt,
		transport: transport,
		topic:     messaging.StatusTopic(rt.Node, rt.Name),
		interval:  interval,
	}
}

func (a *Advertiser) Topic() string {
	return a.topic
}

// SetInterval changes the spacing between advertisements and tells a
// lease-keeping transport how often the status will be refreshed.
func (a *Advertiser) SetInterval(interval time.Duration) {
	a.interval = interval
	if keeper, ok := a.transport.(messaging.LeaseKeeper); ok {
		keeper.RefreshEvery(interval)
	}
}

// LastAdvertizedAt is the zero time until the first advertisement.
func (a *Advertiser) LastAdvertizedAt() time.Time {
	return a.last
}

// MaybeAdvertize publishes the status when the interval has elapsed since
// the previous advertisement, and reports whether it did.
func (a *Advertiser) MaybeAdvertize(ctx context.Context, now time.Time) bool {
	if !a.last.IsZero() && now.Sub(a.last) < a.interval {
		return false
	}
	a.last = now

	status := "running since " + a.rt.Since()
	a.rt.Logger.Info(status, map[string]any{"topic": a.topic})

	if a.transport == nil {
		a.rt.Metrics.Advertisement(metrics.ResultSkipped)
		return true
	}

	if err := a.transport.PublishRetained(ctx, a.topic, []byte(status)); err != nil {
		a.rt.Metrics.Advertisement(metrics.ResultError)
		if messaging.IsRetryable(err) {
			a.rt.Logger.Warn("status advertisement not delivered", map[string]any{
				"topic": a.topic,
				"error": err.Error(),
			})
			return true
		}
		a.rt.Logger.Error("failed to advertise status", err, map[string]any{"topic": a.topic})
		return true
	}

	a.rt.Metrics.Advertisement(metrics.ResultOK)
	return true
}

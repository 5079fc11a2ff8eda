package alert

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a model.Alert) (model.DeliveryResult, error)
}

// DigestChannel can also deliver a batch of alerts as one message.
type DigestChannel interface {
	Channel
	SendDigest(ctx context.Context, alerts []model.Alert) (model.DeliveryResult, error)
}

// MaxAttempts is the number of delivery attempts per channel per alert.
const MaxAttempts = 3

// RetryPolicy controls attempts and jittered exponential backoff.
type RetryPolicy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetry is used when a channel is built without an explicit policy.
var DefaultRetry = RetryPolicy{
	Attempts:     MaxAttempts,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

// permanent marks a failure that retrying cannot fix (4xx, bad address).
func permanent(err error) error { return backoff.Permanent(err) }

// deliver runs send under the retry policy. On success Retries counts the
// failed attempts before it. After the last failed attempt it returns an
// IntegrationError with the service name and attempt count.
func (p RetryPolicy) deliver(ctx context.Context, service string, now func() time.Time, send func(ctx context.Context) error) (model.DeliveryResult, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = MaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0.5

	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		return struct{}{}, send(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))

	if err != nil {
		return model.DeliveryResult{Success: false, Retries: tries, Error: err.Error()},
			errs.Integration(service+" delivery failed", map[string]string{
				"service": service,
				"retries": strconv.Itoa(tries),
			}, err)
	}
	at := now().UTC()
	return model.DeliveryResult{Success: true, DeliveredAt: &at, Retries: tries - 1}, nil
}

// channelBase holds what every channel shares.
type channelBase struct {
	cfg   ChannelConfig
	retry RetryPolicy
	now   func() time.Time
}

func newBase(cfg ChannelConfig, opts []ChannelOption) channelBase {
	b := channelBase{cfg: cfg, retry: DefaultRetry, now: time.Now}
	for _, o := range opts {
		o(&b)
	}
	return b
}

func (b channelBase) Name() string { return b.cfg.Name }

func (b channelBase) settings() ChannelConfig { return b.cfg }

// ChannelOption customizes a channel.
type ChannelOption func(*channelBase)

// WithRetry overrides the retry policy.
func WithRetry(p RetryPolicy) ChannelOption {
	return func(b *channelBase) { b.retry = p }
}

// WithNow overrides the clock used for delivered_at.
func WithNow(now func() time.Time) ChannelOption {
	return func(b *channelBase) { b.now = now }
}

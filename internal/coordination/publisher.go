package coordination

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/internal/common/util"
)

const (
	publishAttempts = 3
	publishDelay    = 100 * time.Millisecond
)

// PrioritySource reports the group priorities of every engine type queue of this node.
type PrioritySource interface {
	Priorities() map[string]map[string]int
}

// Publisher writes this node's group priorities and heartbeat to the coordination store.
type Publisher struct {
	repo   PriorityRepository
	source PrioritySource
	node   string
	clock  util.Clock
	logger log.FieldLogger
}

func NewPublisher(repo PriorityRepository, source PrioritySource, node string, clock util.Clock, logger log.FieldLogger) *Publisher {
	return &Publisher{
		repo:   repo,
		source: source,
		node:   node,
		clock:  clock,
		logger: logger.WithField("node", node),
	}
}

// Publish writes every engine type's priorities and then the heartbeat. Each write is retried; failures
// for one engine type do not stop the others.
func (p *Publisher) Publish(ctx context.Context) error {
	var result *multierror.Error
	for engineType, priorities := range p.source.Priorities() {
		engineType, priorities := engineType, priorities
		err := p.retry(ctx, func() error {
			return p.repo.PublishPriorities(engineType, p.node, priorities)
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := p.retry(ctx, func() error { return p.repo.Heartbeat(p.node, p.clock.Now()) }); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Run is Publish for use as a background task.
func (p *Publisher) Run(ctx context.Context) {
	if err := p.Publish(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to publish queue priorities")
	}
}

// Withdraw removes this node from the store so peers stop comparing against it.
func (p *Publisher) Withdraw(ctx context.Context) error {
	return p.retry(ctx, func() error { return p.repo.RemoveNode(p.node) })
}

func (p *Publisher) retry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(publishAttempts),
		retry.Delay(publishDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.WithError(err).Debugf("Retrying coordination write, attempt %d", n+1)
		}),
	)
}

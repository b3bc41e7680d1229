package driver

import (
	"context"
	"time"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/types"
	"github.com/rzbill/corral/pkg/worker"
)

// Retrier runs driver calls, retrying transient failures with exponential
// backoff.
type Retrier struct {
	policy worker.RetryPolicy
	logger log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier for policy.
func NewRetrier(policy worker.RetryPolicy, logger log.Logger) *Retrier {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Retrier{
		policy: policy,
		logger: logger.WithComponent("driver"),
		sleep:  sleepCtx,
	}
}

// Do calls fn until it succeeds, returns a non-transient error or the
// attempts run out. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := r.policy.Attempts()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt == attempts {
			return err
		}

		delay := r.policy.Backoff(attempt)
		r.logger.Warn("Transient driver error, retrying",
			log.Str("op", op),
			log.Int("attempt", attempt),
			log.Duration("delay", delay),
			log.Err(err))
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithRetry decorates every call of p with r.
func WithRetry(p Provider, r *Retrier) Provider {
	return &Bundle{
		ComputeDriver: &retryingCompute{next: p.Compute(), r: r},
		LBDriver:      &retryingLB{next: p.LoadBalancer(), r: r},
	}
}

type retryingCompute struct {
	next Compute
	r    *Retrier
}

func (c *retryingCompute) CreateNode(ctx context.Context, node *types.Node) (*NodeResource, error) {
	var res *NodeResource
	err := c.r.Do(ctx, "create_node", func(ctx context.Context) error {
		var err error
		res, err = c.next.CreateNode(ctx, node)
		return err
	})
	return res, err
}

func (c *retryingCompute) DeleteNode(ctx context.Context, node *types.Node) error {
	return c.r.Do(ctx, "delete_node", func(ctx context.Context) error {
		return c.next.DeleteNode(ctx, node)
	})
}

func (c *retryingCompute) UpdateNode(ctx context.Context, node *types.Node) error {
	return c.r.Do(ctx, "update_node", func(ctx context.Context) error {
		return c.next.UpdateNode(ctx, node)
	})
}

func (c *retryingCompute) CheckNode(ctx context.Context, node *types.Node) (bool, error) {
	var healthy bool
	err := c.r.Do(ctx, "check_node", func(ctx context.Context) error {
		var err error
		healthy, err = c.next.CheckNode(ctx, node)
		return err
	})
	return healthy, err
}

type retryingLB struct {
	next LoadBalancer
	r    *Retrier
}

func (l *retryingLB) LBCreate(ctx context.Context, vip VIPSpec, pool PoolSpec, hm *HealthMonitorSpec) (*LBResources, error) {
	var res *LBResources
	err := l.r.Do(ctx, "lb_create", func(ctx context.Context) error {
		var err error
		res, err = l.next.LBCreate(ctx, vip, pool, hm)
		return err
	})
	return res, err
}

func (l *retryingLB) LBDelete(ctx context.Context, res LBResources) (string, error) {
	var msg string
	err := l.r.Do(ctx, "lb_delete", func(ctx context.Context) error {
		var err error
		msg, err = l.next.LBDelete(ctx, res)
		return err
	})
	return msg, err
}

func (l *retryingLB) MemberAdd(ctx context.Context, node *types.Node, lbID, poolID string, port int, subnet string) (string, error) {
	var id string
	err := l.r.Do(ctx, "member_add", func(ctx context.Context) error {
		var err error
		id, err = l.next.MemberAdd(ctx, node, lbID, poolID, port, subnet)
		return err
	})
	return id, err
}

func (l *retryingLB) MemberRemove(ctx context.Context, lbID, poolID, memberID string) error {
	return l.r.Do(ctx, "member_remove", func(ctx context.Context) error {
		return l.next.MemberRemove(ctx, lbID, poolID, memberID)
	})
}

package partition

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// ClientConfig bounds the retry policy of a Client.
type ClientConfig struct {
	MaxAttempts int           // attempts per request (default 10)
	BaseBackoff time.Duration // delay before the second attempt (default 10ms)
	MaxBackoff  time.Duration // upper bound of the delay (default 500ms)
}

// WithDefaults returns a copy of the config with unset fields filled in.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 10 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Client routes requests to the primary of their partition. It caches the
// primary per partition and re-resolves it when a replica answers with
// NotLeader or TermMismatch or when the transport fails.
//
// Thread-safety: All methods are thread-safe.
type Client struct {
	transport ITransport
	meta      IMetadataSource
	cfg       ClientConfig

	cache   *xsync.MapOf[primitive.PartitionID, Partition]
	lookups singleflight.Group
	next    atomic.Uint64 // round robin for sequential reads
}

// NewClient creates a client on top of a transport and a metadata source.
func NewClient(transport ITransport, meta IMetadataSource, cfg ClientConfig) *Client {
	return &Client{
		transport: transport,
		meta:      meta,
		cfg:       cfg.WithDefaults(),
		cache:     xsync.NewMapOf[primitive.PartitionID, Partition](),
	}
}

// Submit sends the request to the partition and returns the response of the
// replica that served it.
//
// Routing failures are retried with exponential backoff until the request
// succeeds, a replica answers with a terminal code, the attempts are used up
// or ctx is done. Retries send the same Data, so the idempotency token of the
// command is reused. A non success response is returned together with the
// corresponding *primitive.Error.
func (c *Client) Submit(ctx context.Context, req *Request) (*Response, error) {
	pid := req.Partition
	var (
		lastTerm primitive.Term
		lastErr  error
		hinted   bool
	)
	delay := backoff(c.cfg.BaseBackoff, c.cfg.MaxBackoff)

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.GetOrCreateCounter(`dprim_client_retries_total{partition="` + partitionLabel(pid) + `"}`).Inc()
			if !hinted {
				if err := sleep(ctx, delay()); err != nil {
					return nil, c.deadline(pid, lastTerm, lastErr, err)
				}
			}
		}
		hinted = false

		p, err := c.resolve(ctx, pid)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.deadline(pid, lastTerm, err, ctx.Err())
			}
			lastErr = err
			continue
		}
		lastTerm = max(lastTerm, p.Term)

		node, ok := c.target(p, req)
		if !ok {
			c.Invalidate(p)
			lastErr = primitive.Errorf(primitive.RetCPartitionUnavailable, "no primary in term %d", p.Term)
			continue
		}

		r := *req
		r.Term = p.Term
		resp, err := c.transport.Invoke(ctx, node, &r)
		if err != nil {
			if ctx.Err() != nil {
				// the request may have reached the primary
				return nil, primitive.Errorf(primitive.CodeOf(ctx.Err()), "request did not complete: %v", ctx.Err()).At(pid, lastTerm)
			}
			log.Debugf("%s: request to %s failed: %v", pid, node, err)
			c.Invalidate(p)
			lastErr = err
			continue
		}
		lastTerm = max(lastTerm, resp.Term)

		if resp.Code.Redirect() || resp.Code == primitive.RetCPartitionUnavailable {
			metrics.GetOrCreateCounter(`dprim_client_redirects_total{partition="` + partitionLabel(pid) + `"}`).Inc()
			c.Invalidate(p)
			if resp.Leader != primitive.NoNode && resp.Leader != node {
				c.hint(p, resp)
				hinted = true
			}
			lastErr = resp.Err(pid)
			continue
		}

		return resp, resp.Err(pid)
	}

	log.Warningf("%s: giving up after %d attempts: %v", pid, c.cfg.MaxAttempts, lastErr)
	return nil, unavailable(pid, lastTerm, lastErr)
}

// unavailable reports that no primary of pid could be reached
func unavailable(pid primitive.PartitionID, term primitive.Term, lastErr error) error {
	msg := "no reachable primary"
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	return primitive.NewError(primitive.RetCPartitionUnavailable, msg).At(pid, term)
}

// Invalidate drops the cached metadata of a partition if it still is p.
func (c *Client) Invalidate(p Partition) {
	c.cache.Compute(p.ID, func(old Partition, loaded bool) (Partition, bool) {
		if !loaded {
			return old, true
		}
		stale := old.Term == p.Term && old.Primary == p.Primary
		return old, stale
	})
}

// Cached returns the cached metadata of a partition.
func (c *Client) Cached(id primitive.PartitionID) (Partition, bool) {
	return c.cache.Load(id)
}

// resolve returns the cached metadata or looks it up. Concurrent lookups of
// the same partition are coalesced.
func (c *Client) resolve(ctx context.Context, id primitive.PartitionID) (Partition, error) {
	if p, ok := c.cache.Load(id); ok {
		return p, nil
	}
	v, err, _ := c.lookups.Do(partitionLabel(id), func() (interface{}, error) {
		p, err := c.meta.Lookup(ctx, id)
		if err != nil {
			return Partition{}, err
		}
		if p.HasPrimary() {
			c.store(p)
		}
		return p, nil
	})
	if err != nil {
		return Partition{}, err
	}
	return v.(Partition), nil
}

// store caches p unless a newer term is cached already
func (c *Client) store(p Partition) {
	c.cache.Compute(p.ID, func(old Partition, loaded bool) (Partition, bool) {
		if loaded && old.Term > p.Term {
			return old, false
		}
		return p, false
	})
}

// hint caches the primary named by a redirect
func (c *Client) hint(p Partition, resp *Response) {
	backups := make([]primitive.NodeID, 0, len(p.Backups)+1)
	for _, n := range p.Members() {
		if n != resp.Leader {
			backups = append(backups, n)
		}
	}
	c.store(Partition{
		ID:      p.ID,
		Term:    max(p.Term, resp.Term),
		Primary: resp.Leader,
		Backups: backups,
	})
}

// target picks the node that serves the request. Sequential reads prefer
// backups to take load off the primary.
func (c *Client) target(p Partition, req *Request) (primitive.NodeID, bool) {
	if req.Op == OpQuery && req.Consistency == primitive.Sequential && len(p.Backups) > 0 {
		members := p.Members()
		return members[c.next.Add(1)%uint64(len(members))], true
	}
	return p.Primary, p.HasPrimary()
}

// deadline is the error of a request whose ctx ended while no request was in
// flight. Running out of time without reaching a primary is reported as
// PartitionUnavailable, a cancellation keeps its own code.
func (c *Client) deadline(pid primitive.PartitionID, term primitive.Term, lastErr, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		if lastErr == nil {
			lastErr = cause
		}
		return unavailable(pid, term, lastErr)
	}
	return primitive.Errorf(primitive.CodeOf(cause), "request did not complete: %v", cause).At(pid, term)
}

func partitionLabel(id primitive.PartitionID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// backoff returns a generator of exponentially growing delays with jitter
func backoff(base, limit time.Duration) func() time.Duration {
	attempt := 0
	return func() time.Duration {
		d := base << attempt
		if d > limit || d <= 0 {
			d = limit
		} else {
			attempt++
		}
		// up to 25% jitter
		return d - time.Duration(rand.Int64N(int64(d)/4+1))
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

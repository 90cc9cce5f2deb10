// Package supervisor implements the external, multi-partition contract
// layered on top of a single pulsarp.PartitionProducer: given the number of
// partitions a topic has (supplied by the caller), it spawns one producer
// actor per partition, routes outgoing batches across them with a
// pluggable strategy, and restarts any actor that terminates unexpectedly
// with an exponential backoff. None of this is the partition actor's own
// concern: it generalizes a single producer-per-topic client interface to
// a fan-out of per-partition TCP actors.
package supervisor

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ntons/log-go"

	"github.com/ntons/pulsarp"
)

// Strategy selects how PickProducer chooses a partition for a batch that
// carries no explicit partition index.
type Strategy int

const (
	StrategyRandom Strategy = iota
	StrategyRoundRobin
	StrategyKeyDispatch
)

// partitionTopic generates the partition-suffixed topic string Pulsar
// brokers expect.
func partitionTopic(topic string, index int) string {
	return fmt.Sprintf("%s-partition-%d", topic, index)
}

// Router owns one PartitionProducer per partition of a topic and restarts
// any that terminate unexpectedly.
type Router struct {
	topic      string
	brokerURL  string
	strategy   Strategy
	optsOf     func(partitionTopic string) *pulsarp.ProducerOptions

	mu         sync.Mutex
	producers  []*pulsarp.PartitionProducer
	rrCounter  uint64
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is the top-level entry point a caller obtains once and uses to
// create routers.
type Client interface {
	// CreateProducer spawns numPartitions PartitionProducers for topic and
	// returns a Router that fans batches out across them.
	CreateProducer(ctx context.Context, topic string, numPartitions int, strategy Strategy, optsOf func(partitionTopic string) *pulsarp.ProducerOptions) (*Router, error)

	// Close tears down every router created by this client.
	Close()
}

type client struct {
	mu      sync.Mutex
	routers []*Router
}

// NewClient returns a Client. There is no connection to establish up
// front: partition discovery is the caller's responsibility, so
// numPartitions is supplied explicitly.
func NewClient() Client {
	return &client{}
}

func (c *client) CreateProducer(ctx context.Context, topic string, numPartitions int, strategy Strategy, optsOf func(string) *pulsarp.ProducerOptions) (*Router, error) {
	if numPartitions < 1 {
		return nil, fmt.Errorf("supervisor: numPartitions must be >= 1")
	}
	r, err := newRouter(ctx, topic, strategy, numPartitions, optsOf)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.routers = append(c.routers, r)
	c.mu.Unlock()
	return r, nil
}

func (c *client) Close() {
	c.mu.Lock()
	routers := c.routers
	c.routers = nil
	c.mu.Unlock()
	for _, r := range routers {
		r.StopAndDelete()
	}
}

func newRouter(parent context.Context, topic string, strategy Strategy, numPartitions int, optsOf func(string) *pulsarp.ProducerOptions) (*Router, error) {
	ctx, cancel := context.WithCancel(parent)
	r := &Router{
		topic:     topic,
		strategy:  strategy,
		optsOf:    optsOf,
		producers: make([]*pulsarp.PartitionProducer, numPartitions),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < numPartitions; i++ {
		p, err := pulsarp.NewPartitionProducer(optsOf(partitionTopic(topic, i)))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("supervisor: failed to start partition %d: %w", i, err)
		}
		r.producers[i] = p
		r.watch(i)
	}
	return r, nil
}

// watch restarts partition i with capped exponential backoff whenever its
// actor terminates while the router is still alive. Restart delay is
// layered strictly above the actor's own fixed 5s socket-reconnect delay —
// this backoff governs actor respawn, not socket reconnect, which the
// actor already handles internally.
func (r *Router) watch(i int) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // never give up while the router is alive
		bo.MaxInterval = 30 * time.Second

		for {
			p := r.producerAt(i)
			if p == nil {
				return
			}
			select {
			case <-p.Done():
			case <-r.ctx.Done():
				return
			}

			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}

			delay := bo.NextBackOff()
			log.Warnf("supervisor: %s: partition %d producer terminated, restarting in %s", r.topic, i, delay)
			select {
			case <-time.After(delay):
			case <-r.ctx.Done():
				return
			}

			np, err := pulsarp.NewPartitionProducer(r.optsOf(partitionTopic(r.topic, i)))
			if err != nil {
				log.Warnf("supervisor: %s: partition %d restart failed: %v", r.topic, i, err)
				continue
			}
			bo.Reset()
			r.mu.Lock()
			r.producers[i] = np
			r.mu.Unlock()
		}
	}()
}

func (r *Router) producerAt(i int) *pulsarp.PartitionProducer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || i >= len(r.producers) {
		return nil
	}
	return r.producers[i]
}

// PickProducer selects a partition producer for a batch carrying the given
// routing key (nil for random/roundrobin strategies).
func (r *Router) PickProducer(key []byte) *pulsarp.PartitionProducer {
	r.mu.Lock()
	n := len(r.producers)
	strategy := r.strategy
	r.mu.Unlock()
	if n == 0 {
		return nil
	}

	var idx int
	switch strategy {
	case StrategyRoundRobin:
		r.mu.Lock()
		idx = int(r.rrCounter % uint64(n))
		r.rrCounter++
		r.mu.Unlock()
	case StrategyKeyDispatch:
		if len(key) == 0 {
			idx = 0
		} else {
			h := fnv.New32a()
			h.Write(key)
			idx = int(h.Sum32() % uint32(n))
		}
	default: // StrategyRandom
		idx = rand.Intn(n)
	}

	return r.producerAt(idx)
}

// StopAndDelete terminates every partition producer this router owns and
// prevents further restarts.
func (r *Router) StopAndDelete() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	producers := append([]*pulsarp.PartitionProducer{}, r.producers...)
	r.mu.Unlock()

	r.cancel()
	for _, p := range producers {
		if p != nil {
			p.Close()
		}
	}
	r.wg.Wait()
}

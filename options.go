package pulsarp

import "time"

// ProducerOption configures a PartitionProducer at construction time,
// following the functional-options pattern used throughout this codebase.
type ProducerOption interface {
	apply(*ProducerOptions)
}

type producerOptionFunc func(*ProducerOptions)

func (f producerOptionFunc) apply(o *ProducerOptions) { f(o) }

// TCPOpts carries the socket options applied on dial. NewProducerOptions
// starts from defaultTCPOpts; WithTCPOpts replaces the whole struct, so
// fields left zero are not filled in from the defaults.
type TCPOpts struct {
	NoDelay      bool
	SendBufBytes int
	RecvBufBytes int
}

var defaultTCPOpts = TCPOpts{
	NoDelay:      true,
	SendBufBytes: 64 * 1024,
	RecvBufBytes: 64 * 1024,
}

// ProducerOptions is the fully resolved configuration for one
// PartitionProducer. Use NewProducerOptions to obtain one with defaults
// applied, then apply ProducerOption values over it.
type ProducerOptions struct {
	// PartitionTopic is the full topic string including partition suffix.
	PartitionTopic string

	// BrokerURL is the pulsar://host:port of the owning broker.
	BrokerURL string

	// BatchSize bounds the number of messages coalesced per send. 0 or 1
	// disables coalescing (every Send is its own batch).
	BatchSize int

	// Callback receives one invocation per completed batch sent via Send
	// (never for SendSync, whose result is returned to the caller
	// directly). May be nil.
	Callback func(SendReceipt, error)

	TCPOpts TCPOpts

	// ConnectTimeout and SendTimeout bound the blocking socket operations.
	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	// ReconnectDelay is the fixed backoff between tcp_closed and the next
	// connecting attempt.
	ReconnectDelay time.Duration

	// KeepAliveInterval is the period between client-initiated pings.
	KeepAliveInterval time.Duration

	// ReplayDir enables a disk-backed durable queue at this directory. If
	// empty, the producer uses a mem-only queue.
	ReplayDir string
	// ReplaySegBytes bounds the size of one queue segment file.
	ReplaySegBytes int64
	// ReplayOffloadMode, if true, bypasses RAM fronting for the disk queue.
	ReplayOffloadMode bool
	// ReplayMaxTotalBytes is passed to the queue configuration; neither
	// queue implementation enforces it, so queue size is not capped.
	ReplayMaxTotalBytes int64
	// RetentionPeriod, when non-zero, starts the disk queue's janitor,
	// which runs value-log GC every RetentionPeriod/4. No message is dropped
	// by age, acked or not; a mem-only queue ignores the setting.
	RetentionPeriod time.Duration

	// Compression applied at the batch level before framing.
	Compression CompressionType
}

// NewProducerOptions returns options with the core's defaults applied.
func NewProducerOptions(partitionTopic, brokerURL string, opts ...ProducerOption) *ProducerOptions {
	o := &ProducerOptions{
		PartitionTopic:    partitionTopic,
		BrokerURL:         brokerURL,
		BatchSize:         1,
		TCPOpts:           defaultTCPOpts,
		ConnectTimeout:    60 * time.Second,
		SendTimeout:       60 * time.Second,
		ReconnectDelay:    5 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		Compression:       NoCompression,
	}
	for _, opt := range opts {
		opt.apply(o)
	}
	return o
}

func (o *ProducerOptions) validate() error {
	if len(o.PartitionTopic) == 0 {
		return newInvalidArgumentError("pulsarp: PartitionTopic must be specified")
	}
	if len(o.BrokerURL) == 0 {
		return newInvalidArgumentError("pulsarp: BrokerURL must be specified")
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	return nil
}

func WithBatchSize(n int) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.BatchSize = n })
}

func WithCallback(cb func(SendReceipt, error)) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.Callback = cb })
}

func WithTCPOpts(t TCPOpts) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.TCPOpts = t })
}

func WithReplayDir(dir string) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.ReplayDir = dir })
}

func WithReplaySegBytes(n int64) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.ReplaySegBytes = n })
}

func WithReplayOffloadMode(on bool) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.ReplayOffloadMode = on })
}

func WithReplayMaxTotalBytes(n int64) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.ReplayMaxTotalBytes = n })
}

func WithRetentionPeriod(d time.Duration) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.RetentionPeriod = d })
}

func WithCompression(t CompressionType) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.Compression = t })
}

func WithReconnectDelay(d time.Duration) ProducerOption {
	return producerOptionFunc(func(o *ProducerOptions) { o.ReconnectDelay = d })
}

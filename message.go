package pulsarp

import "time"

// Message is a single record accepted by a PartitionProducer. Only Key and
// Value are interpreted by the wire codec; Properties and EventTime ride
// along as metadata the broker stores but the core never inspects.
type Message interface {
	Key() []byte
	Value() []byte
	Properties() map[string]string
	EventTime() time.Time
}

// ProducerMessage is the concrete Message implementation constructed by
// callers of Send / SendSync.
type ProducerMessage struct {
	XKey        []byte
	XValue      []byte
	XProperties map[string]string
	XEventTime  time.Time
}

var _ Message = (*ProducerMessage)(nil)

func (m *ProducerMessage) Key() []byte                    { return m.XKey }
func (m *ProducerMessage) Value() []byte                  { return m.XValue }
func (m *ProducerMessage) Properties() map[string]string  { return m.XProperties }
func (m *ProducerMessage) EventTime() time.Time           { return m.XEventTime }

// entry is a coalesced group of messages accepted into a single batch at a
// given enqueue time. The actor builds every InflightRequest, including one
// recovered from the durable backlog, with exactly one entry; the Entries
// slice is what the message-count and snapshot code iterate over.
type entry struct {
	enqueuedAt time.Time
	messages   []Message
}

func (e entry) count() int { return len(e.messages) }

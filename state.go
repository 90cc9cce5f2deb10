package pulsarp

import "time"

// legacyInFlightSlots bounds the legacy tuple state's in-flight list: code
// predating durable queues kept a small fixed number of slots rather than
// an open-ended backlog.
const legacyInFlightSlots = 16

// InFlightEntry is one coalesced group of messages within an in-flight
// request, as carried by a ProducerState snapshot. Only the message count
// survives into a snapshot: the payloads are already durably spooled and
// reply channels can never cross a state round-trip.
type InFlightEntry struct {
	EnqueuedAt   time.Time
	MessageCount int
}

// InFlightSnapshot is the current schema's view of one in-flight request.
type InFlightSnapshot struct {
	SequenceID uint64
	Entries    []InFlightEntry
}

func (s InFlightSnapshot) messageCount() int {
	n := 0
	for _, e := range s.Entries {
		n += e.MessageCount
	}
	return n
}

// LegacyInflightRequest is the fixed, count-only in-flight shape used by
// code predating durable queues: a sequence id and a total message count,
// with no per-entry breakdown and no ack reference.
type LegacyInflightRequest struct {
	SequenceID        uint64
	TotalMessageCount int
}

// DowngradeInflightRequest narrows a live InflightRequest straight to its
// legacy shape. TotalMessageCount is the sum of every entry's message
// count, matching what DowngradeState does to a snapshot's InFlightSnapshot
// list.
func DowngradeInflightRequest(r *InflightRequest) LegacyInflightRequest {
	return LegacyInflightRequest{SequenceID: r.SequenceID, TotalMessageCount: r.messageCount()}
}

// ProducerState is a point-in-time snapshot of a running PartitionProducer,
// as returned by Snapshot. It is the current schema: a durable queue
// directory (empty when mem-only) and a retention period alongside the
// identity and sequencing fields every schema has carried.
type ProducerState struct {
	PartitionTopic  string
	BrokerURL       string
	ProducerID      uint64
	ProducerName    string
	RequestID       uint64
	SequenceID      uint64
	DurableQueueDir string
	RetentionPeriod time.Duration
	InFlight        []InFlightSnapshot
}

// LegacyProducerState is the fixed-slot-count state shape used by code
// predating durable queues: no queue directory, no retention knob, and a
// bounded number of in-flight slots rather than an open-ended list.
type LegacyProducerState struct {
	PartitionTopic string
	BrokerURL      string
	ProducerID     uint64
	ProducerName   string
	RequestID      uint64
	SequenceID     uint64
	InFlight       [legacyInFlightSlots]LegacyInflightRequest
	InFlightCount  int
}

// DowngradeState converts a current-schema snapshot into the legacy tuple
// shape: DurableQueueDir and RetentionPeriod are dropped since the legacy
// schema has no fields for them, and in-flight requests beyond
// legacyInFlightSlots are dropped. InFlight is already in ascending
// sequence_id order (see requestTable.iterSorted), so the ones kept are
// the ones that would be replayed soonest.
func DowngradeState(s ProducerState) LegacyProducerState {
	legacy := LegacyProducerState{
		PartitionTopic: s.PartitionTopic,
		BrokerURL:      s.BrokerURL,
		ProducerID:     s.ProducerID,
		ProducerName:   s.ProducerName,
		RequestID:      s.RequestID,
		SequenceID:     s.SequenceID,
	}
	n := len(s.InFlight)
	if n > legacyInFlightSlots {
		n = legacyInFlightSlots
	}
	for i := 0; i < n; i++ {
		legacy.InFlight[i] = LegacyInflightRequest{
			SequenceID:        s.InFlight[i].SequenceID,
			TotalMessageCount: s.InFlight[i].messageCount(),
		}
	}
	legacy.InFlightCount = n
	return legacy
}

// UpgradeState converts a legacy tuple state into the current schema: a
// fresh mem-only durable queue (DurableQueueDir == "") and an unbounded
// RetentionPeriod (0), since the legacy shape carried neither. Each
// recovered in-flight request comes back as a single synthetic entry,
// since the legacy shape only ever kept the total count.
func UpgradeState(legacy LegacyProducerState) ProducerState {
	inflight := make([]InFlightSnapshot, 0, legacy.InFlightCount)
	for i := 0; i < legacy.InFlightCount; i++ {
		li := legacy.InFlight[i]
		inflight = append(inflight, InFlightSnapshot{
			SequenceID: li.SequenceID,
			Entries:    []InFlightEntry{{MessageCount: li.TotalMessageCount}},
		})
	}
	return ProducerState{
		PartitionTopic:  legacy.PartitionTopic,
		BrokerURL:       legacy.BrokerURL,
		ProducerID:      legacy.ProducerID,
		ProducerName:    legacy.ProducerName,
		RequestID:       legacy.RequestID,
		SequenceID:      legacy.SequenceID,
		DurableQueueDir: "",
		RetentionPeriod: 0,
		InFlight:        inflight,
	}
}

package pulsarp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func liveStateWithQueue() ProducerState {
	return ProducerState{
		PartitionTopic:  "t-partition-0",
		BrokerURL:       "pulsar://broker:6650",
		ProducerID:      1,
		ProducerName:    "p-1",
		RequestID:       3,
		SequenceID:      9,
		DurableQueueDir: "/var/lib/pulsarp/t-partition-0",
		RetentionPeriod: time.Second,
		InFlight: []InFlightSnapshot{
			{SequenceID: 8, Entries: []InFlightEntry{{MessageCount: 2}, {MessageCount: 1}}},
			{SequenceID: 9, Entries: []InFlightEntry{{MessageCount: 5}}},
		},
	}
}

// Scenario 4: code downgrade. A live state carrying a durable_queue and a
// non-zero RetentionPeriod is downgraded to the legacy tuple shape, which
// has no slot for either.
func TestDowngradeStateDropsDurableQueueFields(t *testing.T) {
	live := liveStateWithQueue()

	legacy := DowngradeState(live)

	require.Equal(t, live.PartitionTopic, legacy.PartitionTopic)
	require.Equal(t, live.SequenceID, legacy.SequenceID)
	require.Equal(t, 2, legacy.InFlightCount)
	require.Equal(t, uint64(8), legacy.InFlight[0].SequenceID)
	require.Equal(t, 3, legacy.InFlight[0].TotalMessageCount)
	require.Equal(t, uint64(9), legacy.InFlight[1].SequenceID)
	require.Equal(t, 5, legacy.InFlight[1].TotalMessageCount)
}

// Scenario 5: code upgrade. A legacy tuple state is upgraded; the
// resulting state gets a mem-only durable_queue (empty dir) and
// RetentionPeriod reset to 0 (infinite), since the legacy shape never
// carried either.
func TestUpgradeStateInstallsMemOnlyQueue(t *testing.T) {
	legacy := DowngradeState(liveStateWithQueue())

	upgraded := UpgradeState(legacy)

	require.Equal(t, "", upgraded.DurableQueueDir)
	require.Equal(t, time.Duration(0), upgraded.RetentionPeriod)
	require.Equal(t, legacy.PartitionTopic, upgraded.PartitionTopic)
	require.Equal(t, legacy.SequenceID, upgraded.SequenceID)
	require.Len(t, upgraded.InFlight, legacy.InFlightCount)
	require.Equal(t, legacy.InFlight[0].TotalMessageCount, upgraded.InFlight[0].messageCount())
}

// State-record round-trip: DowngradeState then UpgradeState yields the same
// attributes the live state exposed, modulo the fields the legacy shape
// cannot carry (durable_queue dir and RetentionPeriod, and the per-entry
// breakdown of each in-flight request collapses to one synthetic entry).
func TestStateRoundTripPreservesCommonAttributes(t *testing.T) {
	live := liveStateWithQueue()

	roundTripped := UpgradeState(DowngradeState(live))

	require.Equal(t, live.PartitionTopic, roundTripped.PartitionTopic)
	require.Equal(t, live.BrokerURL, roundTripped.BrokerURL)
	require.Equal(t, live.ProducerID, roundTripped.ProducerID)
	require.Equal(t, live.ProducerName, roundTripped.ProducerName)
	require.Equal(t, live.RequestID, roundTripped.RequestID)
	require.Equal(t, live.SequenceID, roundTripped.SequenceID)
	require.Len(t, roundTripped.InFlight, len(live.InFlight))
	for i, want := range live.InFlight {
		require.Equal(t, want.SequenceID, roundTripped.InFlight[i].SequenceID)
		require.Equal(t, want.messageCount(), roundTripped.InFlight[i].messageCount())
	}
}

// Request-set downgrade: converting a live InflightRequest to its legacy
// shape yields a total that equals the sum of the lengths of all message
// groups (entries) it carried.
func TestDowngradeInflightRequestSumsEntryCounts(t *testing.T) {
	req := &InflightRequest{
		SequenceID: 42,
		Entries: []entry{
			{messages: []Message{&ProducerMessage{}, &ProducerMessage{}}},
			{messages: []Message{&ProducerMessage{}}},
		},
	}

	legacy := DowngradeInflightRequest(req)

	require.Equal(t, uint64(42), legacy.SequenceID)
	require.Equal(t, 3, legacy.TotalMessageCount)
}

// TestDowngradeStateTruncatesExcessSlots covers the legacy tuple's bounded
// slot count: requests beyond legacyInFlightSlots are dropped rather than
// overflowing the fixed array, keeping the ones in ascending sequence_id
// order (soonest to replay).
func TestDowngradeStateTruncatesExcessSlots(t *testing.T) {
	live := ProducerState{PartitionTopic: "t", BrokerURL: "pulsar://b:6650"}
	for i := 0; i < legacyInFlightSlots+5; i++ {
		live.InFlight = append(live.InFlight, InFlightSnapshot{
			SequenceID: uint64(i + 1),
			Entries:    []InFlightEntry{{MessageCount: 1}},
		})
	}

	legacy := DowngradeState(live)

	require.Equal(t, legacyInFlightSlots, legacy.InFlightCount)
	require.Equal(t, uint64(1), legacy.InFlight[0].SequenceID)
	require.Equal(t, uint64(legacyInFlightSlots), legacy.InFlight[legacyInFlightSlots-1].SequenceID)
}

// Scenario 4/5 end to end against a running actor: Snapshot reflects the
// live durable-queue configuration, and a Reconfigure in place (the
// code-upgrade path distinct from the cross-schema DowngradeState/
// UpgradeState round-trip) takes effect without tearing the actor down.
func TestSnapshotAndReconfigureAgainstRunningActor(t *testing.T) {
	broker := newFakeBroker(t)
	defer broker.close()

	p := newTestProducer(t, broker, WithRetentionPeriod(time.Second))

	before, err := p.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "", before.DurableQueueDir)
	require.Equal(t, time.Second, before.RetentionPeriod)

	legacy := DowngradeState(before)
	require.Equal(t, before.PartitionTopic, legacy.PartitionTopic)

	require.NoError(t, p.Reconfigure(NewProducerOptions(
		before.PartitionTopic, before.BrokerURL,
		WithReconnectDelay(50*time.Millisecond),
		WithRetentionPeriod(2*time.Second),
	)))

	after, err := p.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, after.RetentionPeriod)

	err = p.Reconfigure(NewProducerOptions("other-topic", before.BrokerURL))
	require.Error(t, err)
}

// Command pulsarp-produce is a minimal demonstration of wiring a
// PartitionProducer end to end: load configuration from the environment,
// construct a producer, and publish one message synchronously. It exists
// to show the wiring, not as a supported CLI surface.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ntons/log-go"
	logcfg "github.com/ntons/log-go/config"

	"github.com/ntons/pulsarp"
)

type envConfig struct {
	BrokerURL      string        `env:"PULSARP_BROKER_URL" envDefault:"pulsar://127.0.0.1:6650"`
	Topic          string        `env:"PULSARP_TOPIC,required"`
	Partition      int           `env:"PULSARP_PARTITION" envDefault:"0"`
	ReplayDir      string        `env:"PULSARP_REPLAY_DIR"`
	RetentionSecs  int           `env:"PULSARP_RETENTION_SECS" envDefault:"0"`
	BatchSize      int           `env:"PULSARP_BATCH_SIZE" envDefault:"1"`
	Payload        string        `env:"PULSARP_PAYLOAD" envDefault:"hello"`
	PublishTimeout time.Duration `env:"PULSARP_PUBLISH_TIMEOUT" envDefault:"5s"`
}

func main() {
	logcfg.DefaultZapConsoleConfig.Use()

	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("pulsarp-produce: failed to parse config: %v", err)
	}

	topic := fmt.Sprintf("%s-partition-%d", cfg.Topic, cfg.Partition)
	opts := pulsarp.NewProducerOptions(topic, cfg.BrokerURL,
		pulsarp.WithBatchSize(cfg.BatchSize),
		pulsarp.WithReplayDir(cfg.ReplayDir),
		pulsarp.WithRetentionPeriod(time.Duration(cfg.RetentionSecs)*time.Second),
	)

	producer, err := pulsarp.NewPartitionProducer(opts)
	if err != nil {
		log.Fatalf("pulsarp-produce: failed to start producer: %v", err)
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PublishTimeout)
	defer cancel()

	receipt, err := producer.SendSync(ctx, &pulsarp.ProducerMessage{XValue: []byte(cfg.Payload)})
	if err != nil {
		log.Errorf("pulsarp-produce: publish failed: %v", err)
		os.Exit(1)
	}
	log.Infof("pulsarp-produce: published seq=%d message_id=%s", receipt.SequenceID, receipt.MessageID)
}

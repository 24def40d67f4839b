package kafka

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/plugin"
	"github.com/segmentio/kafka-go"
)

func Plugin() plugin.Plugin {
	return new(kafkaPlugin)
}

type kafkaPlugin struct{}

func (*kafkaPlugin) ID() string {
	return "kafka"
}

func (*kafkaPlugin) Stopping() error {
	return nil
}

func parseAcks(s string) (kafka.RequiredAcks, error) {
	switch s {
	case "", "all":
		return kafka.RequireAll, nil
	case "one":
		return kafka.RequireOne, nil
	case "none":
		return kafka.RequireNone, nil
	}
	return kafka.RequireAll, fmt.Errorf("%w: option 'acks' must be one of all, one or none, got '%s'", plugin.ErrArgs, s)
}

func (*kafkaPlugin) Register(reg *plugin.Registration) {
	reg.RegisterSink("kafka", "Topic", func(log hclog.Logger, args plugin.Args) (dispatch.Sink, error) {
		brokers, err := args.Strings("brokers")
		if err != nil {
			return nil, err
		}
		topic, err := args.Require("topic")
		if err != nil {
			return nil, err
		}
		key, err := args.StringOr("key", "")
		if err != nil {
			return nil, err
		}
		format, err := args.StringOr("format", "")
		if err != nil {
			return nil, err
		}
		acksOpt, err := args.StringOr("acks", "")
		if err != nil {
			return nil, err
		}
		acks, err := parseAcks(acksOpt)
		if err != nil {
			return nil, err
		}
		batchBytes, err := args.IntOr("batch_bytes", DefaultBatchBytes)
		if err != nil {
			return nil, err
		}
		return NewSink(log, Config{
			Brokers:    brokers,
			Topic:      topic,
			Key:        key,
			Format:     format,
			BatchBytes: int64(batchBytes),
			Acks:       acks,
		})
	})
	reg.DocumentSink("kafka", "Topic", `kafka.Topic
  brokers     = [HOST:PORT, ...]
  topic       = TOPIC
  key         = FIELD (optional)
  format      = json|msgpack (optional)
  acks        = all|one|none (optional)
  batch_bytes = BYTES (optional)

This sink publishes each log entry as a message to a Kafka topic, writing each batch synchronously.
The topic may contain {rule} to publish the records of each rule to their own topic, and topics are created if the cluster allows it.
If key is given, the value of that field is used as the message key, so records with the same key land in the same partition.
Records are encoded as JSON unless format is msgpack. The default acks of all waits for every in-sync replica.`)
}

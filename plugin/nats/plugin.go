package nats

import (
	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/plugin"
)

func Plugin() plugin.Plugin {
	return new(natsPlugin)
}

type natsPlugin struct{}

func (*natsPlugin) ID() string {
	return "nats"
}

func (*natsPlugin) Stopping() error {
	return nil
}

func (*natsPlugin) Register(reg *plugin.Registration) {
	reg.RegisterSink("nats", "Subject", func(log hclog.Logger, args plugin.Args) (dispatch.Sink, error) {
		url, err := args.StringOr("url", "")
		if err != nil {
			return nil, err
		}
		subject, err := args.Require("subject")
		if err != nil {
			return nil, err
		}
		format, err := args.StringOr("format", "")
		if err != nil {
			return nil, err
		}
		js, err := args.BoolOr("jetstream", false)
		if err != nil {
			return nil, err
		}
		return NewSink(log, Config{
			URL:       url,
			Subject:   subject,
			Format:    format,
			JetStream: js,
		})
	})
	reg.DocumentSink("nats", "Subject", `nats.Subject
  url       = NATS_URL (optional)
  subject   = SUBJECT
  format    = json|msgpack (optional)
  jetstream = true|false (optional)

This sink publishes each log entry as a message to a NATS subject, defaulting to a server on localhost.
The subject may contain {rule} to publish the records of each rule to their own subject, and every message carries the rule name in the Nomroute-Rule header.
If jetstream is true, each message must be acknowledged by a JetStream stream already bound to the subject.
Otherwise, a batch is considered written once it's handed to the connection, and the connection is flushed when the destination goes idle.`)
}

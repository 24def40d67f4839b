package file

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
	"github.com/saylorsolutions/nomroute/plugin"
)

func Plugin() plugin.Plugin {
	return new(filePlugin)
}

type filePlugin struct{}

func (*filePlugin) ID() string {
	return "file"
}

func (*filePlugin) Stopping() error {
	return nil
}

type sourceFunc = func(ctx context.Context, filename string) (iterator.Iterator, error)

// withOptions applies the join and tag options shared by the file sources.
func withOptions(open sourceFunc) plugin.SourceFunc {
	return func(ctx context.Context, _ hclog.Logger, args plugin.Args) (iterator.Iterator, error) {
		path, err := args.Require("path")
		if err != nil {
			return nil, err
		}
		join, err := args.Strings("join")
		if err != nil {
			return nil, err
		}
		tag, err := args.StringOr("tag", "")
		if err != nil {
			return nil, err
		}
		iter, err := open(ctx, path)
		if err != nil {
			return nil, err
		}
		if len(join) > 0 {
			joined, err := iterator.Joiner(iter, join...)
			if err != nil {
				iterator.Drain(iter)
				return nil, err
			}
			iter = joined
		}
		if len(tag) > 0 {
			iter = iterator.Tag(iter, tag)
		}
		return iter, nil
	}
}

func (*filePlugin) Register(reg *plugin.Registration) {
	reg.RegisterSource("file", "Tail", withOptions(TailSource))
	reg.DocumentSource("file", "Tail", `file.Tail
  path = FILE_NAME
  join = [START_PATTERN, ...] (optional)
  tag  = TAG (optional)

This source will watch the file specified by path for changes, producing a new log entry for each new line.
Just like the file.File source, structured or unstructured data may be read.
If join patterns are given, lines that don't match any of the regular expressions are appended to the message of the last line that did.
If tag is given, it's appended to the @tag field of every entry.`)
	reg.RegisterSource("file", "File", withOptions(Source))
	reg.DocumentSource("file", "File", `file.File
  path = FILE_NAME
  join = [START_PATTERN, ...] (optional)
  tag  = TAG (optional)

This source will read each line of the file specified by path, emitting a log entry for each one, and ends at the end of the file.
If the line represents a valid JSON document, then it will be emitted as-is except with additional fields specifying read timing.
Otherwise, the line is added as-is to a log entry with a field "@message" containing the original line.`)
	reg.RegisterSink("file", "File", func(log hclog.Logger, args plugin.Args) (dispatch.Sink, error) {
		path, err := args.Require("path")
		if err != nil {
			return nil, err
		}
		perms, err := args.FileMode("mode", 0600)
		if err != nil {
			return nil, err
		}
		compress, err := args.BoolOr("gzip", false)
		if err != nil {
			return nil, err
		}
		return NewSink(log, path, perms, compress), nil
	})
	reg.DocumentSink("file", "File", `file.File
  path = FILE_NAME
  mode = FILE_MODE (optional)
  gzip = true|false (optional)

This sink will append each log entry as a JSON document on a single line to a file specified by path, creating it if necessary.
The path may contain {rule} to write the records of each rule to their own file.
If mode is specified, and it's a string representing a valid octal file mode like "644", then this mode will be used to create the file if it doesn't already exist.
If mode is specified but invalid, then the destination will fail to load.
If mode is not specified, then a value of "600" will be assumed.
The file's permissions will not be modified if it already exists.
If gzip is true, then output is gzip compressed.`)
}

package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
)

var (
	ErrArgs          = errors.New("argument error")
	ErrUnknownSource = errors.New("unknown source")
	ErrUnknownSink   = errors.New("unknown sink")
)

// Plugin represents the operations expected of a source/sink plugin.
type Plugin interface {
	// ID should return a unique identifier for this plugin.
	ID() string
	// Register is called to allow registration of source and sink functions.
	Register(*Registration)
	// Stopping is called after every destination has closed, when the nomroute session is shutting down.
	Stopping() error
}

// SourceFunc produces an iterator.Iterator of records from the source's options.
// The iterator should end when its input is exhausted or ctx is cancelled.
type SourceFunc = func(ctx context.Context, log hclog.Logger, args Args) (iterator.Iterator, error)

// SinkFunc constructs a dispatch.Sink from the destination's options.
// The Sink must not acquire resources until it's opened, so that configuration can be checked without side effects.
type SinkFunc = func(log hclog.Logger, args Args) (dispatch.Sink, error)

// Registration is a collection of SourceFunc and SinkFunc to be used by other components.
type Registration struct {
	sources    map[string]map[string]SourceFunc
	sourcesDoc map[string]map[string]string
	sinks      map[string]map[string]SinkFunc
	sinksDoc   map[string]map[string]string
}

func NewRegistration() *Registration {
	return &Registration{
		sources:    map[string]map[string]SourceFunc{},
		sourcesDoc: map[string]map[string]string{},
		sinks:      map[string]map[string]SinkFunc{},
		sinksDoc:   map[string]map[string]string{},
	}
}

// Register registers every plugin with the Registration.
func (r *Registration) Register(plugins ...Plugin) {
	for _, p := range plugins {
		p.Register(r)
	}
}

// RegisterSource is called by Plugin.Register to provide a source for use in configuration.
func (r *Registration) RegisterSource(qualifier, class string, src SourceFunc) {
	if src == nil {
		panic("source is nil")
	}
	register(r.sources, qualifier, class, src)
}

// DocumentSource is used to document a provided plugin source. It's recommended to provide usage information in this documentation.
func (r *Registration) DocumentSource(qualifier, class, doc string) {
	register(r.sourcesDoc, qualifier, class, doc)
}

// Source retrieves a source known to this Registration.
// It returns the SourceFunc if it exists, documentation, and a bool indicating whether the qualifier and class pair matches a known source.
func (r *Registration) Source(qualifier, class string) (SourceFunc, string, bool) {
	source, ok := lookup(r.sources, qualifier, class)
	if !ok {
		return nil, "", false
	}
	return source, getDocs(r.sourcesDoc, qualifier, class), true
}

// RegisterSink is called by Plugin.Register to provide a sink for use in configuration.
func (r *Registration) RegisterSink(qualifier, class string, sink SinkFunc) {
	if sink == nil {
		panic("sink is nil")
	}
	register(r.sinks, qualifier, class, sink)
}

// DocumentSink is used to document a provided plugin sink. It's recommended to provide usage information in this documentation.
func (r *Registration) DocumentSink(qualifier, class, doc string) {
	register(r.sinksDoc, qualifier, class, doc)
}

// Sink retrieves a sink known to this Registration.
// It returns the SinkFunc if it exists, documentation, and a bool indicating whether the qualifier and class pair matches a known sink.
func (r *Registration) Sink(qualifier, class string) (SinkFunc, string, bool) {
	sink, ok := lookup(r.sinks, qualifier, class)
	if !ok {
		return nil, "", false
	}
	return sink, getDocs(r.sinksDoc, qualifier, class), true
}

// SplitType splits a type reference like "file.Tail" into its qualifier and class.
func SplitType(ref string) (qualifier, class string, err error) {
	qualifier, class, ok := strings.Cut(ref, ".")
	if !ok || len(qualifier) == 0 || len(class) == 0 {
		return "", "", fmt.Errorf("%w: type must be in the form 'qualifier.Class', got %q", ErrArgs, ref)
	}
	return qualifier, class, nil
}

// NewSource looks up the source for ref and creates its iterator.
func (r *Registration) NewSource(ctx context.Context, log hclog.Logger, ref string, args Args) (iterator.Iterator, error) {
	qualifier, class, err := SplitType(ref)
	if err != nil {
		return nil, err
	}
	source, _, ok := r.Source(qualifier, class)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, ref)
	}
	return source(ctx, log, args)
}

// NewSink looks up the sink for ref and constructs it.
func (r *Registration) NewSink(log hclog.Logger, ref string, args Args) (dispatch.Sink, error) {
	qualifier, class, err := SplitType(ref)
	if err != nil {
		return nil, err
	}
	factory, _, ok := r.Sink(qualifier, class)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSink, ref)
	}
	return factory(log, args)
}

// AllDocs will return a string containing all the documentation for all loaded plugins.
// The listing will include sources, then sinks, in alphabetical order by qualifier and class.
func (r *Registration) AllDocs() string {
	var buf strings.Builder
	buf.WriteString("Sources:\n")
	populateDocs(&buf, r.sources, r.sourcesDoc)
	buf.WriteString("Sinks:\n")
	populateDocs(&buf, r.sinks, r.sinksDoc)
	return buf.String()
}

func register[T any](model map[string]map[string]T, qualifier, class string, val T) {
	classMap, ok := model[qualifier]
	if !ok {
		classMap = map[string]T{}
		model[qualifier] = classMap
	}
	classMap[class] = val
}

func lookup[T any](model map[string]map[string]T, qualifier, class string) (T, bool) {
	var none T
	classMap, ok := model[qualifier]
	if !ok {
		return none, false
	}
	val, ok := classMap[class]
	if !ok {
		return none, false
	}
	return val, true
}

func getDocs(docs map[string]map[string]string, qualifier, class string) string {
	doc, ok := lookup(docs, qualifier, class)
	if !ok {
		return fmt.Sprintf("%s.%s", qualifier, class)
	}
	return doc
}

const (
	indent = "  "
)

func indentString(s string) string {
	s = strings.TrimSuffix(strings.ReplaceAll(indent+s, "\n", "\n"+indent), indent)
	return strings.ReplaceAll(s, "\n"+indent+"\n", "\n\n")
}

func populateDocs[T any](buf *strings.Builder, model map[string]map[string]T, docs map[string]map[string]string) {
	var (
		_buf       strings.Builder
		qualifiers []string
		qualMap    = map[string][]string{}
	)
	for qual, classMap := range model {
		qualifiers = append(qualifiers, qual)
		var classes []string
		for class := range classMap {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		qualMap[qual] = classes
	}
	if len(qualifiers) == 0 {
		_buf.WriteString("None\n")
	} else {
		sort.Strings(qualifiers)
		for _, qual := range qualifiers {
			for _, class := range qualMap[qual] {
				doc := getDocs(docs, qual, class)
				if !strings.HasSuffix(doc, "\n") {
					doc += "\n"
				}
				_buf.WriteString(doc)
				_buf.WriteString("\n")
			}
		}
	}
	buf.WriteString(indentString(_buf.String()))
}

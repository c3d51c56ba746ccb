// Package relay publishes a mirror's events onto a message bus so other
// processes can follow changes to a key without polling the store.
//
// Each event becomes one JSON message on kvmirror.<key>.events, where <key>
// is the store key made safe as a single subject token:
//
//	{"kind":"save","path":"","key":"app.state","mirror":"4f1c...",
//	 "snapshot":{"count":3},"time":"2025-01-02T15:04:05Z"}
//
// A filter expression (github.com/expr-lang/expr) can narrow what is relayed,
// for example `kind in ["save", "reset"]` or `path startsWith "settings."`.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vinayprograms/kvmirror/bus"
	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
	"github.com/vinayprograms/kvmirror/mirror"
	"github.com/vinayprograms/kvmirror/telemetry"
)

// Message is the wire form of a relayed event.
type Message struct {
	Kind     string            `json:"kind"`
	Path     string            `json:"path"`
	Key      string            `json:"key"`
	Mirror   string            `json:"mirror"`
	Snapshot json.RawMessage   `json:"snapshot,omitempty"`
	Error    *kverrors.Error   `json:"error,omitempty"`
	Time     time.Time         `json:"time"`
	Trace    map[string]string `json:"trace,omitempty"`
}

// Decode parses a relayed message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, kverrors.WrapWithCode(err, kverrors.ErrCodeInvalidInput, "decode relay message")
	}
	return &msg, nil
}

// Subject returns the subject events for key are published on.
func Subject(key string) string {
	return "kvmirror." + bus.SanitizeToken(key) + ".events"
}

// Config configures a Relay.
type Config struct {
	// Subject overrides Subject(key).
	Subject string

	// Filter is an expr boolean expression over kind, path, key and mirror.
	// Empty relays everything.
	Filter string

	// OmitSnapshots leaves the document out of save and hydrate messages.
	OmitSnapshots bool

	// Journal additionally records every relayed event. Optional.
	Journal telemetry.Exporter

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Relay forwards one mirror's events to a bus until closed.
type Relay struct {
	mirror  *mirror.Mirror
	bus     bus.MessageBus
	cfg     Config
	subject string
	filter  *vm.Program
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	events      <-chan mirror.Event
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once

	published atomic.Uint64
	failed    atomic.Uint64
}

// New starts relaying m's events to b.
func New(m *mirror.Mirror, b bus.MessageBus, cfg Config) (*Relay, error) {
	if m == nil || b == nil {
		return nil, kverrors.InvalidInput("relay needs a mirror and a bus")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = Subject(m.Key())
	}
	if err := bus.ValidateSubject(subject); err != nil {
		return nil, kverrors.InvalidInput(fmt.Sprintf("invalid relay subject %q", subject),
			kverrors.WithCause(err))
	}

	var filter *vm.Program
	if cfg.Filter != "" {
		p, err := CompileFilter(cfg.Filter)
		if err != nil {
			return nil, err
		}
		filter = p
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	events, unsubscribe := m.Subscribe()
	r := &Relay{
		mirror:      m,
		bus:         b,
		cfg:         cfg,
		subject:     subject,
		filter:      filter,
		logger:      logger.WithComponent("relay").WithTraceID(m.ID()),
		tracer:      tracer,
		events:      events,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// filterEnv is the variable set available to filter expressions.
func filterEnv(ev mirror.Event, key, mirrorID string) map[string]any {
	return map[string]any{
		"kind":   string(ev.Kind),
		"path":   ev.PathString(),
		"depth":  len(ev.Path),
		"key":    key,
		"mirror": mirrorID,
	}
}

// CompileFilter checks and compiles a filter expression.
func CompileFilter(expression string) (*vm.Program, error) {
	env := filterEnv(mirror.Event{}, "", "")
	p, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, kverrors.InvalidInput(fmt.Sprintf("invalid relay filter %q", expression),
			kverrors.WithCause(err))
	}
	return p, nil
}

// Subject returns the subject this relay publishes on.
func (r *Relay) Subject() string {
	return r.subject
}

// Published returns how many messages were published.
func (r *Relay) Published() uint64 {
	return r.published.Load()
}

// Failed returns how many messages could not be published.
func (r *Relay) Failed() uint64 {
	return r.failed.Load()
}

// Done is closed when the relay stops, either through Close or because
// the mirror was closed.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Close stops relaying and waits for the in-flight event to finish.
func (r *Relay) Close() error {
	r.closeOnce.Do(r.unsubscribe)
	<-r.done
	return nil
}

// OnShutdown stops the relay within ctx's deadline.
func (r *Relay) OnShutdown(ctx context.Context) error {
	r.closeOnce.Do(r.unsubscribe)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return kverrors.Wrap(ctx.Err(), "stop relay", kverrors.WithKey(r.mirror.Key()))
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for ev := range r.events {
		r.forward(ev)
	}
	if r.cfg.Journal != nil {
		if err := r.cfg.Journal.Flush(); err != nil {
			r.logger.Warn("journal flush failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (r *Relay) forward(ev mirror.Event) {
	if r.filter != nil {
		ok, err := expr.Run(r.filter, filterEnv(ev, r.mirror.Key(), r.mirror.ID()))
		if err != nil {
			r.logger.Warn("filter failed", map[string]interface{}{
				"kind":  string(ev.Kind),
				"error": err.Error(),
			})
			return
		}
		if pass, _ := ok.(bool); !pass {
			return
		}
	}

	ctx, span := r.tracer.StartRelaySpan(context.Background(), r.subject, string(ev.Kind))
	msg := r.message(ev)
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	if len(carrier) > 0 {
		msg.Trace = carrier
	}

	data, err := json.Marshal(msg)
	if err == nil {
		err = r.bus.Publish(r.subject, data)
	}
	r.tracer.EndRelaySpan(span, err)

	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("publish failed", map[string]interface{}{
			"subject": r.subject,
			"kind":    msg.Kind,
			"error":   err.Error(),
		})
		return
	}
	r.published.Add(1)

	if r.cfg.Journal != nil {
		r.cfg.Journal.LogEvent("mirror."+msg.Kind, map[string]interface{}{
			"key":    msg.Key,
			"mirror": msg.Mirror,
			"path":   msg.Path,
			"bytes":  len(ev.Snapshot),
		})
	}
}

func (r *Relay) message(ev mirror.Event) *Message {
	msg := &Message{
		Kind:   string(ev.Kind),
		Path:   ev.PathString(),
		Key:    r.mirror.Key(),
		Mirror: r.mirror.ID(),
		Time:   ev.Time.UTC(),
	}
	if !r.cfg.OmitSnapshots && len(ev.Snapshot) > 0 && json.Valid(ev.Snapshot) {
		msg.Snapshot = json.RawMessage(ev.Snapshot)
	}
	if ev.Err != nil {
		var coded *kverrors.Error
		if !errors.As(ev.Err, &coded) {
			coded = kverrors.Wrap(ev.Err, "mirror error")
		}
		msg.Error = coded
	}
	return msg
}

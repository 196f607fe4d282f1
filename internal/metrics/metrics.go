// Package metrics keeps relay runtime counters and renders them in the
// Prometheus text exposition format.
//
// Counters use atomic operations so the hot path never takes a lock except
// the first time a new (event, outcome) pair is seen.
package metrics

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "relay_"

// ContentType is the Content-Type of the output of WriteText.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

type eventKey struct {
	event   string
	outcome string
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

// Registry tracks relay statistics.
type Registry struct {
	startTime time.Time

	Connections atomic.Int64 // connections accepted
	Disconnects atomic.Int64 // sessions torn down
	Evictions   atomic.Int64 // clients dropped for a full send buffer
	Frames      atomic.Int64 // outbound frames queued to clients
	RateLimited atomic.Int64 // inbound frames discarded by the rate limiter

	mu     sync.Mutex
	events map[eventKey]*atomic.Int64
	gauges []gauge
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		startTime: time.Now(),
		events:    make(map[eventKey]*atomic.Int64),
	}
}

// ObserveEvent counts one handled inbound event with its outcome kind.
func (r *Registry) ObserveEvent(event, outcome string) {
	k := eventKey{event: event, outcome: outcome}

	r.mu.Lock()
	c, ok := r.events[k]
	if !ok {
		c = new(atomic.Int64)
		r.events[k] = c
	}
	r.mu.Unlock()

	c.Add(1)
}

// EventCount returns how many times (event, outcome) was observed.
func (r *Registry) EventCount(event, outcome string) int64 {
	r.mu.Lock()
	c, ok := r.events[eventKey{event: event, outcome: outcome}]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// RegisterGauge adds a gauge whose value is read from fn at gather time.
// name is given without the relay_ prefix.
func (r *Registry) RegisterGauge(name, help string, fn func() float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, gauge{name: namespace + name, help: help, fn: fn})
}

// Gather returns a snapshot of every metric as protobuf metric families,
// sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	families := []*dto.MetricFamily{
		counterFamily("connections_total", "WebSocket connections accepted.", r.Connections.Load()),
		counterFamily("disconnects_total", "Sessions torn down.", r.Disconnects.Load()),
		counterFamily("evictions_total", "Clients dropped because their send buffer was full.", r.Evictions.Load()),
		counterFamily("frames_total", "Outbound frames queued to clients.", r.Frames.Load()),
		counterFamily("rate_limited_total", "Inbound frames discarded by the per-connection rate limiter.", r.RateLimited.Load()),
		gaugeFamily(namespace+"uptime_seconds", "Seconds since the relay started.", time.Since(r.startTime).Seconds()),
	}

	r.mu.Lock()
	keys := make([]eventKey, 0, len(r.events))
	for k := range r.events {
		keys = append(keys, k)
	}
	values := make(map[eventKey]int64, len(keys))
	for _, k := range keys {
		values[k] = r.events[k].Load()
	}
	gauges := append([]gauge(nil), r.gauges...)
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].event != keys[j].event {
			return keys[i].event < keys[j].event
		}
		return keys[i].outcome < keys[j].outcome
	})

	events := &dto.MetricFamily{
		Name: ptr(namespace + "events_total"),
		Help: ptr("Inbound events handled, by event name and outcome."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, k := range keys {
		events.Metric = append(events.Metric, &dto.Metric{
			Label: []*dto.LabelPair{
				{Name: ptr("event"), Value: ptr(k.event)},
				{Name: ptr("outcome"), Value: ptr(k.outcome)},
			},
			Counter: &dto.Counter{Value: ptr(float64(values[k]))},
		})
	}
	if len(events.Metric) > 0 {
		families = append(families, events)
	}

	for _, g := range gauges {
		families = append(families, gaugeFamily(g.name, g.help, g.fn()))
	}

	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families
}

// WriteText encodes every metric family to w in text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range r.Gather() {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func counterFamily(name, help string, v int64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: ptr(namespace + name),
		Help: ptr(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: ptr(float64(v))}},
		},
	}
}

func gaugeFamily(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: ptr(name),
		Help: ptr(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: ptr(v)}},
		},
	}
}

func ptr[T any](v T) *T { return &v }

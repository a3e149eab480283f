// Package metrics renders relay metrics in the Prometheus text format.
package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
)

type kind string

const (
	counterKind   kind = "counter"
	histogramKind kind = "histogram"
	gaugeKind     kind = "gauge"
)

// Labels identify one series within a family.
type Labels map[string]string

// Sample is one gauge reading produced at render time.
type Sample struct {
	Labels Labels
	Value  float64
}

// GaugeFunc reports the current value of a gauge family. It is called on every
// render, outside the registry lock, so it may take locks of its own.
type GaugeFunc func() []Sample

type series struct {
	labels  Labels
	count   uint64
	sum     float64
	buckets []uint64
}

type family struct {
	help    string
	kind    kind
	bounds  []float64
	series  map[string]*series
	collect GaugeFunc
}

type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*family)}
	r.registerDefaults()
	return r
}

var (
	jobBuckets     = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	fanoutBuckets  = []float64{0, 1, 2, 5, 10, 25, 50, 100}
	latencyBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}
)

func (r *Registry) registerDefaults() {
	r.RegisterCounter("liveterm_job_runs_total", "Total background job runs by job and status.")
	r.RegisterHistogram("liveterm_job_duration_ms", "Background job duration in milliseconds by job.", jobBuckets)
	r.RegisterCounter("liveterm_lifecycle_requests_total", "Session lifecycle operations by operation and status.")
	r.RegisterCounter("liveterm_relay_admissions_total", "Relay connection admission attempts by role and status.")
	r.RegisterCounter("liveterm_relay_frames_total", "Inbound relay frames by kind, sender role, and status.")
	r.RegisterCounter("liveterm_relay_send_failures_total", "Outbound sends that failed and detached the recipient, by target role.")
	r.RegisterHistogram("liveterm_relay_broadcast_fanout", "Number of guests a single host frame was delivered to.", fanoutBuckets)
	r.RegisterCounter("liveterm_eventlog_writes_total", "Durable event log writes by operation and status.")
	r.RegisterCounter("liveterm_eventlog_dropped_total", "Durable writes dropped because the write queue was full.")
	r.RegisterHistogram("liveterm_eventlog_write_latency_ms", "Durable event log write latency in milliseconds by operation.", latencyBuckets)
}

func (r *Registry) RegisterCounter(name, help string) {
	r.register(name, &family{help: help, kind: counterKind})
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	bounds := slices.Clone(buckets)
	slices.Sort(bounds)
	r.register(name, &family{help: help, kind: histogramKind, bounds: bounds})
}

// RegisterGaugeFunc registers a gauge whose samples come from fn. Registering
// the same name again replaces the source.
func (r *Registry) RegisterGaugeFunc(name, help string, fn GaugeFunc) {
	r.register(name, &family{help: help, kind: gaugeKind, collect: fn})
}

func (r *Registry) register(name string, f *family) {
	f.series = make(map[string]*series)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[name] = f
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.seriesFor(name, counterKind, labels); s != nil {
		s.count++
	}
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.seriesFor(name, histogramKind, labels)
	if s == nil {
		return
	}
	f := r.families[name]
	i, _ := slices.BinarySearch(f.bounds, value)
	s.buckets[i]++
	s.count++
	s.sum += value
}

// seriesFor returns the series for labels, creating it on first use. Unknown
// names and kind mismatches yield nil. Callers hold r.mu.
func (r *Registry) seriesFor(name string, want kind, labels map[string]string) *series {
	f, ok := r.families[name]
	if !ok || f.kind != want {
		return nil
	}
	key := labelsKey(labels)
	s := f.series[key]
	if s == nil {
		s = &series{labels: cloneLabels(labels)}
		if want == histogramKind {
			s.buckets = make([]uint64, len(f.bounds)+1)
		}
		f.series[key] = s
	}
	return s
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	gauges := r.collectGauges()

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		f := r.families[name]
		b.WriteString("# HELP " + name + " " + f.help + "\n")
		b.WriteString("# TYPE " + name + " " + string(f.kind) + "\n")
		switch f.kind {
		case counterKind:
			for _, s := range sortedSeries(f.series) {
				writeSample(&b, name, s.labels, strconv.FormatUint(s.count, 10))
			}
		case histogramKind:
			for _, s := range sortedSeries(f.series) {
				writeHistogram(&b, name, f.bounds, s)
			}
		case gaugeKind:
			for _, sm := range gauges[name] {
				writeSample(&b, name, sm.Labels, formatFloat(sm.Value))
			}
		}
	}
	return b.String()
}

// collectGauges runs every gauge source without holding r.mu.
func (r *Registry) collectGauges() map[string][]Sample {
	r.mu.RLock()
	sources := make(map[string]GaugeFunc)
	for name, f := range r.families {
		if f.kind == gaugeKind && f.collect != nil {
			sources[name] = f.collect
		}
	}
	r.mu.RUnlock()

	out := make(map[string][]Sample, len(sources))
	for name, fn := range sources {
		samples := fn()
		slices.SortFunc(samples, func(a, b Sample) int {
			return strings.Compare(labelsKey(a.Labels), labelsKey(b.Labels))
		})
		out[name] = samples
	}
	return out
}

func writeHistogram(b *strings.Builder, name string, bounds []float64, s *series) {
	var cumulative uint64
	for i, n := range s.buckets {
		cumulative += n
		le := "+Inf"
		if i < len(bounds) {
			le = formatFloat(bounds[i])
		}
		withLE := cloneLabels(s.labels)
		withLE["le"] = le
		writeSample(b, name+"_bucket", withLE, strconv.FormatUint(cumulative, 10))
	}
	writeSample(b, name+"_sum", s.labels, formatFloat(s.sum))
	writeSample(b, name+"_count", s.labels, strconv.FormatUint(s.count, 10))
}

func sortedSeries(m map[string]*series) []*series {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*series, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func writeSample(b *strings.Builder, name string, labels map[string]string, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		pairs := make([]string, 0, len(labels))
		for _, k := range sortedKeys(labels) {
			pairs = append(pairs, k+`="`+escapeLabel(labels[k])+`"`)
		}
		b.WriteString("{" + strings.Join(pairs, ",") + "}")
	}
	b.WriteString(" " + value + "\n")
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func labelsKey(labels map[string]string) string {
	var b strings.Builder
	for _, k := range sortedKeys(labels) {
		b.WriteString(k + "=" + labels[k] + ";")
	}
	return b.String()
}

func cloneLabels(in map[string]string) Labels {
	out := make(Labels, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escapeLabel(v string) string { return labelEscaper.Replace(v) }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}

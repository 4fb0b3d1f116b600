package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry aggregates in-process operational metrics for the API:
// per-endpoint latency/error stats, risk scoring counters, usage-limit
// rejections, and notification delivery outcomes.
type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	riskSeverity      map[string]int64
	riskRuleMatch     map[string]int64
	riskRuleUnknown   int64
	usageRejections   map[string]int64
	notifyOutcome     map[string]int64
	checkNoteStates   map[string]int64
	gauges            map[string]float64
	riskEvalLatency   EvalLatencyStat
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	RiskSeverities    map[string]int64        `json:"risk_severities"`
	RiskRuleMatches   map[string]int64        `json:"risk_rule_matches"`
	RiskRuleUnknown   int64                   `json:"risk_rule_unknown_total"`
	UsageRejections   map[string]int64        `json:"usage_rejections"`
	NotifyOutcomes    map[string]int64        `json:"notify_outcomes"`
	CheckNoteStates   map[string]int64        `json:"check_note_states"`
	Gauges            map[string]float64      `json:"gauges"`
	RiskEvalLatencyMS EvalLatencyStat         `json:"risk_eval_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		riskSeverity:    map[string]int64{},
		riskRuleMatch:   map[string]int64{},
		usageRejections: map[string]int64{},
		notifyOutcome:   map[string]int64{},
		checkNoteStates: map[string]int64{},
		gauges:          map[string]float64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncRiskSeverity(severity string) {
	severity = strings.ToUpper(strings.TrimSpace(severity))
	if severity == "" {
		return
	}
	r.mu.Lock()
	r.riskSeverity[severity]++
	r.mu.Unlock()
}

func (r *Registry) IncRiskRuleMatch(code string) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return
	}
	r.mu.Lock()
	r.riskRuleMatch[code]++
	r.mu.Unlock()
}

func (r *Registry) IncRiskRuleUnknown() {
	r.mu.Lock()
	r.riskRuleUnknown++
	r.mu.Unlock()
}

func (r *Registry) IncUsageRejection(counter string) {
	counter = strings.ToLower(strings.TrimSpace(counter))
	if counter == "" {
		return
	}
	r.mu.Lock()
	r.usageRejections[counter]++
	r.mu.Unlock()
}

func (r *Registry) IncNotifyOutcome(outcome string) {
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.notifyOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncCheckNoteState(state string) {
	state = strings.ToUpper(strings.TrimSpace(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.checkNoteStates[state]++
	r.mu.Unlock()
}

func (r *Registry) ObserveRiskEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.riskEvalLatency.Count++
	r.riskEvalLatency.TotalMS += ms
	r.riskEvalLatency.LastMS = ms
	if ms > r.riskEvalLatency.MaxMS {
		r.riskEvalLatency.MaxMS = ms
	}
	r.riskEvalLatency.AvgMS = float64(r.riskEvalLatency.TotalMS) / float64(r.riskEvalLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		RiskSeverities:  make(map[string]int64, len(r.riskSeverity)),
		RiskRuleMatches: make(map[string]int64, len(r.riskRuleMatch)),
		RiskRuleUnknown: r.riskRuleUnknown,
		UsageRejections: make(map[string]int64, len(r.usageRejections)),
		NotifyOutcomes:  make(map[string]int64, len(r.notifyOutcome)),
		CheckNoteStates: make(map[string]int64, len(r.checkNoteStates)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		RiskEvalLatencyMS: EvalLatencyStat{
			Count:   r.riskEvalLatency.Count,
			TotalMS: r.riskEvalLatency.TotalMS,
			MaxMS:   r.riskEvalLatency.MaxMS,
			LastMS:  r.riskEvalLatency.LastMS,
			AvgMS:   r.riskEvalLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.riskSeverity {
		out.RiskSeverities[k] = v
	}
	for k, v := range r.riskRuleMatch {
		out.RiskRuleMatches[k] = v
	}
	for k, v := range r.usageRejections {
		out.UsageRejections[k] = v
	}
	for k, v := range r.notifyOutcome {
		out.NotifyOutcomes[k] = v
	}
	for k, v := range r.checkNoteStates {
		out.CheckNoteStates[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP muhasebi_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE muhasebi_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "muhasebi_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP muhasebi_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE muhasebi_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "muhasebi_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP muhasebi_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE muhasebi_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "muhasebi_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP muhasebi_risk_severity_total risk evaluations by severity band\n")
		b.WriteString("# TYPE muhasebi_risk_severity_total counter\n")
		for _, sev := range SortedKeys(snap.RiskSeverities) {
			fmt.Fprintf(b, "muhasebi_risk_severity_total{severity=%q} %d\n", sev, snap.RiskSeverities[sev])
		}
		b.WriteString("# HELP muhasebi_risk_rule_match_total rule matches by rule code\n")
		b.WriteString("# TYPE muhasebi_risk_rule_match_total counter\n")
		for _, code := range SortedKeys(snap.RiskRuleMatches) {
			fmt.Fprintf(b, "muhasebi_risk_rule_match_total{code=%q} %d\n", code, snap.RiskRuleMatches[code])
		}
		b.WriteString("# HELP muhasebi_risk_rule_unknown_total rules skipped for unknown codes\n")
		b.WriteString("# TYPE muhasebi_risk_rule_unknown_total counter\n")
		fmt.Fprintf(b, "muhasebi_risk_rule_unknown_total %d\n", snap.RiskRuleUnknown)
		b.WriteString("# HELP muhasebi_usage_rejection_total requests rejected by plan limits\n")
		b.WriteString("# TYPE muhasebi_usage_rejection_total counter\n")
		for _, c := range SortedKeys(snap.UsageRejections) {
			fmt.Fprintf(b, "muhasebi_usage_rejection_total{counter=%q} %d\n", c, snap.UsageRejections[c])
		}
		b.WriteString("# HELP muhasebi_notify_outcome_total notification deliveries by outcome\n")
		b.WriteString("# TYPE muhasebi_notify_outcome_total counter\n")
		for _, o := range SortedKeys(snap.NotifyOutcomes) {
			fmt.Fprintf(b, "muhasebi_notify_outcome_total{outcome=%q} %d\n", o, snap.NotifyOutcomes[o])
		}
		b.WriteString("# HELP muhasebi_check_note_transition_total check/note state transitions\n")
		b.WriteString("# TYPE muhasebi_check_note_transition_total counter\n")
		for _, st := range SortedKeys(snap.CheckNoteStates) {
			fmt.Fprintf(b, "muhasebi_check_note_transition_total{state=%q} %d\n", st, snap.CheckNoteStates[st])
		}
		b.WriteString("# HELP muhasebi_gauge operational gauge metrics\n")
		b.WriteString("# TYPE muhasebi_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "muhasebi_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP muhasebi_risk_eval_latency_ms risk engine evaluation latency in ms\n")
		b.WriteString("# TYPE muhasebi_risk_eval_latency_ms gauge\n")
		fmt.Fprintf(b, "muhasebi_risk_eval_latency_ms{stat=%q} %d\n", "last", snap.RiskEvalLatencyMS.LastMS)
		fmt.Fprintf(b, "muhasebi_risk_eval_latency_ms{stat=%q} %.3f\n", "avg", snap.RiskEvalLatencyMS.AvgMS)
		fmt.Fprintf(b, "muhasebi_risk_eval_latency_ms{stat=%q} %d\n", "max", snap.RiskEvalLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP muhasebi_latency_seconds latency histogram\n")
			b.WriteString("# TYPE muhasebi_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "muhasebi_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "muhasebi_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "muhasebi_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "muhasebi_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "muhasebi_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "muhasebi_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "muhasebi_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

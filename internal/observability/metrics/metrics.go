package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type runKey struct {
	status string
	code   string
}

type stageKey struct {
	stage  string
	cached string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu     sync.Mutex
	runs   map[runKey]uint64
	stages map[stageKey]*histogram
}

var pipelineCollector = &collector{
	runs:   make(map[runKey]uint64),
	stages: make(map[stageKey]*histogram),
}

// ObserveRun records the terminal outcome of a proof run.
func ObserveRun(status, errorCode string) {
	pipelineCollector.observeRun(status, errorCode)
}

// ObserveStage records how long a pipeline stage took and whether the
// artifact cache served it.
func ObserveStage(stage string, cached bool, duration time.Duration) {
	pipelineCollector.observeStage(stage, cached, duration)
}

func (c *collector) observeRun(status, errorCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[runKey{status: status, code: errorCode}]++
}

func (c *collector) observeStage(stage string, cached bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stageKey{stage: stage, cached: strconv.FormatBool(cached)}
	hist := c.stages[key]
	if hist == nil {
		hist = newHistogram()
		c.stages[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, pipelineCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type runMetric struct {
		runKey
		value uint64
	}
	type stageMetric struct {
		stageKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	runs := make([]runMetric, 0, len(c.runs))
	for key, value := range c.runs {
		runs = append(runs, runMetric{runKey: key, value: value})
	}
	stages := make([]stageMetric, 0, len(c.stages))
	for key, hist := range c.stages {
		stages = append(stages, stageMetric{
			stageKey: key,
			buckets:  append([]float64(nil), hist.buckets...),
			counts:   append([]uint64(nil), hist.counts...),
			sum:      hist.sum,
			count:    hist.count,
		})
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].status == runs[j].status {
			return runs[i].code < runs[j].code
		}
		return runs[i].status < runs[j].status
	})
	sort.Slice(stages, func(i, j int) bool {
		if stages[i].stage == stages[j].stage {
			return stages[i].cached < stages[j].cached
		}
		return stages[i].stage < stages[j].stage
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP redfish_runs_total Total number of proof runs that reached a terminal state.\n")
	builder.WriteString("# TYPE redfish_runs_total counter\n")
	for _, metric := range runs {
		builder.WriteString(fmt.Sprintf("redfish_runs_total{status=\"%s\",code=\"%s\"} %d\n",
			escape(metric.status), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP redfish_stage_duration_seconds Pipeline stage duration in seconds.\n")
	builder.WriteString("# TYPE redfish_stage_duration_seconds histogram\n")
	for _, metric := range stages {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("redfish_stage_duration_seconds_bucket{stage=\"%s\",cached=\"%s\",le=\"%s\"} %d\n",
				escape(metric.stage), escape(metric.cached), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("redfish_stage_duration_seconds_bucket{stage=\"%s\",cached=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.stage), escape(metric.cached), metric.count))
		builder.WriteString(fmt.Sprintf("redfish_stage_duration_seconds_sum{stage=\"%s\",cached=\"%s\"} %s\n",
			escape(metric.stage), escape(metric.cached), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("redfish_stage_duration_seconds_count{stage=\"%s\",cached=\"%s\"} %d\n",
			escape(metric.stage), escape(metric.cached), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

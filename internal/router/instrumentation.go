package router

import (
	"sync"

	"go.uber.org/atomic"
)

const defaultSampleLimit = 1000

// Instrumentation collects raw routing counters plus a bounded window
// of queue-depth samples. Reading a report never mutates state, so two
// reads without intervening activity are identical.
type Instrumentation struct {
	submitted    atomic.Int64
	duplicates   atomic.Int64
	processCalls atomic.Int64
	processed    atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	denied       atomic.Int64
	unroutable   atomic.Int64
	requeued     atomic.Int64
	reorders     atomic.Int64

	mu          sync.Mutex
	samples     []int
	sampleLimit int
}

func NewInstrumentation(sampleLimit int) *Instrumentation {
	if sampleLimit <= 0 {
		sampleLimit = defaultSampleLimit
	}
	return &Instrumentation{sampleLimit: sampleLimit}
}

func (i *Instrumentation) RecordSubmit()     { i.submitted.Inc() }
func (i *Instrumentation) RecordDuplicate()  { i.duplicates.Inc() }
func (i *Instrumentation) RecordProcessed()  { i.processed.Inc() }
func (i *Instrumentation) RecordCompleted()  { i.completed.Inc() }
func (i *Instrumentation) RecordFailed()     { i.failed.Inc() }
func (i *Instrumentation) RecordDenied()     { i.denied.Inc() }
func (i *Instrumentation) RecordUnroutable() { i.unroutable.Inc() }
func (i *Instrumentation) RecordRequeued()   { i.requeued.Inc() }

// RecordProcessCall samples the queue depth seen at the start of a
// process pass and notes whether priority sorting reordered it.
func (i *Instrumentation) RecordProcessCall(queueDepth int, reordered bool) {
	i.processCalls.Inc()
	if reordered {
		i.reorders.Inc()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.samples = append(i.samples, queueDepth)
	if over := len(i.samples) - i.sampleLimit; over > 0 {
		i.samples = append(i.samples[:0], i.samples[over:]...)
	}
}

// Report is a point-in-time snapshot of the raw counters with a few
// derived rates.
type Report struct {
	Submitted    int64 `json:"submitted"`
	Duplicates   int64 `json:"duplicates"`
	ProcessCalls int64 `json:"process_calls"`
	Processed    int64 `json:"processed"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Denied       int64 `json:"denied"`
	Unroutable   int64 `json:"unroutable"`
	Requeued     int64 `json:"requeued"`
	Reorders     int64 `json:"reorders"`

	FailureRate    float64 `json:"failure_rate"`
	DenialRate     float64 `json:"denial_rate"`
	UnroutableRate float64 `json:"unroutable_rate"`

	QueueDepthSamples int     `json:"queue_depth_samples"`
	QueueDepthLast    int     `json:"queue_depth_last"`
	QueueDepthMax     int     `json:"queue_depth_max"`
	QueueDepthAvg     float64 `json:"queue_depth_avg"`
}

func (i *Instrumentation) Snapshot() Report {
	r := Report{
		Submitted:    i.submitted.Load(),
		Duplicates:   i.duplicates.Load(),
		ProcessCalls: i.processCalls.Load(),
		Processed:    i.processed.Load(),
		Completed:    i.completed.Load(),
		Failed:       i.failed.Load(),
		Denied:       i.denied.Load(),
		Unroutable:   i.unroutable.Load(),
		Requeued:     i.requeued.Load(),
		Reorders:     i.reorders.Load(),
	}
	if r.Processed > 0 {
		r.FailureRate = float64(r.Failed) / float64(r.Processed)
		r.DenialRate = float64(r.Denied) / float64(r.Processed)
		r.UnroutableRate = float64(r.Unroutable) / float64(r.Processed)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	r.QueueDepthSamples = len(i.samples)
	if len(i.samples) > 0 {
		total := 0
		for _, s := range i.samples {
			total += s
			if s > r.QueueDepthMax {
				r.QueueDepthMax = s
			}
		}
		r.QueueDepthLast = i.samples[len(i.samples)-1]
		r.QueueDepthAvg = float64(total) / float64(len(i.samples))
	}
	return r
}

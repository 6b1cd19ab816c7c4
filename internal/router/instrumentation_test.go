package router

import "testing"

func TestQueueDepthSamplesAreBounded(t *testing.T) {
	inst := NewInstrumentation(3)
	for depth := 1; depth <= 5; depth++ {
		inst.RecordProcessCall(depth, false)
	}

	snap := inst.Snapshot()
	if snap.ProcessCalls != 5 {
		t.Fatalf("process_calls=%d want 5", snap.ProcessCalls)
	}
	if snap.QueueDepthSamples != 3 {
		t.Fatalf("samples=%d want 3 after eviction", snap.QueueDepthSamples)
	}
	// Oldest samples (1 and 2) evicted; window is 3, 4, 5.
	if snap.QueueDepthLast != 5 || snap.QueueDepthMax != 5 {
		t.Fatalf("last=%d max=%d want 5 and 5", snap.QueueDepthLast, snap.QueueDepthMax)
	}
	if snap.QueueDepthAvg != 4 {
		t.Fatalf("avg=%v want 4", snap.QueueDepthAvg)
	}
}

func TestDerivedRates(t *testing.T) {
	inst := NewInstrumentation(0)

	snap := inst.Snapshot()
	if snap.FailureRate != 0 || snap.DenialRate != 0 || snap.UnroutableRate != 0 {
		t.Fatalf("rates nonzero with no activity: %+v", snap)
	}

	for i := 0; i < 4; i++ {
		inst.RecordProcessed()
	}
	inst.RecordCompleted()
	inst.RecordFailed()
	inst.RecordDenied()
	inst.RecordUnroutable()

	snap = inst.Snapshot()
	if snap.FailureRate != 0.25 || snap.DenialRate != 0.25 || snap.UnroutableRate != 0.25 {
		t.Fatalf("rates=%v %v %v want 0.25 each", snap.FailureRate, snap.DenialRate, snap.UnroutableRate)
	}
}

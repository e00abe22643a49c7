package metrics

import "testing"

func TestRecordJobOutcome(t *testing.T) {
	c := NewCollector("minerbroker_test_outcome")
	c.RecordJobOutcome(Replied)
	c.RecordJobOutcome(NoReply)
	c.RecordJobOutcome(Cancelled)

	snap := c.Snapshot()
	if snap.TotalJobs != 3 {
		t.Fatalf("TotalJobs = %d, want 3", snap.TotalJobs)
	}
	if snap.JobsSucceeded != 1 {
		t.Fatalf("JobsSucceeded = %d, want 1", snap.JobsSucceeded)
	}
	if snap.JobsFailed != 2 {
		t.Fatalf("JobsFailed = %d, want 2", snap.JobsFailed)
	}
}

func TestInFlightCPUPermits(t *testing.T) {
	c := NewCollector("minerbroker_test_inflight")
	c.AcquireCPUPermit()
	c.AcquireCPUPermit()
	if snap := c.Snapshot(); snap.InFlightCPU != 2 {
		t.Fatalf("InFlightCPU = %d, want 2", snap.InFlightCPU)
	}
	c.ReleaseCPUPermit()
	if snap := c.Snapshot(); snap.InFlightCPU != 1 {
		t.Fatalf("InFlightCPU = %d, want 1", snap.InFlightCPU)
	}
}

func TestRecordConnection(t *testing.T) {
	c := NewCollector("minerbroker_test_conn")
	c.RecordConnection()
	c.RecordConnection()
	if snap := c.Snapshot(); snap.TotalConn != 2 {
		t.Fatalf("TotalConn = %d, want 2", snap.TotalConn)
	}
}

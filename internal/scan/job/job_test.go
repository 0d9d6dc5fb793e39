package job

import (
	"testing"
)

func TestReasonOf(t *testing.T) {
	if r := ReasonOf(nil); r != ReasonNone {
		t.Errorf("ReasonOf(nil) = %v, want ReasonNone", r)
	}
	if r := ReasonOf(NewError(ReasonBinName, "bad bin")); r != ReasonBinName {
		t.Errorf("ReasonOf(scan error) = %v, want ReasonBinName", r)
	}
	if r := ReasonOf(errString("boom")); r != ReasonUnknown {
		t.Errorf("ReasonOf(foreign error) = %v, want ReasonUnknown", r)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestErrorMessageFallsBackToReason(t *testing.T) {
	err := NewError(ReasonForbidden, "")
	if got := err.Error(); got != "FORBIDDEN" {
		t.Errorf("Error() = %q, want %q", got, "FORBIDDEN")
	}
}

func TestAbandonIsOnceOnly(t *testing.T) {
	var c JobCore
	if !c.Abandon(ReasonUserAbort) {
		t.Fatal("first Abandon call should win the race")
	}
	if c.Abandon(ReasonResponseTimeout) {
		t.Fatal("second Abandon call should not win")
	}
	if got := c.Abandoned(); got != ReasonUserAbort {
		t.Errorf("Abandoned() = %v, want ReasonUserAbort (first writer wins)", got)
	}
	if !c.IsAbandoned() {
		t.Error("IsAbandoned() should be true once abandoned")
	}
}

func TestJobCoreNotAbandonedInitially(t *testing.T) {
	var c JobCore
	if c.IsAbandoned() {
		t.Error("fresh JobCore should not be abandoned")
	}
	if c.Abandoned() != ReasonNone {
		t.Error("fresh JobCore's Abandoned() should be ReasonNone")
	}
}

func TestScanAll(t *testing.T) {
	whole := JobCore{SetID: InvalidSetID, SetName: ""}
	if !whole.ScanAll() {
		t.Error("empty set name and invalid set id should scan all")
	}
	scoped := JobCore{SetID: 3, SetName: "widgets"}
	if scoped.ScanAll() {
		t.Error("a valid set id should not scan all")
	}
}

func TestValidateRejectsUnknownSetWithoutPartitionList(t *testing.T) {
	c := JobCore{SetID: InvalidSetID, SetName: "widgets", Partitions: nil}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected validation error for unknown set without partition list")
	}
	if ReasonOf(err) != ReasonNotFound {
		t.Errorf("reason = %v, want ReasonNotFound", ReasonOf(err))
	}
}

func TestValidateAllowsUnknownSetWithPartitionList(t *testing.T) {
	c := JobCore{SetID: InvalidSetID, SetName: "widgets", Partitions: NewPartitionTable()}
	if err := c.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestRequestedPartitionIDs(t *testing.T) {
	if ids := RequestedPartitionIDs(nil); ids != nil {
		t.Errorf("nil table should yield nil ids, got %v", ids)
	}
	table := NewPartitionTable()
	table[5].Requested = true
	table[9].Requested = true
	ids := RequestedPartitionIDs(table)
	if len(ids) != 2 || ids[0] != 5 || ids[1] != 9 {
		t.Errorf("RequestedPartitionIDs = %v, want [5 9]", ids)
	}
	if got := RequestedCount(table); got != 2 {
		t.Errorf("RequestedCount = %d, want 2", got)
	}
}

func TestAllPartitionIDsCoversFullRange(t *testing.T) {
	ids := AllPartitionIDs()
	if len(ids) != NPartitions {
		t.Fatalf("len(AllPartitionIDs()) = %d, want %d", len(ids), NPartitions)
	}
	if ids[0] != 0 || ids[NPartitions-1] != NPartitions-1 {
		t.Error("AllPartitionIDs should be a dense [0, NPartitions) range")
	}
}

func TestCountersAccumulate(t *testing.T) {
	var c Counters
	c.AddSucceeded(3)
	c.AddSucceeded(2)
	c.AddFailed(1)
	c.AddFilteredMeta(4)
	c.AddFilteredBins(5)
	c.AddNetIOBytes(100)

	if c.Succeeded() != 5 {
		t.Errorf("Succeeded() = %d, want 5", c.Succeeded())
	}
	if c.Failed() != 1 {
		t.Errorf("Failed() = %d, want 1", c.Failed())
	}
	if c.FilteredMeta() != 4 || c.FilteredBins() != 5 {
		t.Errorf("FilteredMeta/Bins = %d/%d, want 4/5", c.FilteredMeta(), c.FilteredBins())
	}
	if c.NetIOBytes() != 100 {
		t.Errorf("NetIOBytes() = %d, want 100", c.NetIOBytes())
	}
}

func TestDefaultScanOptions(t *testing.T) {
	opts := DefaultScanOptions()
	if opts.SamplePct != 100 {
		t.Errorf("default SamplePct = %d, want 100", opts.SamplePct)
	}
}

package scanaudit

import (
	"testing"

	"github.com/user/kvscan/internal/scan/job"
)

func TestOpenCreatesSchemaAndRecordReadsBack(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	stat := job.Stat{
		Trid:      1,
		Namespace: "ns",
		Set:       "widgets",
		JobType:   "basic",
		ClientID:  "client-a",
		Abandoned: job.ReasonNone,
		Succeeded: 10,
		Failed:    1,
		RPS:       500,
	}
	if err := db.Record(stat); err != nil {
		t.Fatalf("Record: %v", err)
	}

	n, err := db.CompletedCount("ns", "basic", job.ReasonNone)
	if err != nil {
		t.Fatalf("CompletedCount: %v", err)
	}
	if n != 1 {
		t.Errorf("CompletedCount = %d, want 1", n)
	}
}

func TestCompletedCountScopedByNamespaceJobTypeAndReason(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	db.Record(job.Stat{Trid: 1, Namespace: "ns1", JobType: "basic", Abandoned: job.ReasonNone})
	db.Record(job.Stat{Trid: 2, Namespace: "ns1", JobType: "aggr", Abandoned: job.ReasonNone})
	db.Record(job.Stat{Trid: 3, Namespace: "ns2", JobType: "basic", Abandoned: job.ReasonUserAbort})

	n, err := db.CompletedCount("ns1", "basic", job.ReasonNone)
	if err != nil {
		t.Fatalf("CompletedCount: %v", err)
	}
	if n != 1 {
		t.Errorf("CompletedCount(ns1, basic, None) = %d, want 1", n)
	}

	n, err = db.CompletedCount("ns2", "basic", job.ReasonUserAbort)
	if err != nil {
		t.Fatalf("CompletedCount: %v", err)
	}
	if n != 1 {
		t.Errorf("CompletedCount(ns2, basic, UserAbort) = %d, want 1", n)
	}

	n, err = db.CompletedCount("ns1", "basic", job.ReasonUserAbort)
	if err != nil {
		t.Fatalf("CompletedCount: %v", err)
	}
	if n != 0 {
		t.Errorf("CompletedCount(ns1, basic, UserAbort) = %d, want 0", n)
	}
}

func TestRecordOnSameTridReplaces(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	db.Record(job.Stat{Trid: 7, Namespace: "ns", JobType: "basic", Abandoned: job.ReasonNone, Succeeded: 1})
	db.Record(job.Stat{Trid: 7, Namespace: "ns", JobType: "basic", Abandoned: job.ReasonNone, Succeeded: 2})

	n, err := db.CompletedCount("ns", "basic", job.ReasonNone)
	if err != nil {
		t.Fatalf("CompletedCount: %v", err)
	}
	if n != 1 {
		t.Errorf("CompletedCount = %d, want 1 (INSERT OR REPLACE on trid)", n)
	}
}

func TestRecordObserverDoesNotPanicOnSuccess(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	db.RecordObserver(job.Stat{Trid: 1, Namespace: "ns", JobType: "basic"})
}

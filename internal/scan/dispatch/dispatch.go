// Package dispatch implements spec.md §6's scan entry point: message
// bit inspection selects one of the four job constructors, which
// validates parameters and hands the result to the scan manager.
package dispatch

import (
	"net"

	"github.com/user/kvscan/internal/scan/aggr"
	"github.com/user/kvscan/internal/scan/basic"
	"github.com/user/kvscan/internal/scan/conn"
	"github.com/user/kvscan/internal/scan/handle"
	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/scan/manager"
	"github.com/user/kvscan/internal/scan/opsbg"
	"github.com/user/kvscan/internal/scan/request"
	"github.com/user/kvscan/internal/scan/udfbg"
	"github.com/user/kvscan/internal/txqueue"
	"github.com/user/kvscan/internal/udf"
)

// Type is the resolved scan flavor, per spec.md §6's selection table.
type Type int

const (
	TypeUnknown Type = iota
	TypeBasic
	TypeOpsBackground
	TypeAggregate
	TypeUDFBackground
)

// Request is one client scan request: the generic fields request.Raw
// decodes, plus the message-type bits and flavor-specific payloads
// §6's selection table and §4.4's background validation need.
type Request struct {
	request.Raw

	IsUDF     bool
	InfoWrite bool
	UDFOp     string // "AGGREGATE" | "BACKGROUND" | ""
	NoBinData bool   // basic scans only: metadata-only response

	UDFModule string
	UDFName   string

	Ops         []txqueue.Op
	UpdateOnly  bool
	ReplaceOnly bool

	DurableDelete bool
}

// SelectType implements spec.md §6's message-bit table.
func SelectType(r Request) Type {
	switch {
	case !r.IsUDF && !r.InfoWrite:
		return TypeBasic
	case !r.IsUDF && r.InfoWrite:
		return TypeOpsBackground
	case r.IsUDF && r.UDFOp == "AGGREGATE":
		return TypeAggregate
	case r.IsUDF && r.UDFOp == "BACKGROUND":
		return TypeUDFBackground
	default:
		return TypeUnknown
	}
}

// Dispatcher wires a namespace's collaborators together and implements
// scan(request, namespace) -> error_code.
type Dispatcher struct {
	Manager     *manager.Manager
	Resolver    request.SetResolver
	Registry    *udf.Registry
	Queue       *txqueue.Queue
	HandleTable *handle.Table
	ClusterKeys basic.ClusterKeySource

	MaxBackgroundRPS uint32
	Compress         bool
}

// Scan dispatches req on conn c, returning the transaction id admitted
// (0 on pre-admission rejection) and the rejection error if any.
func (d *Dispatcher) Scan(req Request, c net.Conn) (uint64, error) {
	typ := SelectType(req)
	if typ == TypeUnknown {
		return 0, job.NewError(job.ReasonParameter, "unrecognized scan type (bad udf_op)")
	}

	parsed, err := request.Parse(req.Raw, d.Resolver)
	if err != nil {
		return 0, err
	}

	trid := d.Manager.NextTransactionID()
	partitions := job.RequestedPartitionIDs(parsed.Partitions)

	switch typ {
	case TypeBasic:
		return d.startBasic(trid, req, parsed, c, partitions)
	case TypeAggregate:
		return d.startAggr(trid, req, parsed, c, partitions)
	case TypeUDFBackground:
		return d.startUDFBackground(trid, req, parsed, c, partitions)
	case TypeOpsBackground:
		return d.startOpsBackground(trid, req, parsed, c, partitions)
	default:
		return 0, job.NewError(job.ReasonParameter, "unreachable")
	}
}

func (d *Dispatcher) startBasic(trid uint64, req Request, p *request.Parsed, c net.Conn, partitions []uint16) (uint64, error) {
	cs := conn.New(c, p.SocketTimeoutMs, d.Compress)
	j, err := basic.New(trid, cs, d.ClusterKeys, basic.Options{
		Namespace:           p.Namespace,
		SetName:             p.SetName,
		SetID:               p.SetID,
		Partitions:          p.Partitions,
		RPS:                 p.RPS,
		ClientID:            p.ClientID,
		NoBinData:           req.NoBinData,
		SamplePct:           p.Options.SamplePct,
		SampleMax:           p.SampleMax,
		NPids:               nPids(partitions),
		Predicate:           p.Predicate,
		BinNameFilter:       p.BinNames,
		FailOnClusterChange: p.Options.FailOnClusterChange,
		ClusterKeyAtStart:   currentClusterKey(d.ClusterKeys),
	})
	if err != nil {
		return 0, err
	}
	d.Manager.Submit(trid, j, partitions)
	return trid, nil
}

func (d *Dispatcher) startAggr(trid uint64, req Request, p *request.Parsed, c net.Conn, partitions []uint16) (uint64, error) {
	cs := conn.New(c, p.SocketTimeoutMs, d.Compress)
	j, err := aggr.New(trid, cs, aggr.Options{
		Namespace:  p.Namespace,
		SetName:    p.SetName,
		SetID:      p.SetID,
		Partitions: p.Partitions,
		RPS:        p.RPS,
		ClientID:   p.ClientID,
		Registry:   d.Registry,
		Def:        udf.Definition{Module: req.UDFModule, Name: req.UDFName},
		Predicate:  p.Predicate,
	})
	if err != nil {
		return 0, err
	}
	d.Manager.Submit(trid, j, partitions)
	return trid, nil
}

func (d *Dispatcher) startUDFBackground(trid uint64, req Request, p *request.Parsed, c net.Conn, partitions []uint16) (uint64, error) {
	cs := conn.New(c, p.SocketTimeoutMs, d.Compress)
	j, err := udfbg.New(trid, cs, udfbg.Options{
		Namespace:     p.Namespace,
		SetName:       p.SetName,
		SetID:         p.SetID,
		Partitions:    p.Partitions,
		RPS:           p.RPS,
		ClientID:      p.ClientID,
		Registry:      d.Registry,
		WriteDef:      udf.Definition{Module: req.UDFModule, Name: req.UDFName},
		DurableDelete: req.DurableDelete,
		Predicate:     p.Predicate,
		Queue:         d.Queue,
		HandleTable:   d.HandleTable,
		MaxRPS:        d.MaxBackgroundRPS,
	})
	if err != nil {
		return 0, err
	}
	d.Manager.Submit(trid, j, partitions)
	return trid, nil
}

func (d *Dispatcher) startOpsBackground(trid uint64, req Request, p *request.Parsed, c net.Conn, partitions []uint16) (uint64, error) {
	cs := conn.New(c, p.SocketTimeoutMs, d.Compress)
	j, err := opsbg.New(trid, cs, opsbg.Options{
		Namespace:     p.Namespace,
		SetName:       p.SetName,
		SetID:         p.SetID,
		Partitions:    p.Partitions,
		RPS:           p.RPS,
		ClientID:      p.ClientID,
		Ops:           req.Ops,
		UpdateOnly:    req.UpdateOnly,
		ReplaceOnly:   req.ReplaceOnly,
		DurableDelete: req.DurableDelete,
		Predicate:     p.Predicate,
		Queue:         d.Queue,
		HandleTable:   d.HandleTable,
		MaxRPS:        d.MaxBackgroundRPS,
	})
	if err != nil {
		return 0, err
	}
	d.Manager.Submit(trid, j, partitions)
	return trid, nil
}

func nPids(partitions []uint16) int {
	if partitions == nil {
		// No explicit list: spec.md §4.2's n_pids estimate is
		// N_PARTITIONS / cluster_size, which this standalone core has
		// no cluster-size input for at dispatch time; treating the
		// whole-namespace case as a full-width scan is the closest
		// faithful default (cluster_size == 1).
		return job.NPartitions
	}
	return len(partitions)
}

func currentClusterKey(src basic.ClusterKeySource) uint64 {
	if src == nil {
		return 0
	}
	return src.Key()
}

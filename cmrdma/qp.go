package cmrdma

import "sync/atomic"

// QPType enumerates verbs queue-pair transport types. Only reliable
// connected is meaningful for an RDMA RPC transport (spec §3); the type
// exists so a backend's CreateQP signature doesn't need to change if that
// ever stops being true.
type QPType int

const (
	QPTypeRC QPType = iota
)

// ProtectionDomain is an opaque handle a VerbsGateway hands out and a
// backend's CreateQP consumes. Its structure is backend-specific.
type ProtectionDomain interface{}

// CQ is an opaque completion-queue handle, owned and polled by the
// transport layer above cmrdma. The CM endpoint only threads it through to
// CreateQP; it never looks inside.
type CQ interface{}

// QPInitAttr mirrors struct ibv_qp_init_attr, trimmed to the fields the CM
// endpoint's CreateQP needs to pass through (spec §4.D).
type QPInitAttr struct {
	UserContext   uint64
	SendCQ        CQ
	RecvCQ        CQ
	QPType        QPType
	SQSigAll      bool
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

var qpSeq atomic.Uint64

// QP is an opaque handle to a created queue pair. Backends construct it via
// NewQP; callers only use it as a token to pass back to DestroyQP or to read
// back the UserContext they supplied at CreateQP time.
type QP struct {
	num uint64
	ctx uint64
}

// NewQP is used by backend implementations to mint a QP handle; it is not
// meant to be called from transport code.
func NewQP(userContext uint64) *QP {
	return &QP{num: qpSeq.Add(1), ctx: userContext}
}

// Num is a backend-assigned, process-unique queue pair number.
func (qp *QP) Num() uint64 { return qp.num }

// UserContext returns the opaque value the caller supplied to CreateQP.
func (qp *QP) UserContext() uint64 { return qp.ctx }

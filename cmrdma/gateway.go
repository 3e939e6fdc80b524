package cmrdma

// VerbsGateway is the narrow device-level capability the block pool's
// registration callback and the CM endpoint's QP attach both need (spec
// §4.C). It deliberately does not expose device open/close or enumeration:
// a process opens exactly one RDMA device at startup and hands the same
// gateway to every endpoint and to blockpool.InitPool's RegisterFunc.
type VerbsGateway interface {
	// RegisterRegion registers mem for local and remote access and returns
	// its registration key (lkey/rkey; verbs uses the same value for both
	// in the reference implementation). Matches blockpool.RegisterFunc.
	RegisterRegion(mem []byte) uint32

	// ProtectionDomain returns the single PD every QP on this device is
	// created against.
	ProtectionDomain() ProtectionDomain

	// MaxSGE is the device's max scatter/gather entries per work request,
	// used to size a QP's send SGE list.
	MaxSGE() uint32
}

// Backend is the full capability surface cmrdma consumes from a concrete
// RDMA implementation: a VerbsGateway plus the ability to mint CM
// identifiers. Production code targets an rdmacm/ibverbs binding; this repo
// carries only cmrdma/fakeverbs, used by tests and by any build without
// RDMA hardware.
type Backend interface {
	VerbsGateway

	// CreateIdentifier allocates a new, unbound CM identifier (struct
	// rdma_cm_id equivalent).
	CreateIdentifier() (RawIdentifier, error)
}

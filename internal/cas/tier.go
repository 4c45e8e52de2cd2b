package cas

// Tier classifies a blob's mutability protection level. Tier1Immutable
// blobs carry the platform immutable flag in addition to 0444 permissions;
// Tier2Mutable blobs carry only the permission bits.
type Tier uint8

const (
	Tier1Immutable Tier = iota
	Tier2Mutable
)

func (t Tier) String() string {
	switch t {
	case Tier1Immutable:
		return "tier1-immutable"
	case Tier2Mutable:
		return "tier2-mutable"
	default:
		return "unknown-tier"
	}
}

package domain

// ResolutionKind distinguishes the cases a Resolver can report for a name.
type ResolutionKind int

const (
	Pending ResolutionKind = iota
	Resolved
	Failed
	NotFound
)

func (k ResolutionKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ResolutionState is one transition emitted by a Resolver for a logical
// name: Pending (before the first poll), Resolved(set, stamp),
// Failed(err, stamp) or NotFound(stamp). Stamp is monotone within one
// Resolver so subscribers can discard stale updates.
type ResolutionState struct {
	Kind  ResolutionKind
	Set   AddressSet
	Err   error
	Stamp int64
}

// Equal reports whether two states are observably identical, used by the
// Resolver to coalesce consecutive identical polls.
func (s ResolutionState) Equal(other ResolutionState) bool {
	if s.Kind != other.Kind {
		return false
	}
	switch s.Kind {
	case Resolved:
		return addressSetEqual(s.Set, other.Set)
	case Failed:
		return errString(s.Err) == errString(other.Err)
	default:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func addressSetEqual(a, b AddressSet) bool {
	if len(a.Addrs) != len(b.Addrs) {
		return false
	}
	bi := make(map[EndpointKey]float64, len(b.Addrs))
	for _, x := range b.Addrs {
		bi[x.Key] = x.Weight
	}
	for _, x := range a.Addrs {
		w, ok := bi[x.Key]
		if !ok || w != x.Weight {
			return false
		}
	}
	return true
}

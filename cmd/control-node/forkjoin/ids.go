// Package forkjoin implements the fork/join coordinator: child id
// encoding/decoding per the fixed arithmetic invariant, and the join
// record state machine (Waiting -> Complete | Expired).
package forkjoin

// Sequence ids that serve as a fork's parent are always allocated as
// multiples of 10000. This is the reserved low-order headroom the encoding
// below uses to make a child id self-describing: both joinCount and
// branchNumber can be recovered from a bare child id without consulting any
// other state, which is what lets the join side discover a child's parent
// and sibling count from the wire alone. See DESIGN.md for why this
// convention was chosen to resolve the spec's otherwise underdetermined
// "decoded from any child id" requirement.
const parentAlignment = 10000

// EncodeChild computes a fork child's sequence id from its parent, the
// join's arity (joinCount) and this child's 1-based branch number, per the
// invariant childId = parentId + joinCount*100 + branchNumber.
func EncodeChild(parentID uint64, joinCount, branchNumber int) uint64 {
	return parentID + uint64(joinCount)*100 + uint64(branchNumber)
}

// DecodeChild recovers the parent id, join arity and branch number encoded
// in a child id. ok is false if the id is not a validly encoded fork child
// (i.e. its low 10000s remainder doesn't resolve to a joinCount >= 2 with a
// branchNumber in [1, joinCount]).
func DecodeChild(childID uint64) (parentID uint64, joinCount, branchNumber int, ok bool) {
	remainder := childID % parentAlignment
	branchNumber = int(remainder % 100)
	joinCount = int(remainder / 100)
	parentID = childID - remainder

	if joinCount < 2 || branchNumber < 1 || branchNumber > joinCount {
		return 0, 0, 0, false
	}
	return parentID, joinCount, branchNumber, true
}

// IsForkChild reports whether an id looks like an encoded fork child,
// without needing any other state.
func IsForkChild(id uint64) bool {
	_, _, _, ok := DecodeChild(id)
	return ok
}

// NextParentAligned rounds a raw sequence counter up to the next multiple
// of the parent alignment, for allocators that hand out fresh root
// sequence ids.
func NextParentAligned(raw uint64) uint64 {
	if raw%parentAlignment == 0 {
		return raw
	}
	return (raw/parentAlignment + 1) * parentAlignment
}

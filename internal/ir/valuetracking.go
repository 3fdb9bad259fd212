package ir

// MaxLookup bounds how many pointer-preserving steps UnderlyingObject follows.
const MaxLookup = 6

// StripInBoundsOffsets peels inbounds getelementptr and pointer bitcasts
// off v and returns the base they are computed from.
func StripInBoundsOffsets(v Value) Value {
	seen := make(map[Value]bool)
	for !seen[v] {
		seen[v] = true
		in, ok := v.(*Instr)
		if !ok {
			return v
		}
		switch {
		case in.Op == OpGEP && in.InBounds:
			v = in.Operands[0]
		case in.Op == OpCast && in.Cast == CastBitcast && in.Operands[0].Type().IsPointer():
			v = in.Operands[0]
		default:
			return v
		}
	}
	return v
}

// UnderlyingObject returns the allocation v is derived from by walking
// getelementptr, pointer casts, and single-value phis. The walk gives up
// after MaxLookup steps and returns the value reached so far.
func UnderlyingObject(v Value) Value {
	for i := 0; i < MaxLookup; i++ {
		in, ok := v.(*Instr)
		if !ok {
			return v
		}
		switch in.Op {
		case OpGEP:
			v = in.Operands[0]
		case OpCast:
			if in.Cast != CastBitcast && in.Cast != CastAddrSpace {
				return v
			}
			v = in.Operands[0]
		case OpPhi:
			next := in.Operands[0]
			for _, op := range in.Operands[1:] {
				if op != next {
					return v
				}
			}
			v = next
		default:
			return v
		}
	}
	return v
}

// IsAlloca reports whether v is a stack allocation.
func IsAlloca(v Value) bool {
	in, ok := v.(*Instr)
	return ok && in.Op == OpAlloca
}

package sfm

// Pair is an ordered pair of view ids used to pin the initial seed. The
// all-zero value doubles as "unset", which collides with a legitimate pair of
// view 0 with itself; SetInitialPair on the engine therefore records presence
// explicitly, and the sentinel predicates below exist for the configuration
// surface where the zero value means unset.
type Pair struct {
	I uint32 `json:"i"`
	J uint32 `json:"j"`
}

// Triplet is an ordered triple of view ids used to pin the initial seed. A
// zero third element marks the triplet as unset.
type Triplet struct {
	I uint32 `json:"i"`
	J uint32 `json:"j"`
	K uint32 `json:"k"`
}

// IsSet reports whether the pair differs from the all-zero sentinel.
func (p Pair) IsSet() bool {
	return p != Pair{}
}

// IsSet reports whether the triplet's third element differs from the zero sentinel.
func (t Triplet) IsSet() bool {
	return t.K != 0
}

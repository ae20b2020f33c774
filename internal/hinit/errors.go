package hinit

// ErrNoDev, ErrFail and ErrNoMem are the init-time error kinds: when
// any of them is returned, the caller degrades to a non-virtualising
// firmware build rather than aborting — the next-stage boot still
// proceeds, just without H advertised.
type (
	ErrNoDev struct{ Reason string }
	ErrFail  struct{ Reason string }
	ErrNoMem struct{ Reason string }
)

func (e ErrNoDev) Error() string { return "hinit: no device: " + e.Reason }
func (e ErrFail) Error() string  { return "hinit: init failed: " + e.Reason }
func (e ErrNoMem) Error() string { return "hinit: out of memory: " + e.Reason }

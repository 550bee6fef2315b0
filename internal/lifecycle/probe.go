package lifecycle

// ProcessProbe checks whether a recorded process still exists. verifiable is
// false when the platform cannot tell, in which case alive carries no
// information.
type ProcessProbe interface {
	Alive(pid int) (alive, verifiable bool)
}

// ProbeFunc adapts a function to ProcessProbe.
type ProbeFunc func(pid int) (bool, bool)

func (f ProbeFunc) Alive(pid int) (bool, bool) { return f(pid) }

// NoProbe never corroborates liveness.
var NoProbe ProcessProbe = ProbeFunc(func(int) (bool, bool) { return false, false })

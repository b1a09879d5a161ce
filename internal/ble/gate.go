package ble

// enumerationGate tracks which services of the current attempt have had
// their characteristics enumerated. It closes once, when every expected
// service has been processed.
type enumerationGate struct {
	expected  map[string]struct{}
	processed map[string]struct{}
	closed    bool
}

func newEnumerationGate() *enumerationGate {
	g := &enumerationGate{}
	g.reset()
	return g
}

// reset empties the gate for a new attempt.
func (g *enumerationGate) reset() {
	g.expected = make(map[string]struct{})
	g.processed = make(map[string]struct{})
	g.closed = false
}

// expect records the services reported by discovery, one entry per
// instance.
func (g *enumerationGate) expect(services []Service) {
	for _, s := range services {
		g.expected[s.key()] = struct{}{}
	}
}

// mark records the service instance key svc as processed. It returns false for duplicates and for
// services discovery never reported, so processed never outgrows expected.
func (g *enumerationGate) mark(svc string) bool {
	if _, ok := g.expected[svc]; !ok {
		return false
	}
	if _, dup := g.processed[svc]; dup {
		return false
	}
	g.processed[svc] = struct{}{}
	return true
}

// tryClose reports true exactly once, on the call that finds every
// expected service processed.
func (g *enumerationGate) tryClose() bool {
	if g.closed || len(g.expected) == 0 || len(g.processed) != len(g.expected) {
		return false
	}
	g.closed = true
	return true
}

func (g *enumerationGate) isClosed() bool {
	return g.closed
}

func (g *enumerationGate) total() int {
	return len(g.expected)
}

func (g *enumerationGate) count() int {
	return len(g.processed)
}

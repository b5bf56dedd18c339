package deps

// MemoWait flushes pending memo writes so tests can assert on hit counters.
func (g *Graph) MemoWait() {
	g.memo.Wait()
}

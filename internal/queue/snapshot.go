package queue

// PrioritySnapshot maps a node address to the max priority that node currently observes for each of its
// groups, for one engine type. It is refreshed out of band and may be stale.
type PrioritySnapshot map[string]map[string]int

// Clone returns a deep copy.
func (s PrioritySnapshot) Clone() PrioritySnapshot {
	if s == nil {
		return nil
	}
	c := make(PrioritySnapshot, len(s))
	for node, groups := range s {
		g := make(map[string]int, len(groups))
		for group, priority := range groups {
			g[group] = priority
		}
		c[node] = g
	}
	return c
}

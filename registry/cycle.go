package registry

// findCycle runs an iterative depth first search from start over the graph
// described by next and returns the first cycle found as a path whose first
// and last element are equal, or nil.
func findCycle(start string, next func(id string) []string) []string {
	const (
		visiting = 1
		done     = 2
	)

	type frame struct {
		id    string
		edges []string
		pos   int
	}

	state := map[string]int{start: visiting}
	stack := []*frame{{id: start, edges: next(start)}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.pos >= len(top.edges) {
			state[top.id] = done
			stack = stack[:len(stack)-1]

			continue
		}

		child := top.edges[top.pos]
		top.pos++

		switch state[child] {
		case visiting:
			path := []string{}
			for i := range stack {
				if stack[i].id == child || len(path) > 0 {
					path = append(path, stack[i].id)
				}
			}

			return append(path, child)
		case done:
			continue
		}

		state[child] = visiting
		stack = append(stack, &frame{id: child, edges: next(child)})
	}

	return nil
}

package diff

// Groups partitions an operation list into statically independent batches.
// Two operations are dependent when they touch the same subtree or share an
// overwrite subject; each returned batch preserves the relative order of
// the input and may be applied concurrently with the other batches.
// Independence is a property of the list, computed once, never re-derived
// per operation.
func Groups(ops []Operation) [][]Operation {
	if len(ops) == 0 {
		return nil
	}

	// Union-find over group keys: one key per subtree, one per overwrite
	// subject an operation carries.
	parent := make(map[string]string)
	var find func(string) string
	find = func(key string) string {
		root, ok := parent[key]
		if !ok || root == key {
			parent[key] = key
			return key
		}
		root = find(root)
		parent[key] = root
		return root
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for _, op := range ops {
		key := subtreeKey(op)
		find(key)
		if op.Subject != "" {
			union(key, subjectKey(op.Subject))
		}
	}

	order := make([]string, 0)
	buckets := make(map[string][]Operation)
	for _, op := range ops {
		root := find(subtreeKey(op))
		if _, seen := buckets[root]; !seen {
			order = append(order, root)
		}
		buckets[root] = append(buckets[root], op)
	}

	groups := make([][]Operation, 0, len(order))
	for _, root := range order {
		groups = append(groups, buckets[root])
	}
	return groups
}

func subtreeKey(op Operation) string {
	if op.Subtree != "" {
		return "tree\x00" + op.Subtree
	}
	return "tree\x00" + op.TargetID
}

func subjectKey(subject string) string {
	return "subject\x00" + subject
}

package aggregate

// tree is a sparse merkle tree. Only nodes that differ from the zero
// subtree of their level are stored.
type tree struct {
	height int
	levels []map[uint64]Node
}

func newTree(height int) *tree {
	t := &tree{
		height: height,
		levels: make([]map[uint64]Node, height+1),
	}
	for i := range t.levels {
		t.levels[i] = map[uint64]Node{}
	}
	return t
}

func (t *tree) set(level int, idx uint64, n Node) {
	t.levels[level][idx] = n
}

func (t *tree) node(level int, idx uint64) Node {
	if n, ok := t.levels[level][idx]; ok {
		return n
	}
	return ZeroNode(level)
}

// build computes every parent of the stored nodes. Nodes set directly at a
// level (pieces) must not have stored descendants.
func (t *tree) build() {
	for l := 0; l < t.height; l++ {
		for idx := range t.levels[l] {
			p := idx >> 1
			if _, done := t.levels[l+1][p]; done {
				continue
			}
			left, right := t.node(l, p<<1), t.node(l, p<<1|1)
			t.levels[l+1][p] = computeNode(&left, &right)
		}
	}
}

func (t *tree) root() Node {
	return t.node(t.height, 0)
}

// proof collects the siblings on the way from (level, idx) to the root.
func (t *tree) proof(level int, idx uint64) ProofData {
	out := ProofData{
		Path:  make([]Node, 0, t.height-level),
		Index: idx,
	}
	for l := level; l < t.height; l++ {
		out.Path = append(out.Path, t.node(l, idx^1))
		idx >>= 1
	}
	return out
}

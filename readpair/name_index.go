package readpair

// nameIndex groups batch positions by read name. It remembers the order in
// which names were first seen, and its storage is reused across batches.
type nameIndex struct {
	byName map[string]int // name -> index into groups
	groups [][]int
}

func (x *nameIndex) reset() {
	if x.byName == nil {
		x.byName = make(map[string]int)
	}
	for k := range x.byName {
		delete(x.byName, k)
	}
	for i := range x.groups {
		x.groups[i] = x.groups[i][:0]
	}
	x.groups = x.groups[:0]
}

func (x *nameIndex) add(name string, pos int) {
	if gi, ok := x.byName[name]; ok {
		x.groups[gi] = append(x.groups[gi], pos)
		return
	}
	gi := len(x.groups)
	x.byName[name] = gi
	if gi < cap(x.groups) {
		x.groups = x.groups[:gi+1]
		x.groups[gi] = append(x.groups[gi][:0], pos)
		return
	}
	x.groups = append(x.groups, []int{pos})
}

// len returns the number of distinct names.
func (x *nameIndex) len() int { return len(x.groups) }

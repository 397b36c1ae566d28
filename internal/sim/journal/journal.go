package journal

// Journal records undo steps for in-memory mutations.
// A failed operation reverts to the mark taken before it started, so no
// partial write survives. Not safe for concurrent use; the registry loop
// owns it.
type Journal struct {
	undo  []func()
	depth int
}

func New() *Journal { return &Journal{} }

// Record registers fn to run if the enclosing operation is reverted.
func (j *Journal) Record(fn func()) {
	if j == nil || fn == nil {
		return
	}
	j.undo = append(j.undo, fn)
}

func (j *Journal) Mark() int {
	if j == nil {
		return 0
	}
	return len(j.undo)
}

// RevertTo undoes every step recorded after mark, newest first.
func (j *Journal) RevertTo(mark int) {
	if j == nil {
		return
	}
	if mark < 0 {
		mark = 0
	}
	for i := len(j.undo) - 1; i >= mark; i-- {
		j.undo[i]()
		j.undo[i] = nil
	}
	if mark < len(j.undo) {
		j.undo = j.undo[:mark]
	}
}

func (j *Journal) Len() int { return j.Mark() }

// Atomic runs fn and reverts its mutations if it fails.
// Nested calls compose: the undo log is dropped only when the outermost
// call succeeds, so an outer failure still reverts committed inner scopes.
func (j *Journal) Atomic(fn func() error) error {
	if j == nil {
		return fn()
	}
	mark := j.Mark()
	j.depth++
	err := fn()
	j.depth--
	if err != nil {
		j.RevertTo(mark)
		return err
	}
	if j.depth == 0 {
		for i := range j.undo {
			j.undo[i] = nil
		}
		j.undo = j.undo[:0]
	}
	return nil
}

// Depth reports how many Atomic scopes are open.
func (j *Journal) Depth() int {
	if j == nil {
		return 0
	}
	return j.depth
}

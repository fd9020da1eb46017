package supervisor

// Notes is an insertion-ordered set of research notes.
type Notes struct {
	items []string
	seen  map[string]struct{}
}

// Add records note unless it is empty or already present. It reports
// whether the note was new.
func (n *Notes) Add(note string) bool {
	if note == "" {
		return false
	}
	if n.seen == nil {
		n.seen = make(map[string]struct{})
	}
	if _, ok := n.seen[note]; ok {
		return false
	}
	n.seen[note] = struct{}{}
	n.items = append(n.items, note)
	return true
}

func (n *Notes) Len() int { return len(n.items) }

func (n *Notes) Empty() bool { return len(n.items) == 0 }

// Items returns the notes in insertion order.
func (n *Notes) Items() []string {
	out := make([]string, len(n.items))
	copy(out, n.items)
	return out
}

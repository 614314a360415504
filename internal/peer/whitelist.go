package peer

// Whitelist is fixed at construction. An empty whitelist admits everyone.
type Whitelist struct {
	ids map[ID]struct{}
}

func NewWhitelist(ids []ID) *Whitelist {
	w := &Whitelist{ids: make(map[ID]struct{}, len(ids))}
	for _, id := range ids {
		if id == "" {
			continue
		}
		w.ids[id] = struct{}{}
	}
	return w
}

// ParseWhitelist decodes base58 ids, failing on the first malformed entry.
func ParseWhitelist(raw []string) ([]ID, error) {
	out := make([]ID, 0, len(raw))
	for _, s := range raw {
		id, err := Decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (w *Whitelist) Allowed(id ID) bool {
	if w == nil || len(w.ids) == 0 {
		return true
	}
	_, ok := w.ids[id]
	return ok
}

// Contains reports explicit membership; it is false for every id when the
// whitelist is open.
func (w *Whitelist) Contains(id ID) bool {
	if w == nil {
		return false
	}
	_, ok := w.ids[id]
	return ok
}

func (w *Whitelist) Open() bool {
	return w == nil || len(w.ids) == 0
}

func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.ids)
}

func (w *Whitelist) List() []ID {
	if w == nil {
		return nil
	}
	out := make([]ID, 0, len(w.ids))
	for id := range w.ids {
		out = append(out, id)
	}
	SortIDs(out)
	return out
}

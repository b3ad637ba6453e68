package pipeline

// pageMark tracks how many jobs of one fetched page are still outstanding.
type pageMark struct {
	lastID    int64
	remaining int
}

// pageLedger derives the safe checkpoint: the last id of the longest prefix of
// pages whose jobs have all completed. Pages arrive in id order, so every id at
// or below the safe checkpoint is done even though completions are unordered.
type pageLedger struct {
	base  int64
	pages []pageMark
	safe  int64
}

func newPageLedger(start int64) *pageLedger {
	return &pageLedger{safe: start}
}

// open registers a page of n jobs and returns its sequence number.
func (l *pageLedger) open(lastID int64, n int) int64 {
	seq := l.base + int64(len(l.pages))
	l.pages = append(l.pages, pageMark{lastID: lastID, remaining: n})
	return seq
}

// complete records one finished job of page seq and reports whether the safe
// checkpoint moved.
func (l *pageLedger) complete(seq int64) bool {
	idx := seq - l.base
	if idx < 0 || idx >= int64(len(l.pages)) {
		return false
	}
	l.pages[idx].remaining--

	advanced := false
	for len(l.pages) > 0 && l.pages[0].remaining <= 0 {
		l.safe = l.pages[0].lastID
		l.pages = l.pages[1:]
		l.base++
		advanced = true
	}
	return advanced
}

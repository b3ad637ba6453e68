package pipeline

// Hooks observe dispatcher events. Every callback runs on the dispatcher
// goroutine, so it must return quickly and must not call back into the Pipeline.
// Nil callbacks are skipped.
type Hooks struct {
	// OnFetch is called when a page of at most limit records is requested.
	OnFetch func(limit, depth int)
	// OnPage is called after a page has been enqueued.
	OnPage func(size int, cursor Cursor, depth int)
	// OnPause is called when the queue saturates and fetching stops.
	OnPause func(depth int)
	// OnResume is called when the queue has drained below the resume watermark.
	OnResume func(depth int)
	// OnDispatch is called when a job is handed to a worker.
	OnDispatch func(id int64, depth, busy int)
	// OnOutcome is called for every worker completion. busy is the number of
	// workers still running after this one was released.
	OnOutcome func(id int64, outcome Outcome, busy int)
	// OnCheckpoint is called when the safe checkpoint advances. Every id at or
	// below safeID has finished processing.
	OnCheckpoint func(safeID int64)
}

type hookSet []Hooks

func (hs hookSet) fetch(limit, depth int) {
	for _, h := range hs {
		if h.OnFetch != nil {
			h.OnFetch(limit, depth)
		}
	}
}

func (hs hookSet) page(size int, cursor Cursor, depth int) {
	for _, h := range hs {
		if h.OnPage != nil {
			h.OnPage(size, cursor, depth)
		}
	}
}

func (hs hookSet) pause(depth int) {
	for _, h := range hs {
		if h.OnPause != nil {
			h.OnPause(depth)
		}
	}
}

func (hs hookSet) resume(depth int) {
	for _, h := range hs {
		if h.OnResume != nil {
			h.OnResume(depth)
		}
	}
}

func (hs hookSet) dispatch(id int64, depth, busy int) {
	for _, h := range hs {
		if h.OnDispatch != nil {
			h.OnDispatch(id, depth, busy)
		}
	}
}

func (hs hookSet) outcome(id int64, o Outcome, busy int) {
	for _, h := range hs {
		if h.OnOutcome != nil {
			h.OnOutcome(id, o, busy)
		}
	}
}

func (hs hookSet) checkpoint(safeID int64) {
	for _, h := range hs {
		if h.OnCheckpoint != nil {
			h.OnCheckpoint(safeID)
		}
	}
}

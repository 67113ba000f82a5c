package engine

import (
	"tally/internal/core"
	"tally/internal/gateway"
	"tally/internal/log"
	"tally/internal/mirror"
)

type commandKind int

const (
	cmdReset commandKind = iota
	cmdSnapshot
	cmdEvent     // from the change stream
	cmdConfirmed // from a gateway-confirmed mutation
)

func (k commandKind) String() string {
	switch k {
	case cmdReset:
		return "reset"
	case cmdSnapshot:
		return "snapshot"
	case cmdEvent:
		return "stream"
	case cmdConfirmed:
		return "confirmed"
	}
	return "unknown"
}

type command struct {
	kind    commandKind
	gen     uint64
	loading bool           // reset: a snapshot will follow
	event   gateway.Event  // event, confirmed
	records []core.Expense // snapshot
	done    chan struct{}  // closed once applied or dropped
}

// reconciler is owned by the Run goroutine; nothing else touches it.
type reconciler struct {
	mirror  *mirror.Mirror
	logger  *log.Logger
	gen     uint64
	loading bool
	pending []command
}

func newReconciler(m *mirror.Mirror, logger *log.Logger) *reconciler {
	return &reconciler{mirror: m, logger: logger}
}

func (r *reconciler) apply(cmd command) {
	switch cmd.kind {
	case cmdReset:
		r.mirror.Clear()
		r.gen = cmd.gen
		r.loading = cmd.loading
		r.dropPending()
		finish(cmd)

	case cmdSnapshot:
		if cmd.gen != r.gen {
			r.stale(cmd)
			return
		}
		r.mirror.ReplaceAll(cmd.records)
		r.loading = false
		// Changes seen during the load are replayed in arrival order; the
		// merge is idempotent so overlap with the snapshot is harmless.
		pending := r.pending
		r.pending = nil
		for _, p := range pending {
			r.merge(p)
		}
		finish(cmd)

	case cmdEvent, cmdConfirmed:
		if cmd.gen != r.gen {
			r.stale(cmd)
			return
		}
		if r.loading {
			r.pending = append(r.pending, cmd)
			return
		}
		r.merge(cmd)
	}
}

// merge applies one change under the dedup-by-id rule and finishes cmd.
func (r *reconciler) merge(cmd command) {
	defer finish(cmd)

	ev := cmd.event
	if !ev.Valid() {
		r.logger.Warn("Ignoring malformed change event",
			log.FieldEventKind, string(ev.Kind),
			log.FieldExpenseID, ev.Record.ID,
			"source", cmd.kind.String())
		return
	}
	switch ev.Kind {
	case gateway.Insert:
		if !r.mirror.UpsertFront(ev.Record) {
			r.logger.Debug("Insert merged into existing expense",
				log.FieldExpenseID, ev.Record.ID,
				"source", cmd.kind.String())
		}
	case gateway.Update:
		if !r.mirror.Update(ev.Record) {
			r.logger.Debug("Update for unknown expense ignored", log.FieldExpenseID, ev.Record.ID)
		}
	case gateway.Delete:
		if !r.mirror.Remove(ev.Record.ID) {
			r.logger.Debug("Delete for unknown expense ignored",
				log.FieldExpenseID, ev.Record.ID,
				"source", cmd.kind.String())
		}
	}
}

func (r *reconciler) stale(cmd command) {
	r.logger.Debug("Dropping stale delivery",
		"kind", cmd.kind.String(),
		log.FieldGeneration, cmd.gen,
		"current_generation", r.gen)
	finish(cmd)
}

func (r *reconciler) dropPending() {
	for _, p := range r.pending {
		finish(p)
	}
	r.pending = nil
}

func finish(cmd command) {
	if cmd.done != nil {
		close(cmd.done)
	}
}

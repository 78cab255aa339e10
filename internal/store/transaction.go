package store

import "github.com/roach88/statecore/internal/value"

type txBuffer struct {
	writes []write
}

// Tx is the handle passed to a Transaction body.
type Tx struct {
	s *Store
}

// Set buffers a write.
func (tx *Tx) Set(path string, v any, opts ...SetOption) error {
	return tx.s.Set(path, v, opts...)
}

// SetMany buffers several writes.
func (tx *Tx) SetMany(values map[string]any, opts ...SetOption) error {
	return tx.s.SetMany(values, opts...)
}

// Get reads through the transaction's own buffered writes first.
func (tx *Tx) Get(path string, def ...any) value.Value {
	if tx.s.tx != nil {
		for i := len(tx.s.tx.writes) - 1; i >= 0; i-- {
			w := tx.s.tx.writes[i]
			if w.path.String() == path {
				return w.value
			}
		}
	}
	return tx.s.Get(path, def...)
}

// Transaction runs fn with every Set on the store buffered, then queues the
// buffer as a single update so subscribers see one notification pass for
// the whole change. If fn returns an error or panics, the buffer is
// discarded. Options apply to every buffered write that did not set its
// own; the default action type is "transaction".
//
// A Transaction started inside another joins the outer one.
func (s *Store) Transaction(fn func(tx *Tx) error, opts ...SetOption) error {
	tx := &Tx{s: s}
	if s.tx != nil {
		return fn(tx)
	}

	buf := &txBuffer{}
	s.tx = buf
	committed := false
	defer func() {
		if !committed {
			s.tx = nil
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	s.tx = nil
	committed = true

	o := buildSetOptions(opts)
	if o.actionType == "" {
		o.actionType = "transaction"
	}
	for _, w := range buf.writes {
		if w.opts.actionType == "" {
			w.opts.actionType = o.actionType
		}
		w.opts.skipHistory = w.opts.skipHistory || o.skipHistory
		w.opts.skipPersistence = w.opts.skipPersistence || o.skipPersistence
		s.submit(w)
	}
	return nil
}

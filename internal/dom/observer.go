package dom

import "strings"

// RecordType distinguishes mutation records.
type RecordType string

// Mutation record types.
const (
	RecordChildList  RecordType = "childList"
	RecordAttributes RecordType = "attributes"
)

// MutationRecord describes a single DOM change.
type MutationRecord struct {
	Type          RecordType
	Target        *Node
	AddedNodes    []*Node
	RemovedNodes  []*Node
	AttributeName string
	OldValue      string
}

// ObserveOptions selects which changes an observer receives.
type ObserveOptions struct {
	ChildList       bool
	Attributes      bool
	Subtree         bool
	AttributeFilter []string
}

type observation struct {
	target *Node
	opts   ObserveOptions
}

// MutationObserver queues records for the targets it observes and hands
// them to its callback when the document is flushed.
type MutationObserver struct {
	doc      *Document
	callback func([]MutationRecord, *MutationObserver)
	targets  []observation
	pending  []MutationRecord
}

// NewMutationObserver creates an observer bound to doc.
func NewMutationObserver(doc *Document, callback func([]MutationRecord, *MutationObserver)) *MutationObserver {
	return &MutationObserver{doc: doc, callback: callback}
}

// Observe starts (or updates) observation of target.
func (o *MutationObserver) Observe(target *Node, opts ObserveOptions) {
	if target == nil {
		return
	}
	for i := range o.targets {
		if o.targets[i].target == target {
			o.targets[i].opts = opts
			o.doc.register(o)
			return
		}
	}
	o.targets = append(o.targets, observation{target: target, opts: opts})
	o.doc.register(o)
}

// Disconnect stops all observation and drops pending records.
func (o *MutationObserver) Disconnect() {
	o.targets = nil
	o.pending = nil
	o.doc.unregister(o)
}

// Observing reports whether the observer has at least one target.
func (o *MutationObserver) Observing() bool {
	return len(o.targets) > 0
}

// TakeRecords returns and clears the pending records.
func (o *MutationObserver) TakeRecords() []MutationRecord {
	records := o.pending
	o.pending = nil
	return records
}

func (o *MutationObserver) enqueue(rec MutationRecord) {
	for _, obs := range o.targets {
		if obs.wants(rec) {
			o.pending = append(o.pending, rec)
			return
		}
	}
}

func (obs observation) wants(rec MutationRecord) bool {
	if rec.Target != obs.target && !(obs.opts.Subtree && obs.target.Contains(rec.Target)) {
		return false
	}
	switch rec.Type {
	case RecordChildList:
		return obs.opts.ChildList
	case RecordAttributes:
		if !obs.opts.Attributes {
			return false
		}
		if len(obs.opts.AttributeFilter) == 0 {
			return true
		}
		for _, name := range obs.opts.AttributeFilter {
			if strings.EqualFold(name, rec.AttributeName) {
				return true
			}
		}
	}
	return false
}

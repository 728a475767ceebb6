package journal

// MaybeRecordEvent records an event of evtType if j is usable and the
// type is enabled. The supplier is only called when the event is recorded.
//
// This is safe to call with a nil Journal, either because the value is nil,
// or because a journal obtained through NilJournal() is in use.
func MaybeRecordEvent(j Journal, evtType EventType, supplier func() interface{}) {
	if j == nil || j == nilj {
		return
	}
	if !evtType.Enabled() {
		return
	}
	j.RecordEvent(evtType, supplier)
}

// Register registers an event type, tolerating a nil journal.
func Register(j Journal, system, event string) EventType {
	if j == nil {
		return EventType{}
	}
	return j.RegisterEventType(system, event)
}

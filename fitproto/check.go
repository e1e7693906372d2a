package fitproto

// Session is the view of an in-flight Reader that checks may inspect.
type Session interface {
	Definition(local uint8) (*DefinitionMessage, bool)
	Offset() int64
}

// Check observes a decode pass. OnRecordHeader runs after each record header
// is parsed and OnMessage after each message body is fully decoded; a non-nil
// error aborts the pass. Checks keep state, so every pass needs fresh ones.
type Check interface {
	OnRecordHeader(s Session, h RecordHeader) error
	OnMessage(s Session, m Message) error
}

// NopCheck implements both hooks as no-ops. Embed it and override the hook
// a check cares about.
type NopCheck struct{}

func (NopCheck) OnRecordHeader(Session, RecordHeader) error { return nil }
func (NopCheck) OnMessage(Session, Message) error           { return nil }

package domain

// QueueKind groups queues by the kind of work they carry.
type QueueKind string

const (
	QueueKindMail     QueueKind = "mail"
	QueueKindMessages QueueKind = "messages"
	QueueKindSystem   QueueKind = "system"
)

// QueueInfo is a derived, never-persisted view over the task records sharing
// one queue key. It is computed on demand so it cannot drift from the
// underlying task set.
type QueueInfo struct {
	Key         string
	DisplayName string
	Kind        QueueKind
	Depth       int // queued + delayed
	Running     int
	Failed      int
	Paused      bool
}

// QueueSpec names a statically known queue.
type QueueSpec struct {
	Key         string
	DisplayName string
	Kind        QueueKind
}

// KnownQueues returns the static queue catalog. Backends may discover more
// queues dynamically; these are the ones the runtime polls by default.
func KnownQueues() []QueueSpec {
	return []QueueSpec{
		{Key: "mail", DisplayName: "Mail delivery", Kind: QueueKindMail},
		{Key: "messages", DisplayName: "User messages", Kind: QueueKindMessages},
		{Key: "system", DisplayName: "System tasks", Kind: QueueKindSystem},
	}
}

// KnownQueue returns the spec for key, if statically known.
func KnownQueue(key string) (QueueSpec, bool) {
	for _, spec := range KnownQueues() {
		if spec.Key == key {
			return spec, true
		}
	}
	return QueueSpec{}, false
}

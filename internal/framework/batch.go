package framework

// BatchTaskKind is the operation a batch task performs.
type BatchTaskKind string

const (
	BatchCreate BatchTaskKind = "create"
	BatchUpdate BatchTaskKind = "update"
	BatchDelete BatchTaskKind = "delete"
)

// BatchTask is one sub-operation of a batch. Its task index is its position in
// the submitted slice.
type BatchTask struct {
	Kind        BatchTaskKind    `msgpack:"kind"`
	ObjectClass ObjectClass      `msgpack:"object_class"`
	Uid         *Uid             `msgpack:"uid,omitempty"`
	Attributes  []Attribute      `msgpack:"attributes,omitempty"`
	UpdateType  UpdateType       `msgpack:"update_type,omitempty"`
	Options     OperationOptions `msgpack:"options,omitempty"`
}

// CreateTask builds a batch create task.
func CreateTask(oc ObjectClass, attrs ...Attribute) BatchTask {
	return BatchTask{Kind: BatchCreate, ObjectClass: oc, Attributes: attrs}
}

// UpdateTask builds a batch update task.
func UpdateTask(oc ObjectClass, uid Uid, typ UpdateType, attrs ...Attribute) BatchTask {
	return BatchTask{Kind: BatchUpdate, ObjectClass: oc, Uid: &uid, UpdateType: typ, Attributes: attrs}
}

// DeleteTask builds a batch delete task.
func DeleteTask(oc ObjectClass, uid Uid) BatchTask {
	return BatchTask{Kind: BatchDelete, ObjectClass: oc, Uid: &uid}
}

// BatchResult is the outcome of one batch task.
type BatchResult struct {
	TaskIndex int
	Uid       *Uid
	Err       error
}

// Empty reports whether the task produced no uid (deletes, failures).
func (r BatchResult) Empty() bool {
	return r.Uid == nil
}

// BatchToken is the opaque continuation state produced by the remote side.
type BatchToken struct {
	Tokens              []string `msgpack:"tokens,omitempty"`
	QueryRequired       bool     `msgpack:"query_required"`
	AsynchronousResults bool     `msgpack:"asynchronous_results"`
	ReturnsResults      bool     `msgpack:"returns_results"`
}

// HasMore reports whether a follow-up QueryBatch call is needed.
func (t BatchToken) HasMore() bool {
	return t.QueryRequired || t.AsynchronousResults
}

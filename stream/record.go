package stream

// Event names for change records. These follow the conventional stream
// vocabulary: INSERT for new items, MODIFY for replaced items, REMOVE for
// deletions.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// ValidEventName reports whether name is one of the three change event names.
func ValidEventName(name string) bool {
	switch name {
	case EventInsert, EventModify, EventRemove:
		return true
	}
	return false
}

// Key is the composite key of a table item. The partition key determines
// change ordering scope; the sort key disambiguates items within a partition.
type Key struct {
	PK string `msgpack:"pk"`
	SK string `msgpack:"sk"`
}

// Record is a single entry in the change log. It carries the old and new
// item images for the mutation that produced it:
//
//	INSERT -> NewImage only
//	MODIFY -> OldImage and NewImage
//	REMOVE -> OldImage only
//
// Records are immutable once appended and ordered per partition key.
type Record struct {
	Seq       uint64                 `msgpack:"seq"`   // Monotonic sequence, assigned on append
	EventName string                 `msgpack:"event"` // INSERT, MODIFY, REMOVE
	Table     string                 `msgpack:"tbl"`   // Source table name
	Keys      Key                    `msgpack:"keys"`  // Composite key of the affected item
	OldImage  map[string]interface{} `msgpack:"old,omitempty"`
	NewImage  map[string]interface{} `msgpack:"new,omitempty"`
	CommitTS  int64                  `msgpack:"ts"`   // Mutation commit time (unix ms)
	NodeID    uint64                 `msgpack:"node"` // Originating node
}

// Document returns the record in its template-addressable form. Template
// paths like keys.pk or newImage.name resolve against this map.
func (r Record) Document() map[string]interface{} {
	doc := map[string]interface{}{
		"eventName": r.EventName,
		"table":     r.Table,
		"keys": map[string]interface{}{
			"pk": r.Keys.PK,
			"sk": r.Keys.SK,
		},
		"seq": r.Seq,
		"ts":  r.CommitTS,
	}
	if r.OldImage != nil {
		doc["oldImage"] = r.OldImage
	}
	if r.NewImage != nil {
		doc["newImage"] = r.NewImage
	}
	return doc
}

package encoding

// Record is one line of a segment file. Records are immutable; build them
// with NewRecord or NewTombstone.
type Record struct {
	key       string
	index     uint64
	tombstone bool
	value     string
}

func NewRecord(key string, index uint64, value string) Record {
	return Record{key: key, index: index, value: value}
}

// NewTombstone builds a record that marks key as deleted at index.
func NewTombstone(key string, index uint64) Record {
	return Record{key: key, index: index, tombstone: true}
}

func (r Record) Key() string { return r.key }

// Index is the record's position in the replicated log.
func (r Record) Index() uint64 { return r.index }

func (r Record) Tombstone() bool { return r.tombstone }

// Value returns the stored value; ok is false for tombstones.
func (r Record) Value() (string, bool) {
	if r.tombstone {
		return "", false
	}
	return r.value, true
}

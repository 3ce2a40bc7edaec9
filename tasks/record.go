package tasks

import (
	"encoding/json"
	"time"
)

// FragmentRecord is the wire projection of a Fragment.
// Timestamps are Unix milliseconds.
type FragmentRecord struct {
	ID           string `json:"id" msgpack:"id"`
	Index        int    `json:"index" msgpack:"index"`
	State        string `json:"state" msgpack:"state"`
	Tag          string `json:"tag,omitempty" msgpack:"tag,omitempty"`
	Creation     int64  `json:"creation" msgpack:"creation"`
	Modification int64  `json:"modification" msgpack:"modification"`
}

// TaskRecord is the wire projection of a Task.
// Fragments are present only for full snapshots.
type TaskRecord struct {
	ID          string           `json:"id" msgpack:"id"`
	Job         string           `json:"job" msgpack:"job"`
	Creation    int64            `json:"creation" msgpack:"creation"`
	Update      int64            `json:"update" msgpack:"update"`
	Done        bool             `json:"done" msgpack:"done"`
	Description string           `json:"desc,omitempty" msgpack:"desc,omitempty"`
	Fragments   []FragmentRecord `json:"fragments,omitempty" msgpack:"fragments,omitempty"`
}

// Record returns the wire projection of the fragment.
func (f Fragment) Record() FragmentRecord {
	return FragmentRecord{
		ID:           f.ID,
		Index:        f.Index,
		State:        f.State.String(),
		Tag:          f.Tag,
		Creation:     toMillis(f.Creation),
		Modification: toMillis(f.Modification),
	}
}

// FragmentFromRecord rebuilds a fragment from its projection.
// Missing or unknown state tokens become Pending. A missing ID is generated.
func FragmentFromRecord(r FragmentRecord) Fragment {
	id := r.ID
	if id == "" {
		id = generateID()
	}
	return Fragment{
		ID:           id,
		Index:        r.Index,
		State:        ParseFragmentState(r.State),
		Tag:          r.Tag,
		Creation:     fromMillis(r.Creation),
		Modification: fromMillis(r.Modification),
	}
}

// Snapshot returns the wire projection of the task taken under one read
// lock. When full is false the fragment list is omitted.
func (t *Task) Snapshot(full bool) TaskRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := TaskRecord{
		ID:          t.id,
		Job:         t.jobID,
		Creation:    toMillis(t.creation),
		Update:      toMillis(t.modificationLocked()),
		Done:        t.doneLocked(),
		Description: t.description,
	}
	if full {
		rec.Fragments = make([]FragmentRecord, len(t.fragments))
		for i := range t.fragments {
			rec.Fragments[i] = t.fragments[i].Record()
		}
	}
	return rec
}

// TaskFromRecord rebuilds a task from its projection. Parsing is lenient:
// a missing ID is generated, unknown fragment states become Pending and a
// duplicated fragment ID is replaced by a fresh one. Done is derived from
// the fragments, not taken from the record.
func TaskFromRecord(r TaskRecord, opts ...TaskOption) *Task {
	if r.ID != "" {
		opts = append(opts, WithTaskID(r.ID))
	}
	if r.Description != "" {
		opts = append(opts, WithDescription(r.Description))
	}
	t := newTask(r.Job, opts...)
	if r.Creation != 0 {
		t.creation = fromMillis(r.Creation)
	}

	t.fragments = make([]Fragment, len(r.Fragments))
	for i, fr := range r.Fragments {
		f := FragmentFromRecord(fr)
		f.ID = t.uniqueID(fr.ID)
		if fr.Creation == 0 {
			f.Creation = t.creation
		}
		if fr.Modification == 0 {
			f.Modification = f.Creation
		}
		t.fragments[i] = f
		t.byID[f.ID] = i
		if f.State.IsTerminal() {
			t.terminal++
		}
	}
	return t
}

// Marshal serializes the record to JSON.
func (r *TaskRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalTaskRecord deserializes a task record from JSON.
// Structurally invalid input is returned as an error.
func UnmarshalTaskRecord(data []byte) (*TaskRecord, error) {
	var r TaskRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ParseTask deserializes a JSON task record and rebuilds the task.
func ParseTask(data []byte, opts ...TaskOption) (*Task, error) {
	r, err := UnmarshalTaskRecord(data)
	if err != nil {
		return nil, err
	}
	return TaskFromRecord(*r, opts...), nil
}

// MarshalTask serializes a task snapshot to JSON.
func MarshalTask(t *Task, full bool) ([]byte, error) {
	rec := t.Snapshot(full)
	return rec.Marshal()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

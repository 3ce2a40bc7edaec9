package codec

import "github.com/vinayprograms/fragkit/tasks"

// JSONCodec encodes task records as JSON.
type JSONCodec struct{}

func (c *JSONCodec) EncodeTask(rec *tasks.TaskRecord) ([]byte, error) {
	return rec.Marshal()
}

func (c *JSONCodec) DecodeTask(data []byte) (*tasks.TaskRecord, error) {
	return tasks.UnmarshalTaskRecord(data)
}

func (c *JSONCodec) Name() string { return NameJSON }

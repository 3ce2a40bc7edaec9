package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/fragkit/tasks"
)

// MsgpackCodec encodes task records as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) EncodeTask(rec *tasks.TaskRecord) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func (c *MsgpackCodec) DecodeTask(data []byte) (*tasks.TaskRecord, error) {
	var r tasks.TaskRecord
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *MsgpackCodec) Name() string { return NameMsgpack }

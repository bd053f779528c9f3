package sstable

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	"github.com/nimbusdb/tablestore"
)

// record is the serialized form of one partition's worth of data, encoded
// with encoding/gob (the exact on-disk byte layout is out of scope per
// spec.md §1; gob is a convenient stand-in the teacher's own marshalData
// helper leaves room for, since it only fixes the checksum/length framing,
// not the payload encoding).
type record struct {
	Key     []byte
	TokenI64 int64
	PU      *tablestore.PartitionUpdate
}

func init() {
	gob.Register(&tablestore.PartitionUpdate{})
}

// encodeRecord frames payload with a length prefix and a CRC32 checksum,
// mirroring SharedCode-sop/fs/marshaldata.go's marshalData framing.
func encodeRecord(pu *tablestore.PartitionUpdate) ([]byte, error) {
	tok, ok := pu.Key.Token.(tablestore.Int64Token)
	if !ok {
		return nil, fmt.Errorf("sstable: codec only supports Int64Token partition keys")
	}
	rec := record{Key: pu.Key.Bytes, TokenI64: int64(tok), PU: pu}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, pu.Key)
	}
	payload := buf.Bytes()

	out := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], crc32.ChecksumIEEE(payload))
	copy(out[8:], payload)
	return out, nil
}

// decodeRecords reads every framed record out of a Data component blob,
// validating each checksum.
func decodeRecords(data []byte) ([]*tablestore.PartitionUpdate, error) {
	var out []*tablestore.PartitionUpdate
	pos := 0
	for pos < len(data) {
		if pos+8 > len(data) {
			return nil, tablestore.NewError(tablestore.Corrupt, fmt.Errorf("truncated record header at offset %d", pos), nil)
		}
		n := binary.LittleEndian.Uint32(data[pos : pos+4])
		checksum := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		pos += 8
		if pos+int(n) > len(data) {
			return nil, tablestore.NewError(tablestore.Corrupt, fmt.Errorf("truncated record payload at offset %d", pos), nil)
		}
		payload := data[pos : pos+int(n)]
		pos += int(n)
		if crc32.ChecksumIEEE(payload) != checksum {
			return nil, tablestore.NewError(tablestore.Corrupt, fmt.Errorf("checksum mismatch at offset %d", pos), nil)
		}
		var rec record
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
			return nil, tablestore.NewError(tablestore.Corrupt, err, nil)
		}
		rec.PU.Key = tablestore.PartitionKey{Bytes: rec.Key, Token: tablestore.Int64Token(rec.TokenI64)}
		out = append(out, rec.PU)
	}
	return out, nil
}

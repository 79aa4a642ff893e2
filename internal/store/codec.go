package store

import (
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"

	"github.com/natemellendorf/wt-tracker/internal/model"
)

const snapshotSize = 8 + 3*8

var epoch = time.Unix(0, 0)

// EncodeTime encodes t as big-endian Unix nanoseconds, so keys sort in time
// order. Instants before 1970 encode as the epoch.
func EncodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	if t.After(epoch) {
		binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	}
	return b
}

// DecodeTime decodes a value written by EncodeTime.
func DecodeTime(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, ErrInvalidKey
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC(), nil
}

// EncodeSnapshot encodes a snapshot value.
func EncodeSnapshot(s model.Snapshot) []byte {
	b := make([]byte, snapshotSize)
	binary.BigEndian.PutUint64(b[0:], uint64(s.At.UnixNano()))
	binary.BigEndian.PutUint64(b[8:], uint64(s.Torrents))
	binary.BigEndian.PutUint64(b[16:], uint64(s.Peers))
	binary.BigEndian.PutUint64(b[24:], uint64(s.Connections))
	return b
}

// DecodeSnapshot decodes a value written by EncodeSnapshot.
func DecodeSnapshot(b []byte) (model.Snapshot, error) {
	if len(b) != snapshotSize {
		return model.Snapshot{}, xerrors.Errorf("snapshot: want %d bytes, got %d", snapshotSize, len(b))
	}
	return model.Snapshot{
		At:          time.Unix(0, int64(binary.BigEndian.Uint64(b[0:]))).UTC(),
		Torrents:    int(binary.BigEndian.Uint64(b[8:])),
		Peers:       int(binary.BigEndian.Uint64(b[16:])),
		Connections: int(binary.BigEndian.Uint64(b[24:])),
	}, nil
}

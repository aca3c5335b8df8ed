package state

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	markerPlain   byte = 0
	markerGzipped byte = 1
)

// MsgPackSerializer encodes values as MessagePack, gzipping large ones. The
// first byte of the output tells the two apart.
type MsgPackSerializer struct {
	UseCompression       bool
	CompressionThreshold int
}

// NewMsgPackSerializer compresses payloads of 1KB and more.
func NewMsgPackSerializer() *MsgPackSerializer {
	return &MsgPackSerializer{
		UseCompression:       true,
		CompressionThreshold: 1024,
	}
}

// Marshal serializes v.
func (s *MsgPackSerializer) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.UseCompression && len(data) >= s.CompressionThreshold {
		if compressed, err := gzipBytes(data); err == nil {
			return append([]byte{markerGzipped}, compressed...), nil
		}
	}
	return append([]byte{markerPlain}, data...), nil
}

// Unmarshal deserializes data into v.
func (s *MsgPackSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return ErrInvalidData
	}
	payload := data[1:]
	switch data[0] {
	case markerPlain:
	case markerGzipped:
		plain, err := gunzipBytes(payload)
		if err != nil {
			return err
		}
		payload = plain
	default:
		return ErrInvalidData
	}
	return msgpack.Unmarshal(payload, v)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

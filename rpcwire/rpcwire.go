// Package rpcwire implements the length-prefixed framing of spec.md
// §6.2 over a Unix domain socket: a 64-bit magic handshake, then
// Config/Download/Upload/Commit/Dismiss request/reply frames. Fields are
// encoded with the raw msgp.Writer/msgp.Reader primitives (map/string/
// int headers) rather than generated (un)marshalers — there is no fixed
// wire struct to run msgp's generator over, since request/reply shape
// varies by Kind.
package rpcwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Magic is the 64-bit constant the server writes immediately after
// accept; the client reads and verifies it before sending its first
// request (spec.md §6.2).
const Magic uint64 = 0x6275696c64636368 // "buildcch"

// Kind identifies a request/reply's operation (spec.md §4.5.2).
type Kind uint8

const (
	KindConfig Kind = iota
	KindDownload
	KindUpload
	KindCommit
	KindDismiss
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "Config"
	case KindDownload:
		return "Download"
	case KindUpload:
		return "Upload"
	case KindCommit:
		return "Commit"
	case KindDismiss:
		return "Dismiss"
	default:
		return "Unknown"
	}
}

// Fields is a flat string-keyed bag of scalar values, encoded as a msgp
// map. It is intentionally untyped: each Kind interprets its own set of
// keys (documented alongside the daemon ops that produce/consume them),
// rather than forcing one Go struct per message shape.
type Fields map[string]interface{}

// Message is one wire frame: a Kind, the connection id it belongs to
// (empty before a Config reply has assigned one), and its Fields.
type Message struct {
	Kind   Kind
	ConnID string
	Fields Fields
}

// WriteMagic sends the handshake magic; called once by the server
// immediately after accepting a connection.
func WriteMagic(w io.Writer) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], Magic)
	_, err := w.Write(b[:])
	return err
}

// ReadMagic reads and verifies the handshake magic; called once by the
// client immediately after connecting.
func ReadMagic(r io.Reader) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	if got := binary.BigEndian.Uint64(b[:]); got != Magic {
		return errors.Errorf("rpcwire: bad magic %#x", got)
	}
	return nil
}

// WriteMessage frames and writes msg: a 4-byte big-endian length prefix
// followed by a msgp-encoded map of {kind, conn_id, fields...}.
func WriteMessage(w io.Writer, msg Message) error {
	var buf bytes.Buffer
	mw := msgp.NewWriter(&buf)

	if err := mw.WriteMapHeader(3); err != nil {
		return err
	}
	if err := writeKV(mw, "kind", uint64(msg.Kind)); err != nil {
		return err
	}
	if err := writeKV(mw, "conn_id", msg.ConnID); err != nil {
		return err
	}
	if err := mw.WriteString("fields"); err != nil {
		return err
	}
	if err := writeFields(mw, msg.Fields); err != nil {
		return err
	}
	if err := mw.Flush(); err != nil {
		return err
	}

	var lenHdr [4]byte
	binary.BigEndian.PutUint32(lenHdr[:], uint32(buf.Len()))
	if _, err := w.Write(lenHdr[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadMessage reads one length-prefixed frame and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	var lenHdr [4]byte
	if _, err := io.ReadFull(r, lenHdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenHdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	mr := msgp.NewReader(bytes.NewReader(body))
	nFields, err := mr.ReadMapHeader()
	if err != nil || nFields != 3 {
		return Message{}, errors.New("rpcwire: malformed frame header")
	}

	var msg Message
	for i := 0; i < 3; i++ {
		key, err := mr.ReadString()
		if err != nil {
			return Message{}, err
		}
		switch key {
		case "kind":
			v, err := mr.ReadUint64()
			if err != nil {
				return Message{}, err
			}
			msg.Kind = Kind(v)
		case "conn_id":
			v, err := mr.ReadString()
			if err != nil {
				return Message{}, err
			}
			msg.ConnID = v
		case "fields":
			f, err := readFields(mr)
			if err != nil {
				return Message{}, err
			}
			msg.Fields = f
		default:
			if err := mr.Skip(); err != nil {
				return Message{}, err
			}
		}
	}
	return msg, nil
}

func writeKV(mw *msgp.Writer, key string, val interface{}) error {
	if err := mw.WriteString(key); err != nil {
		return err
	}
	return writeScalar(mw, val)
}

func writeFields(mw *msgp.Writer, f Fields) error {
	if err := mw.WriteMapHeader(uint32(len(f))); err != nil {
		return err
	}
	for k, v := range f {
		if err := writeKV(mw, k, v); err != nil {
			return err
		}
	}
	return nil
}

func writeScalar(mw *msgp.Writer, val interface{}) error {
	switch v := val.(type) {
	case string:
		return mw.WriteString(v)
	case bool:
		return mw.WriteBool(v)
	case int:
		return mw.WriteInt64(int64(v))
	case int64:
		return mw.WriteInt64(v)
	case uint32:
		return mw.WriteUint64(uint64(v))
	case uint64:
		return mw.WriteUint64(v)
	case []byte:
		return mw.WriteBytes(v)
	case []Fields:
		if err := mw.WriteArrayHeader(uint32(len(v))); err != nil {
			return err
		}
		for _, f := range v {
			if err := writeFields(mw, f); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return mw.WriteNil()
	default:
		return errors.Errorf("rpcwire: unsupported field type %T", val)
	}
}

func readFields(mr *msgp.Reader) (Fields, error) {
	n, err := mr.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	f := make(Fields, n)
	for i := uint32(0); i < n; i++ {
		k, err := mr.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := readScalar(mr)
		if err != nil {
			return nil, err
		}
		f[k] = v
	}
	return f, nil
}

func readScalar(mr *msgp.Reader) (interface{}, error) {
	typ, err := mr.NextType()
	if err != nil {
		return nil, err
	}
	switch typ {
	case msgp.StrType:
		return mr.ReadString()
	case msgp.BoolType:
		return mr.ReadBool()
	case msgp.IntType:
		return mr.ReadInt64()
	case msgp.UintType:
		return mr.ReadUint64()
	case msgp.BinType:
		return mr.ReadBytes(nil)
	case msgp.NilType:
		return nil, mr.ReadNil()
	case msgp.ArrayType:
		n, err := mr.ReadArrayHeader()
		if err != nil {
			return nil, err
		}
		out := make([]Fields, n)
		for i := uint32(0); i < n; i++ {
			f, err := readFields(mr)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, errors.Errorf("rpcwire: unsupported wire type %v", typ)
	}
}

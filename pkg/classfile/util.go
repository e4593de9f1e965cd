package classfile

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Big-endian primitives of the class file format.

func ReadUint8(rd io.Reader) (val uint8, err error) {
	if br, ok := rd.(io.ByteReader); ok {
		return br.ReadByte()
	}
	var b [1]byte
	_, err = io.ReadFull(rd, b[:])
	return b[0], err
}

func ReadUint16(rd io.Reader) (val uint16, err error) {
	var b [2]byte
	if _, err = io.ReadFull(rd, b[:]); err != nil {
		return
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func ReadUint32(rd io.Reader) (val uint32, err error) {
	var b [4]byte
	if _, err = io.ReadFull(rd, b[:]); err != nil {
		return
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func ReadUint64(rd io.Reader) (val uint64, err error) {
	var b [8]byte
	if _, err = io.ReadFull(rd, b[:]); err != nil {
		return
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func ReadBytesLen(rd io.Reader, length int) ([]byte, error) {
	b := make([]byte, length)
	_, err := io.ReadFull(rd, b)
	return b, err
}

func WriteUint8(w io.Writer, val uint8) (err error) {
	if bw, ok := w.(io.ByteWriter); ok {
		return bw.WriteByte(val)
	}
	_, err = w.Write([]byte{val})
	return
}

func WriteUint16(w io.Writer, val uint16) (err error) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], val)
	_, err = w.Write(b[:])
	return
}

func WriteUint32(w io.Writer, val uint32) (err error) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], val)
	_, err = w.Write(b[:])
	return
}

func WriteUint64(w io.Writer, val uint64) (err error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	_, err = w.Write(b[:])
	return
}

// offsetOf returns the number of bytes already consumed from r.
func offsetOf(r *bytes.Reader) int {
	return int(r.Size()) - r.Len()
}

func readEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

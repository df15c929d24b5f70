package vault

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// blobVersion is the on-disk layout version.
const blobVersion byte = 1

// marshalBlob emits the stable binary layout:
// version ‖ salt ‖ kdf params ‖ verifier nonce ‖ verifier ct ‖ entries.
// Variable fields are u32 length-prefixed, integers big-endian.
func marshalBlob(b *Blob) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(blobVersion)
	writeBytes(&buf, b.Salt)
	binary.Write(&buf, binary.BigEndian, b.Params.Time)
	binary.Write(&buf, binary.BigEndian, b.Params.Memory)
	buf.WriteByte(b.Params.Threads)
	writeBytes(&buf, b.VerifierNonce)
	writeBytes(&buf, b.VerifierCT)
	binary.Write(&buf, binary.BigEndian, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		writeBytes(&buf, []byte(e.Provider))
		writeBytes(&buf, e.Nonce)
		writeBytes(&buf, e.Ciphertext)
		binary.Write(&buf, binary.BigEndian, e.CreatedAt)
		binary.Write(&buf, binary.BigEndian, e.LastValidated)
		buf.WriteByte(e.LastValid)
	}
	return buf.Bytes(), nil
}

func unmarshalBlob(data []byte) (*Blob, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("vault blob: %w", err)
	}
	if version != blobVersion {
		return nil, fmt.Errorf("vault blob: unsupported version %d", version)
	}
	b := &Blob{}
	if b.Salt, err = readBytes(r); err != nil {
		return nil, err
	}
	if err = binary.Read(r, binary.BigEndian, &b.Params.Time); err != nil {
		return nil, err
	}
	if err = binary.Read(r, binary.BigEndian, &b.Params.Memory); err != nil {
		return nil, err
	}
	if b.Params.Threads, err = r.ReadByte(); err != nil {
		return nil, err
	}
	if b.VerifierNonce, err = readBytes(r); err != nil {
		return nil, err
	}
	if b.VerifierCT, err = readBytes(r); err != nil {
		return nil, err
	}
	var count uint32
	if err = binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var e Entry
		provider, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		e.Provider = string(provider)
		if e.Nonce, err = readBytes(r); err != nil {
			return nil, err
		}
		if e.Ciphertext, err = readBytes(r); err != nil {
			return nil, err
		}
		if err = binary.Read(r, binary.BigEndian, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err = binary.Read(r, binary.BigEndian, &e.LastValidated); err != nil {
			return nil, err
		}
		if e.LastValid, err = r.ReadByte(); err != nil {
			return nil, err
		}
		b.Entries = append(b.Entries, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("vault blob: %d trailing bytes", r.Len())
	}
	return b, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("vault blob: field of %d bytes exceeds input", n)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

package imgdb

import (
	"encoding/binary"
	"fmt"
	"io"

	bin "github.com/gagliardetto/binary"
	"github.com/valyala/bytebufferpool"
)

// Load accepts any version_code whose integer-width byte matches srzVSize,
// logging a warning when it is not the current one; a different width is a
// data error. OpenAlter accepts only the current version_code.
const (
	srzVSize    = 8 // host integer width byte recorded in version_code
	version090  = 9
	versionCode = uint32(srzVSize)<<8 | uint32(version090)
)

const idTablePadding = 1024

// encodeSignature writes one fixed-size Signature record using a Borsh-style
// little-endian encoder.
func encodeSignature(buf *bytebufferpool.ByteBuffer, sig *Signature) error {
	return encodeSignatureTo(buf, sig)
}

// encodeSignatureTo is the io.Writer-generic form, reused both for the
// pooled-buffer path (add, save) and alter mode's fixed-size record buffer
// written with WriteAt (appendAlterSignature, writeAlterSigAt).
func encodeSignatureTo(w io.Writer, sig *Signature) error {
	enc := bin.NewBorshEncoder(w)
	if err := enc.WriteUint64(sig.ID, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteInt32(sig.Width, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteInt32(sig.Height, binary.LittleEndian); err != nil {
		return err
	}
	for c := 0; c < NumChannels; c++ {
		for _, k := range sig.Sig[c] {
			if err := enc.WriteInt16(k, binary.LittleEndian); err != nil {
				return err
			}
		}
	}
	for c := 0; c < NumChannels; c++ {
		if err := enc.WriteFloat64(sig.AvgLF[c], binary.LittleEndian); err != nil {
			return err
		}
	}
	return nil
}

// decodeSignature is the inverse of encodeSignature.
func decodeSignature(data []byte) (Signature, error) {
	if len(data) != signatureRecordSize {
		return Signature{}, fmt.Errorf("signature record: expected %d bytes, got %d", signatureRecordSize, len(data))
	}
	dec := bin.NewBorshDecoder(data)
	var sig Signature

	id, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return sig, err
	}
	sig.ID = id

	w, err := dec.ReadInt32(bin.LE)
	if err != nil {
		return sig, err
	}
	sig.Width = w

	h, err := dec.ReadInt32(bin.LE)
	if err != nil {
		return sig, err
	}
	sig.Height = h

	for c := 0; c < NumChannels; c++ {
		for i := 0; i < NumCoefs; i++ {
			k, err := dec.ReadInt16(bin.LE)
			if err != nil {
				return sig, err
			}
			sig.Sig[c][i] = k
		}
	}
	for c := 0; c < NumChannels; c++ {
		f, err := dec.ReadFloat64(bin.LE)
		if err != nil {
			return sig, err
		}
		sig.AvgLF[c] = f
	}
	return sig, nil
}

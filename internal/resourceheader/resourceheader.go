// Package resourceheader reads and writes the small shared header every
// compiled artifact carries (spec §3 ResourceHeader, §6 "Compiled
// artifact header"). It is the only aspect of compiled-artifact format
// the server depends on; everything after the header is opaque payload
// the server never inspects.
package resourceheader

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/resourced/resourced/internal/resourceid"
)

// magic identifies a resourced-produced compiled artifact so a header
// read against a foreign or truncated file fails fast instead of
// silently decoding garbage.
const magic uint32 = 0x52455348 // "RESH"

const headerVersion uint16 = 1

// Header is the fixed-format prefix of every compiled artifact.
type Header struct {
	CompilerVersion     int32
	SourceTimestampHash uint64
	InstallDependencies []resourceid.ID
}

// Write serializes header to w as: magic | version | compiler_version |
// source_timestamp_hash | dep_count | deps (len-prefixed strings).
func Write(w io.Writer, h Header) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, headerVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, h.CompilerVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, h.SourceTimestampHash); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(h.InstallDependencies))); err != nil {
		return err
	}
	for _, dep := range h.InstallDependencies {
		s := dep.String()
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(s))); err != nil {
			return err
		}
		if _, err := bw.WriteString(s); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read parses a Header from the start of r. Any failure (short read,
// bad magic, unsupported version) is reported as an error; per §4.7
// step 2 the caller treats a failed read as NeedsCompile, never a fatal
// error.
func Read(r io.Reader) (Header, error) {
	var got uint32
	if err := binary.Read(r, binary.LittleEndian, &got); err != nil {
		return Header{}, fmt.Errorf("resourceheader: read magic: %w", err)
	}
	if got != magic {
		return Header{}, fmt.Errorf("resourceheader: bad magic %x", got)
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Header{}, fmt.Errorf("resourceheader: read version: %w", err)
	}
	if version != headerVersion {
		return Header{}, fmt.Errorf("resourceheader: unsupported header version %d", version)
	}

	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.CompilerVersion); err != nil {
		return Header{}, fmt.Errorf("resourceheader: read compiler version: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.SourceTimestampHash); err != nil {
		return Header{}, fmt.Errorf("resourceheader: read source hash: %w", err)
	}

	var depCount uint32
	if err := binary.Read(r, binary.LittleEndian, &depCount); err != nil {
		return Header{}, fmt.Errorf("resourceheader: read dep count: %w", err)
	}

	h.InstallDependencies = make([]resourceid.ID, 0, depCount)
	for i := uint32(0); i < depCount; i++ {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Header{}, fmt.Errorf("resourceheader: read dep length: %w", err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Header{}, fmt.Errorf("resourceheader: read dep: %w", err)
		}
		id, err := resourceid.Parse(string(buf))
		if err != nil {
			return Header{}, fmt.Errorf("resourceheader: parse dep: %w", err)
		}
		h.InstallDependencies = append(h.InstallDependencies, id)
	}

	return h, nil
}

// ReadFile opens path and reads its Header, leaving the rest of the
// file (the opaque compiled payload) unread.
func ReadFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

package ipcserver

import (
	"encoding/binary"
	"fmt"

	"github.com/resourced/resourced/internal/request"
	"github.com/resourced/resourced/internal/resourceid"
)

// fourCC packs a type tag (up to 4 ASCII characters) into a little-endian
// u32, matching the engine-side convention referenced throughout §6.
func fourCC(tag resourceid.TypeTag) uint32 {
	var b [4]byte
	copy(b[:], tag)
	return binary.LittleEndian.Uint32(b[:])
}

func fourCCToTag(v uint32) resourceid.TypeTag {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	n := 0
	for n < 4 && b[n] != 0 {
		n++
	}
	return resourceid.TypeTag(b[:n])
}

// EncodeResourceID serializes id as {u32 type_tag, u32 path_len, bytes path}.
func EncodeResourceID(id resourceid.ID) []byte {
	path := []byte(id.Path())
	buf := make([]byte, 8+len(path))
	binary.LittleEndian.PutUint32(buf[0:4], fourCC(id.Type()))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(path)))
	copy(buf[8:], path)
	return buf
}

// DecodeResourceID parses the {type_tag, path_len, path} payload of a
// RequestResource / ResourceUpdated message.
func DecodeResourceID(payload []byte) (resourceid.ID, error) {
	if len(payload) < 8 {
		return resourceid.ID{}, fmt.Errorf("ipcserver: resource id payload too short")
	}
	tag := fourCCToTag(binary.LittleEndian.Uint32(payload[0:4]))
	pathLen := binary.LittleEndian.Uint32(payload[4:8])
	if int(pathLen) != len(payload)-8 {
		return resourceid.ID{}, fmt.Errorf("ipcserver: resource id path length mismatch")
	}
	return resourceid.New(tag, string(payload[8:])), nil
}

// statusCode maps request.Status onto the wire byte used by
// ResourceRequestComplete (§6).
func statusCode(status request.Status) byte {
	switch status {
	case request.Succeeded:
		return 0
	case request.SucceededWithWarnings:
		return 1
	case request.SucceededUpToDate:
		return 2
	default:
		return 3 // Failed
	}
}

// EncodeResourceRequestComplete builds the {ResourceID, u8 status,
// u32 path_len, bytes compiled_path} payload.
func EncodeResourceRequestComplete(id resourceid.ID, status request.Status, compiledPath string) []byte {
	idPart := EncodeResourceID(id)
	pathBytes := []byte(compiledPath)

	buf := make([]byte, len(idPart)+1+4+len(pathBytes))
	off := copy(buf, idPart)
	buf[off] = statusCode(status)
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(pathBytes)))
	off += 4
	copy(buf[off:], pathBytes)
	return buf
}

// NewResourceUpdated builds a ResourceUpdated (id=3) broadcast message.
func NewResourceUpdated(id resourceid.ID) Message {
	return Message{ID: MsgResourceUpdated, Payload: EncodeResourceID(id)}
}

// NewResourceRequestComplete builds a ResourceRequestComplete (id=2) message.
func NewResourceRequestComplete(id resourceid.ID, status request.Status, compiledPath string) Message {
	return Message{ID: MsgResourceRequestComplete, Payload: EncodeResourceRequestComplete(id, status, compiledPath)}
}

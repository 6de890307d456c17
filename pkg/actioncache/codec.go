package actioncache

import (
	"time"

	"github.com/buildcore/buildcore/internal/codec"
	"github.com/buildcore/buildcore/pkg/model"
)

// Version is the Version byte written into every serialized ActionCache
// payload.
const Version uint8 = 1

// encode serializes entries per spec.md §6's ActionCache grammar:
//
//	Magic(ACRH) Version(1) EntryCountBE(4) ActionEntry*
//
// ActionEntry := TargetID Str, ActionType Uint8, SubID Str, InputHash Str,
//
//	OutputCountBE(4) (Path Str, ContentHash Str)*,
//	MetadataSidecar (WriteStringMap),
//	TimestampI64, LastAccessI64
//
// The four ActionId fields are written separately rather than through
// ActionId.String(): a canonical TargetId already contains a colon
// ("//pkg/path:name"), so splitting a flattened "target:type:sub:hash"
// string back apart is ambiguous and misattributes the target's own name
// segment to SubID.
func encode(entries map[string]*Entry) []byte {
	w := codec.NewWriter()
	w.WriteUint8(codec.MagicActionCache[0])
	w.WriteUint8(codec.MagicActionCache[1])
	w.WriteUint8(codec.MagicActionCache[2])
	w.WriteUint8(codec.MagicActionCache[3])
	w.WriteUint8(Version)

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sortStrings(keys)

	w.WriteUint32(uint32(len(keys)))
	for _, k := range keys {
		writeEntry(w, entries[k])
	}
	return w.Bytes()
}

func writeEntry(w *codec.Writer, e *Entry) {
	w.WriteString(string(e.ActionID.TargetID))
	w.WriteUint8(uint8(e.ActionID.Type))
	w.WriteString(e.ActionID.SubID)
	w.WriteString(e.ActionID.InputHash)

	paths := make([]string, 0, len(e.OutputHashes))
	for p := range e.OutputHashes {
		paths = append(paths, p)
	}
	sortStrings(paths)
	w.WriteUint32(uint32(len(paths)))
	for _, p := range paths {
		w.WriteString(p)
		w.WriteString(e.OutputHashes[p])
	}

	w.WriteStringMap(e.Metadata)
	w.WriteInt64(e.Timestamp.UnixNano())
	w.WriteInt64(e.LastAccess.UnixNano())
}

func decode(b []byte) (map[string]*Entry, error) {
	rest, err := codec.CheckMagicVersion(b, codec.MagicActionCache, Version)
	if err != nil {
		return nil, err
	}
	r := codec.NewReader(rest)

	count := r.ReadUint32()
	entries := make(map[string]*Entry, count)
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(r)
		if err != nil {
			return nil, err
		}
		entries[e.ActionID.String()] = e
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return entries, nil
}

func readEntry(r *codec.Reader) (*Entry, error) {
	id := model.ActionId{
		TargetID:  model.TargetId(r.ReadString()),
		Type:      model.ActionType(r.ReadUint8()),
		SubID:     r.ReadString(),
		InputHash: r.ReadString(),
	}
	e := &Entry{ActionID: id, OutputHashes: map[string]string{}}

	outCount := r.ReadUint32()
	for i := uint32(0); i < outCount; i++ {
		path := r.ReadString()
		hash := r.ReadString()
		e.OutputHashes[path] = hash
	}

	e.Metadata = r.ReadStringMap()
	e.Timestamp = time.Unix(0, r.ReadInt64())
	e.LastAccess = time.Unix(0, r.ReadInt64())

	if r.Err() != nil {
		return nil, r.Err()
	}
	return e, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

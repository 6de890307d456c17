package targetcache

import (
	"time"

	"github.com/buildcore/buildcore/internal/codec"
	"github.com/buildcore/buildcore/pkg/model"
)

// Version is the Version byte written into every serialized TargetCache
// payload. Bumping it invalidates every existing cache.bin, per spec.md §6.
const Version uint8 = 1

// encode serializes entries per spec.md §6's TargetCache grammar:
//
//	Magic(TCRH) Version(1) EntryCountBE(4) TargetEntry*
//
// TargetEntry := TargetID Str, BuildHash Str,
//
//	SourceCountBE(4) (Path Str, MetaHash Str, ContentHash Str)*,
//	DepCountBE(4) (DepTargetID Str, DepBuildHash Str)*,
//	TimestampI64, LastAccessI64
func encode(entries map[model.TargetId]*Entry) []byte {
	w := codec.NewWriter()
	w.WriteUint8(codec.MagicTargetCache[0])
	w.WriteUint8(codec.MagicTargetCache[1])
	w.WriteUint8(codec.MagicTargetCache[2])
	w.WriteUint8(codec.MagicTargetCache[3])
	w.WriteUint8(Version)

	ids := make([]model.TargetId, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sortTargetIDs(ids)

	w.WriteUint32(uint32(len(ids)))
	for _, id := range ids {
		writeEntry(w, entries[id])
	}
	return w.Bytes()
}

func writeEntry(w *codec.Writer, e *Entry) {
	w.WriteString(string(e.TargetID))
	w.WriteString(e.BuildHash)

	paths := make([]string, 0, len(e.SourceContentHashes))
	for p := range e.SourceContentHashes {
		paths = append(paths, p)
	}
	sortStrings(paths)
	w.WriteUint32(uint32(len(paths)))
	for _, p := range paths {
		w.WriteString(p)
		w.WriteString(e.SourceMetadataHashes[p])
		w.WriteString(e.SourceContentHashes[p])
	}

	deps := make([]model.TargetId, 0, len(e.DepBuildHashes))
	for d := range e.DepBuildHashes {
		deps = append(deps, d)
	}
	sortTargetIDs(deps)
	w.WriteUint32(uint32(len(deps)))
	for _, d := range deps {
		w.WriteString(string(d))
		w.WriteString(e.DepBuildHashes[d])
	}

	w.WriteInt64(e.Timestamp.UnixNano())
	w.WriteInt64(e.LastAccess.UnixNano())
}

// decode is the inverse of encode.
func decode(b []byte) (map[model.TargetId]*Entry, error) {
	rest, err := codec.CheckMagicVersion(b, codec.MagicTargetCache, Version)
	if err != nil {
		return nil, err
	}
	r := codec.NewReader(rest)

	count := r.ReadUint32()
	entries := make(map[model.TargetId]*Entry, count)
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(r)
		if err != nil {
			return nil, err
		}
		entries[e.TargetID] = e
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return entries, nil
}

func readEntry(r *codec.Reader) (*Entry, error) {
	e := &Entry{
		TargetID:             model.TargetId(r.ReadString()),
		BuildHash:            r.ReadString(),
		SourceContentHashes:  map[string]string{},
		SourceMetadataHashes: map[string]string{},
		DepBuildHashes:       map[model.TargetId]string{},
	}

	srcCount := r.ReadUint32()
	for i := uint32(0); i < srcCount; i++ {
		path := r.ReadString()
		meta := r.ReadString()
		content := r.ReadString()
		e.SourceMetadataHashes[path] = meta
		e.SourceContentHashes[path] = content
	}

	depCount := r.ReadUint32()
	for i := uint32(0); i < depCount; i++ {
		dep := model.TargetId(r.ReadString())
		hash := r.ReadString()
		e.DepBuildHashes[dep] = hash
	}

	e.Timestamp = time.Unix(0, r.ReadInt64())
	e.LastAccess = time.Unix(0, r.ReadInt64())

	if r.Err() != nil {
		return nil, r.Err()
	}
	return e, nil
}

func sortTargetIDs(ids []model.TargetId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

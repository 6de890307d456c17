package sourcerepo

import (
	"github.com/buildcore/buildcore/internal/codec"
)

const indexVersion uint8 = 1

var indexMagic = [4]byte{'S', 'R', 'C', 'I'}

// indexEntry is the tracker's per-path bookkeeping: the hash last recorded
// for path plus the metadata tier needed to run the same two-tier check C5
// uses, so detectChanges never re-hashes content unnecessarily.
type indexEntry struct {
	Path         string
	ContentHash  string
	MetadataHash string
	Size         int64
	ModTime      int64
}

func encodeIndex(entries map[string]indexEntry) []byte {
	w := codec.NewWriter()
	w.WriteUint8(indexMagic[0])
	w.WriteUint8(indexMagic[1])
	w.WriteUint8(indexMagic[2])
	w.WriteUint8(indexMagic[3])
	w.WriteUint8(indexVersion)

	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sortStrings(paths)

	w.WriteUint32(uint32(len(paths)))
	for _, p := range paths {
		e := entries[p]
		w.WriteString(e.Path)
		w.WriteString(e.ContentHash)
		w.WriteString(e.MetadataHash)
		w.WriteInt64(e.Size)
		w.WriteInt64(e.ModTime)
	}
	return w.Bytes()
}

func decodeIndex(b []byte) (map[string]indexEntry, error) {
	rest, err := codec.CheckMagicVersion(b, indexMagic, indexVersion)
	if err != nil {
		return nil, err
	}
	r := codec.NewReader(rest)
	count := r.ReadUint32()
	entries := make(map[string]indexEntry, count)
	for i := uint32(0); i < count; i++ {
		e := indexEntry{
			Path:         r.ReadString(),
			ContentHash:  r.ReadString(),
			MetadataHash: r.ReadString(),
			Size:         r.ReadInt64(),
			ModTime:      r.ReadInt64(),
		}
		if r.Err() != nil {
			return nil, r.Err()
		}
		entries[e.Path] = e
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return entries, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

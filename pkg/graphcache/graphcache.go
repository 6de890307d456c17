// Package graphcache implements the graph cache (C8): a signed, persisted
// copy of a validated BuildGraph keyed by a per-config-file metadata-then-
// content fingerprint, so re-analysis is skipped entirely when every
// declared config file is byte-identical to the last successful analysis.
package graphcache

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/buildcore/buildcore/internal/codec"
	"github.com/buildcore/buildcore/pkg/envelope"
	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
	"github.com/buildcore/buildcore/pkg/graph"
	"github.com/buildcore/buildcore/pkg/hash"
	"go.uber.org/zap"
)

var metadataMagic = [4]byte{'B', 'G', 'M', 'D'}

const metadataVersion uint8 = 1

// Cache persists one validated graph plus the metadata/content fingerprint
// of the config files it was built from.
type Cache struct {
	mu sync.Mutex

	graphPath    string
	metadataPath string
	signer       *envelope.Signer
	hasher       *hash.Hasher
	log          *zap.Logger
}

// Options configures a Cache at construction time.
type Options struct {
	GraphPath    string
	MetadataPath string
	Signer       *envelope.Signer
	Hasher       *hash.Hasher
	Logger       *zap.Logger
}

// New constructs a Cache. No disk I/O happens until Get/Put is called.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		graphPath:    opts.GraphPath,
		metadataPath: opts.MetadataPath,
		signer:       opts.Signer,
		hasher:       opts.Hasher,
		log:          opts.Logger,
	}
}

type fileFingerprint struct {
	path         string
	metadataHash string
	contentHash  string
}

// Get implements spec.md §4.8's lookup algorithm: absent cache ⇒ miss;
// envelope verify/expiry failure ⇒ clear and miss; metadata hashes all
// matching ⇒ fast-path hit; otherwise compare content hashes for any file
// whose metadata changed, any mismatch ⇒ miss and clear.
func (c *Cache) Get(configFiles []string) (*graph.BuildGraph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	graphRaw, err := os.ReadFile(c.graphPath)
	if err != nil {
		return nil, nil // absent cache file: miss, not an error
	}
	metaRaw, err := os.ReadFile(c.metadataPath)
	if err != nil {
		return nil, nil
	}

	graphEnv, err := envelope.Decode(graphRaw)
	if err != nil {
		c.clearLocked()
		return nil, nil
	}
	if c.signer != nil && !c.signer.Verify(graphEnv) {
		c.log.Warn("graph cache signature mismatch, clearing")
		c.clearLocked()
		return nil, nil
	}
	if envelope.IsExpired(graphEnv, envelope.DefaultMaxAge) {
		c.log.Info("graph cache expired, clearing")
		c.clearLocked()
		return nil, nil
	}

	metaEnv, err := envelope.Decode(metaRaw)
	if err != nil || (c.signer != nil && !c.signer.Verify(metaEnv)) {
		c.clearLocked()
		return nil, nil
	}
	recorded, err := decodeMetadata(metaEnv.Payload)
	if err != nil {
		c.clearLocked()
		return nil, nil
	}
	recordedByPath := make(map[string]fileFingerprint, len(recorded))
	for _, f := range recorded {
		recordedByPath[f.path] = f
	}

	fastPath := true
	for _, path := range configFiles {
		fp, ok := recordedByPath[path]
		if !ok {
			fastPath = false
			break
		}
		mh, err := c.hasher.MetadataHash(path)
		if err != nil {
			return nil, buildcoreerrors.Wrap(buildcoreerrors.IoError, "graphcache", "stat config file", err).
				WithContext("path", path)
		}
		if mh != fp.metadataHash {
			fastPath = false
			break
		}
	}

	if !fastPath {
		for _, path := range configFiles {
			fp, ok := recordedByPath[path]
			if !ok {
				c.clearLocked()
				return nil, nil
			}
			ch, err := c.hasher.ContentHash(path)
			if err != nil {
				return nil, buildcoreerrors.Wrap(buildcoreerrors.IoError, "graphcache", "hash config file", err).
					WithContext("path", path)
			}
			if ch != fp.contentHash {
				c.clearLocked()
				return nil, nil
			}
		}
	}

	g, err := graph.Deserialize(graphEnv.Payload)
	if err != nil {
		c.clearLocked()
		return nil, nil
	}
	return g, nil
}

// Put records metadata and content hashes for each config file, serializes
// g, signs, and writes both files atomically.
func (c *Cache) Put(g *graph.BuildGraph, configFiles []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fingerprints := make([]fileFingerprint, 0, len(configFiles))
	for _, path := range configFiles {
		mh, err := c.hasher.MetadataHash(path)
		if err != nil {
			return buildcoreerrors.Wrap(buildcoreerrors.IoError, "graphcache", "stat config file", err).
				WithContext("path", path)
		}
		ch, err := c.hasher.ContentHash(path)
		if err != nil {
			return buildcoreerrors.Wrap(buildcoreerrors.IoError, "graphcache", "hash config file", err).
				WithContext("path", path)
		}
		fingerprints = append(fingerprints, fileFingerprint{path: path, metadataHash: mh, contentHash: ch})
	}

	graphPayload := g.Serialize()
	graphOut := graphPayload
	metaPayload := encodeMetadata(fingerprints)
	metaOut := metaPayload
	if c.signer != nil {
		graphOut = envelope.Encode(c.signer.Sign(graphPayload))
		metaOut = envelope.Encode(c.signer.Sign(metaPayload))
	}

	if err := writeAtomic(c.graphPath, graphOut); err != nil {
		return err
	}
	return writeAtomic(c.metadataPath, metaOut)
}

func (c *Cache) clearLocked() {
	os.Remove(c.graphPath)
	os.Remove(c.metadataPath)
}

func writeAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "graphcache", "mkdir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "graphcache", "write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return buildcoreerrors.Wrap(buildcoreerrors.IoError, "graphcache", "rename", err)
	}
	return nil
}

func encodeMetadata(fps []fileFingerprint) []byte {
	w := codec.NewWriter()
	w.WriteUint8(metadataMagic[0])
	w.WriteUint8(metadataMagic[1])
	w.WriteUint8(metadataMagic[2])
	w.WriteUint8(metadataMagic[3])
	w.WriteUint8(metadataVersion)
	w.WriteUint32(uint32(len(fps)))
	for _, fp := range fps {
		w.WriteString(fp.path)
		w.WriteString(fp.metadataHash)
		w.WriteString(fp.contentHash)
	}
	return w.Bytes()
}

func decodeMetadata(b []byte) ([]fileFingerprint, error) {
	rest, err := codec.CheckMagicVersion(b, metadataMagic, metadataVersion)
	if err != nil {
		return nil, err
	}
	r := codec.NewReader(rest)
	count := r.ReadUint32()
	out := make([]fileFingerprint, 0, count)
	for i := uint32(0); i < count; i++ {
		fp := fileFingerprint{path: r.ReadString(), metadataHash: r.ReadString(), contentHash: r.ReadString()}
		if r.Err() != nil {
			return nil, r.Err()
		}
		out = append(out, fp)
	}
	return out, nil
}

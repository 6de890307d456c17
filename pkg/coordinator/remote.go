package coordinator

import "context"

// RemoteCacheClient is the optional collaborator spec.md §6 names:
// {has, get, put}(key) → Result. The core never specifies a transport;
// callers plug in whatever RPC/HTTP client fits their remote build farm.
type RemoteCacheClient interface {
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// NopRemoteCacheClient is the zero-value remote client: every lookup misses,
// every push is silently dropped. Used when no remote is configured.
type NopRemoteCacheClient struct{}

func (NopRemoteCacheClient) Has(context.Context, string) (bool, error)         { return false, nil }
func (NopRemoteCacheClient) Get(context.Context, string) ([]byte, error)      { return nil, errNoRemote }
func (NopRemoteCacheClient) Put(context.Context, string, []byte) error        { return nil }

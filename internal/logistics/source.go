// Package logistics moves data between endpoints: local filesystem paths,
// a grid-transfer style batch submission system, a remote shell, and plain
// HTTP. It batches transfers by transport and endpoint pair so expensive
// remote transfers run concurrently with cheap local ones.
package logistics

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/metasmith/internal/hashing"
)

// Transport names the mechanism used to move one side of a transfer.
type Transport int

const (
	Direct Transport = iota
	Symlink
	LocalBatch
	RemoteShell
	HTTP
)

func (t Transport) String() string {
	switch t {
	case Direct:
		return "direct"
	case Symlink:
		return "symlink"
	case LocalBatch:
		return "local_batch"
	case RemoteShell:
		return "remote_shell"
	case HTTP:
		return "http"
	default:
		return "unknown"
	}
}

// isRemote reports whether t requires a batch submission, a shell on
// another host, or an HTTP round trip rather than a plain filesystem op.
func (t Transport) isRemote() bool {
	return t == LocalBatch || t == RemoteShell || t == HTTP
}

// Source addresses one endpoint of a transfer. Address syntax depends on
// Transport: a filesystem path for Direct/Symlink, "endpoint:path" (or a
// portal URL carrying origin_id/origin_path query parameters) for
// LocalBatch, "host:path" for RemoteShell, and a URL for HTTP.
type Source struct {
	Address   string
	Transport Transport
}

// NewSource builds a Source, validating that a Direct/Symlink address is
// absolute.
func NewSource(address string, transport Transport) (Source, error) {
	if transport == Direct || transport == Symlink {
		if !filepath.IsAbs(address) {
			return Source{}, fmt.Errorf("logistics: local source address must be absolute: %q", address)
		}
	}
	return Source{Address: address, Transport: transport}, nil
}

var sourceKeyGen = hashing.New(false)

// hash returns a stable key for deduplication, mirroring the original's
// use of a string hash of address+type as a dataclass __hash__.
func (s Source) hash() string {
	return sourceKeyGen.FromStr(s.Address+s.Transport.String(), 16)
}

// Join appends rel to a Direct/Symlink address.
func (s Source) Join(rel string) (Source, error) {
	if filepath.IsAbs(rel) {
		return Source{}, fmt.Errorf("logistics: relative join path must not be absolute: %q", rel)
	}
	addr := strings.TrimSuffix(s.Address, "/")
	return Source{Address: addr + "/" + rel, Transport: s.Transport}, nil
}

// Name returns the final path component of the address, optionally without
// its extension.
func (s Source) Name(extension bool) string {
	last := s.Address
	if i := strings.LastIndex(last, ":"); i >= 0 && s.Transport != Direct && s.Transport != Symlink {
		last = last[i+1:]
	}
	base := filepath.Base(last)
	if extension {
		return base
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// endpointPair extracts the (origin, destination) endpoint identity used to
// group a batch: the host/endpoint component of a remote address, parsed
// either out of "endpoint:path" shorthand or a portal URL's query string.
func endpointPair(s Source) string {
	if strings.Contains(s.Address, "://") {
		u, err := url.Parse(s.Address)
		if err == nil {
			q := u.Query()
			for _, k := range []string{"origin_id", "destination_id"} {
				if v := q.Get(k); v != "" {
					return v
				}
			}
			return u.Host
		}
	}
	if i := strings.Index(s.Address, ":"); i >= 0 {
		return s.Address[:i]
	}
	return s.Address
}

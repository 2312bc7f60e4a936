package edgetransport

import (
	"net/http"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/imagemanager"
	"github.com/cuemby/aoslauncher/pkg/types"
)

// BlobCatalog resolves digests to download URLs from a static digest->URL
// map (edgetransport.Config.BlobURLs) and HEADs each URL for its size.
// Satisfies pkg/imagemanager.BlobInfoProvider. A real deployment replaces
// this with the cloud catalog client behind the same interface.
type BlobCatalog struct {
	r          *registry
	httpClient *http.Client
}

// NewBlobCatalog wraps a Registries' shared config with a BlobInfoProvider.
func NewBlobCatalog(regs *Registries, client *http.Client) *BlobCatalog {
	if client == nil {
		client = http.DefaultClient
	}
	return &BlobCatalog{r: regs.Nodes.r, httpClient: client}
}

// GetBlobsInfo satisfies pkg/imagemanager.BlobInfoProvider.
func (c *BlobCatalog) GetBlobsInfo(digests []types.Digest) ([]imagemanager.BlobInfo, error) {
	c.r.mu.RLock()
	urls := c.r.cfg.BlobURLs
	c.r.mu.RUnlock()

	out := make([]imagemanager.BlobInfo, 0, len(digests))
	for _, d := range digests {
		url, ok := urls[d]
		if !ok {
			return nil, aoserrors.New(aoserrors.KindNotFound, "no catalog entry for digest "+string(d))
		}
		out = append(out, imagemanager.BlobInfo{
			Digest: d,
			URL:    url,
			Size:   c.headSize(url),
		})
	}
	return out, nil
}

// headSize returns the advertised Content-Length, or 0 when the server
// doesn't report one (the image manager uses this size only when the
// manifest descriptor declares none, and reserves no space when it is 0).
func (c *BlobCatalog) headSize(url string) int64 {
	resp, err := c.httpClient.Head(url)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.ContentLength < 0 {
		return 0
	}
	return resp.ContentLength
}

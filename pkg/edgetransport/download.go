package edgetransport

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
)

// HTTPDownloader fetches a blob over plain HTTP(S) and streams it to
// destPath. Satisfies pkg/imagemanager.Downloader.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader wraps client (http.DefaultClient if nil).
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{client: client}
}

// Download satisfies pkg/imagemanager.Downloader. It writes to a uniquely
// named temp file alongside destPath and renames it into place only once
// the transfer completes, so a failed or interrupted download never
// leaves a partial file at destPath.
func (d *HTTPDownloader) Download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindInvalidArgument, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return aoserrors.New(aoserrors.KindFailed, "download "+url+": unexpected status "+resp.Status)
	}

	tmpPath := destPath + ".download-" + uuid.NewString()
	f, err := os.Create(tmpPath)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	return nil
}

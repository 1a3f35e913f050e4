package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gotd/td/tg"

	"github.com/esse-scrape/gram/internal/domain"
)

// mediaRef is the wire shape stored in a Message's media reference: just
// enough to rebuild an InputDocumentFileLocation later, since the raw
// platform document object is not retained.
type mediaRef struct {
	DocumentID    int64  `json:"document_id"`
	AccessHash    int64  `json:"access_hash"`
	FileReference []byte `json:"file_reference"`
}

const (
	defaultChunkSize   = 512 * 1024
	maxDownloadRetries = 3 // not counting DC-redirect retries
	maxDCRedirects     = 3 // bounds FILE_MIGRATE loops against a flapping DC
)

// Download returns a pull-based byte stream over one media item, handed
// directly to the HTTP adapter's response writer.
func (c *Client) Download(ctx context.Context, cfg domain.DownloadConfig) (io.ReadCloser, error) {
	var ref mediaRef
	if err := json.Unmarshal(cfg.MediaRaw, &ref); err != nil {
		return nil, fmt.Errorf("platform: decode media reference: %w", err)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &downloadStream{
		client: c,
		loc: &tg.InputDocumentFileLocation{
			ID:            ref.DocumentID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
		},
		offset:    cfg.Offset,
		chunkSize: chunkSize,
		api:       c.api,
	}, nil
}

// downloadStream pulls successive chunks on Read, tracking its own
// offset/DC state so it can be handed straight to an http.ResponseWriter
// via io.Copy.
type downloadStream struct {
	client    *Client
	loc       tg.InputFileLocationClass
	offset    int64
	chunkSize int32

	// api is the connection chunks are currently fetched through: the
	// primary client until a FILE_MIGRATE redirect retargets it to a
	// secondary per-DC connection, which then stays pinned for the rest
	// of this stream's reads.
	api           *tg.Client
	redirectCount int

	pending []byte
	done    bool
}

func (d *downloadStream) Read(p []byte) (int, error) {
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}
	if d.done {
		return 0, io.EOF
	}
	chunk, err := d.fetchChunk(context.Background())
	if err != nil {
		return 0, err
	}
	if len(chunk) == 0 {
		d.done = true
		return 0, io.EOF
	}
	d.offset += int64(len(chunk))
	n := copy(p, chunk)
	if n < len(chunk) {
		d.pending = chunk[n:]
	}
	return n, nil
}

func (d *downloadStream) Close() error { return nil }

// fetchChunk requests one chunk, retrying RPC failures up to
// maxDownloadRetries times; a file-migrate redirect opens (or reuses) an
// authorized connection to the target data center and retries against
// that, bounded separately by maxDCRedirects so a flapping redirect can't
// spin the stream forever.
func (d *downloadStream) fetchChunk(ctx context.Context) ([]byte, error) {
	attempts := 0
	for {
		if err := d.client.throttle(ctx); err != nil {
			return nil, err
		}
		result, err := d.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
			Precise:      true,
			CDNSupported: false,
			Location:     d.loc,
			Offset:       d.offset,
			Limit:        d.chunkSize,
		})
		if err == nil {
			file, ok := result.(*tg.UploadFile)
			if !ok {
				return nil, fmt.Errorf("platform: unexpected upload.getFile response %T", result)
			}
			return file.Bytes, nil
		}
		if dc, ok := isFileMigrate(err); ok {
			d.redirectCount++
			if d.redirectCount > maxDCRedirects {
				return nil, fmt.Errorf("platform: download redirected more than %d times, last target dc %d", maxDCRedirects, dc)
			}
			dcAPI, dcErr := d.client.dcClientFor(ctx, dc)
			if dcErr != nil {
				return nil, fmt.Errorf("platform: follow file-migrate to dc %d: %w", dc, dcErr)
			}
			d.api = dcAPI
			continue
		}
		attempts++
		if attempts > maxDownloadRetries {
			return nil, fmt.Errorf("platform: download chunk failed after %d attempts: %w", attempts, err)
		}
	}
}

package platform

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

// dcConn is a secondary, auth.importAuthorization-backed connection to a
// non-primary data center, opened only when a file-migrate redirect
// points a download at media the primary connection doesn't carry.
type dcConn struct {
	tg     *telegram.Client
	api    *tg.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// dcClientFor returns an authorized *tg.Client pinned to dcID, creating
// and caching the underlying connection on first use. The secondary
// connection reuses the primary session's authorization via
// auth.exportAuthorization/auth.importAuthorization rather than
// re-running the login flow, exactly as every MTProto client must when
// following a DC redirect.
func (c *Client) dcClientFor(ctx context.Context, dcID int) (*tg.Client, error) {
	c.mu.Lock()
	if existing, ok := c.dcConns[dcID]; ok {
		c.mu.Unlock()
		return existing.api, nil
	}
	c.mu.Unlock()

	exported, err := c.api.AuthExportAuthorization(ctx, dcID)
	if err != nil {
		return nil, fmt.Errorf("platform: export authorization to dc %d: %w", dcID, err)
	}

	secondary := telegram.NewClient(c.opts.APIID, c.opts.APIHash, telegram.Options{
		DC:     dcID,
		DCList: telegram.ProductionDC(),
		Device: telegram.DeviceConfig{
			DeviceModel:    c.opts.DeviceModel,
			AppVersion:     c.opts.AppVersion,
			SystemLangCode: c.opts.SystemLangCode,
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = secondary.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
	}()
	select {
	case <-ready:
	case <-done:
		cancel()
		if runErr != nil {
			return nil, fmt.Errorf("platform: connect to dc %d: %w", dcID, runErr)
		}
		return nil, fmt.Errorf("platform: connect to dc %d: connection closed before ready", dcID)
	}

	api := secondary.API()
	if _, err := api.AuthImportAuthorization(ctx, &tg.AuthImportAuthorizationRequest{
		ID:    exported.ID,
		Bytes: exported.Bytes,
	}); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("platform: import authorization on dc %d: %w", dcID, err)
	}

	c.mu.Lock()
	if c.dcConns == nil {
		c.dcConns = make(map[int]*dcConn)
	}
	c.dcConns[dcID] = &dcConn{tg: secondary, api: api, cancel: cancel, done: done}
	c.mu.Unlock()
	return api, nil
}

// closeDCConns tears down every secondary DC connection opened for file
// redirects; Close calls this alongside shutting down the primary one.
func (c *Client) closeDCConns() {
	c.mu.Lock()
	conns := c.dcConns
	c.dcConns = nil
	c.mu.Unlock()
	for _, conn := range conns {
		conn.cancel()
		<-conn.done
	}
}

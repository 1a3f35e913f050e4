// Package sessionstore is C3: it mediates the session table's in_use flag
// and turns a stored frozen blob into a connected platform client, the
// reverse on release, and performs the one-time interactive login a fresh
// account needs.
package sessionstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/esse-scrape/gram/internal/domain"
	"github.com/esse-scrape/gram/internal/platform"
)

// Connector builds a connected, logged-in platform client from a
// credential and an optional frozen session blob (nil for a fresh login).
// The production default wraps platform.NewClient + Run; tests substitute
// a fake so Acquire/Bootstrap never touch a real MTProto connection.
type Connector func(ctx context.Context, cred domain.ApiCredential, rps float64, frozen []byte) (domain.PlatformClient, error)

// LoginClient is the subset of domain.PlatformClient a Connector's result
// must additionally support during Bootstrap's interactive login.
type LoginClient interface {
	domain.PlatformClient
	RequestLogin(ctx context.Context, phone string) (platform.LoginToken, error)
	ConfirmLogin(ctx context.Context, token platform.LoginToken, code string) error
}

// defaultConnect is the production Connector. Every frozen blob this
// system itself produces comes from Client.Freeze, i.e. gotd's own
// session.Data JSON shape (spec §4.3) — there is no operator-facing path
// that imports a session from elsewhere, so the only job here is to fail
// fast with a clear error if a row somehow holds something else, rather
// than handing gotd's Loader bytes it can't parse.
func defaultConnect(ctx context.Context, cred domain.ApiCredential, rps float64, frozen []byte) (domain.PlatformClient, error) {
	if len(frozen) > 0 {
		if err := checkNativeSession(frozen); err != nil {
			return nil, fmt.Errorf("sessionstore: frozen session: %w", err)
		}
	}

	client := platform.NewClient(platform.Options{
		APIID:     int(cred.APIID),
		APIHash:   cred.APIHash,
		GlobalRPS: rps,
	}, frozen)
	if err := client.Run(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Store implements the acquire/release/bootstrap lifecycle from spec §4.3.
type Store struct {
	repo     domain.SessionRepo
	registry *platform.Registry
	log      zerolog.Logger
	rps      float64
	connect  Connector

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*pendingLogin
}

// pendingLogin holds one in-flight request_login/confirm_login exchange,
// initiated over HTTP rather than Bootstrap's own stdin prompt.
type pendingLogin struct {
	client  LoginClient
	token   platform.LoginToken
	cred    domain.ApiCredential
	account domain.Account
}

// New builds a Store over repo, publishing connected clients into registry.
func New(repo domain.SessionRepo, registry *platform.Registry, log zerolog.Logger, globalRPS float64) *Store {
	return &Store{repo: repo, registry: registry, log: log, rps: globalRPS, connect: defaultConnect, pending: make(map[uuid.UUID]*pendingLogin)}
}

// WithConnector overrides the client-construction step, for tests.
func (s *Store) WithConnector(c Connector) *Store {
	s.connect = c
	return s
}

// Handle is one acquired or bootstrapped session: the id the caller must
// pass to Release, the account it belongs to (resolution caching and
// message rows are account-scoped), and the connected client.
type Handle struct {
	SessionID uuid.UUID
	AccountID uuid.UUID
	Client    domain.PlatformClient
}

// Acquire reserves the most-recently-used frozen session row, connects it,
// and publishes it into the registry under its session id. It returns
// domain.ErrNoSession if no row currently qualifies.
func (s *Store) Acquire(ctx context.Context) (Handle, error) {
	sess, cred, ok, err := s.repo.AcquireFrozen(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("sessionstore: acquire: %w", err)
	}
	if !ok {
		return Handle{}, domain.ErrNoSession
	}

	client, err := s.connect(ctx, cred, s.rps, sess.FrozenData)
	if err != nil {
		// The row stays in_use=true; per §4.3 a crash mid-use requires an
		// operator reset, and a failed connect is treated the same way
		// rather than silently releasing a row that may be mid-crash.
		return Handle{}, fmt.Errorf("sessionstore: connect session %s: %w", sess.ID, err)
	}

	s.registry.Store(sess.ID, client)
	return Handle{SessionID: sess.ID, AccountID: sess.AccountID, Client: client}, nil
}

// Release freezes the client's current state, persists it, flips in_use
// back to false, and removes the session from the registry.
func (s *Store) Release(ctx context.Context, id uuid.UUID, client domain.PlatformClient) error {
	frozen, err := client.Freeze(ctx)
	if err != nil {
		return fmt.Errorf("sessionstore: freeze session %s: %w", id, err)
	}
	if err := client.Close(); err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("sessionstore: client close returned an error")
	}
	s.registry.Delete(id)
	if err := s.repo.MarkReleased(ctx, id, frozen); err != nil {
		return fmt.Errorf("sessionstore: mark released session %s: %w", id, err)
	}
	return nil
}

// Logout closes client and marks the session row released with its frozen
// blob wiped, rather than the refreshed bytes Release would write — the
// row stays addressable by id (for audit/history) but can never be
// reconnected from, distinguishing a deliberate logout from a freeze an
// operator might want to resume.
func (s *Store) Logout(ctx context.Context, id uuid.UUID, client domain.PlatformClient) error {
	if err := client.Close(); err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("sessionstore: client close returned an error during logout")
	}
	s.registry.Delete(id)
	if err := s.repo.MarkReleased(ctx, id, nil); err != nil {
		return fmt.Errorf("sessionstore: logout session %s: %w", id, err)
	}
	return nil
}

// Bootstrap performs a fresh account's first login: it reads a phone and
// credential already present in the database, prompts the operator for a
// verification code on standard input, and inserts the resulting session
// row in_use=true so the caller can use it immediately.
func (s *Store) Bootstrap(ctx context.Context) (Handle, error) {
	account, err := s.repo.AnyAccount(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("sessionstore: bootstrap: no account available: %w", err)
	}
	cred, err := s.repo.AnyCredential(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("sessionstore: bootstrap: no credential available: %w", err)
	}

	connected, err := s.connect(ctx, cred, s.rps, nil)
	if err != nil {
		return Handle{}, fmt.Errorf("sessionstore: bootstrap connect: %w", err)
	}
	client, ok := connected.(LoginClient)
	if !ok {
		_ = connected.Close()
		return Handle{}, fmt.Errorf("sessionstore: bootstrap: connector did not return a login-capable client")
	}

	token, err := client.RequestLogin(ctx, account.Phone)
	if err != nil {
		_ = client.Close()
		return Handle{}, fmt.Errorf("sessionstore: bootstrap request login: %w", err)
	}
	code, err := readCodeFromStdin(ctx, account.Phone)
	if err != nil {
		_ = client.Close()
		return Handle{}, err
	}
	if err := client.ConfirmLogin(ctx, token, code); err != nil {
		_ = client.Close()
		return Handle{}, fmt.Errorf("sessionstore: bootstrap confirm login: %w", err)
	}

	frozen, err := client.Freeze(ctx)
	if err != nil {
		_ = client.Close()
		return Handle{}, fmt.Errorf("sessionstore: bootstrap freeze: %w", err)
	}
	sess, err := s.repo.Insert(ctx, cred.ID, account.ID, frozen)
	if err != nil {
		_ = client.Close()
		return Handle{}, fmt.Errorf("sessionstore: bootstrap insert session: %w", err)
	}

	s.registry.Store(sess.ID, client)
	return Handle{SessionID: sess.ID, AccountID: sess.AccountID, Client: client}, nil
}

// RequestLogin begins the HTTP/websocket login flow: it connects a fresh
// client and requests a login code, returning an opaque id the caller
// passes back to ConfirmLogin. Unlike Bootstrap, the code itself never
// touches standard input — the caller (internal/httpapi) supplies it from
// the request body or a websocket frame.
func (s *Store) RequestLogin(ctx context.Context, phone string) (uuid.UUID, error) {
	account, err := s.repo.AnyAccount(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("sessionstore: request login: no account available: %w", err)
	}
	cred, err := s.repo.AnyCredential(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("sessionstore: request login: no credential available: %w", err)
	}

	connected, err := s.connect(ctx, cred, s.rps, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("sessionstore: request login connect: %w", err)
	}
	client, ok := connected.(LoginClient)
	if !ok {
		_ = connected.Close()
		return uuid.Nil, fmt.Errorf("sessionstore: request login: connector did not return a login-capable client")
	}

	token, err := client.RequestLogin(ctx, phone)
	if err != nil {
		_ = client.Close()
		return uuid.Nil, fmt.Errorf("sessionstore: request login: %w", err)
	}

	id := uuid.New()
	s.pendingMu.Lock()
	s.pending[id] = &pendingLogin{client: client, token: token, cred: cred, account: account}
	s.pendingMu.Unlock()
	return id, nil
}

// ConfirmLogin finishes a login started by RequestLogin: it submits code,
// freezes the resulting session, persists it in_use=true, and publishes the
// client into the registry exactly like Bootstrap.
func (s *Store) ConfirmLogin(ctx context.Context, id uuid.UUID, code string) (Handle, error) {
	s.pendingMu.Lock()
	pending, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if !ok {
		return Handle{}, fmt.Errorf("sessionstore: confirm login: unknown or expired login id %s", id)
	}

	if err := pending.client.ConfirmLogin(ctx, pending.token, code); err != nil {
		_ = pending.client.Close()
		return Handle{}, fmt.Errorf("sessionstore: confirm login: %w", err)
	}

	frozen, err := pending.client.Freeze(ctx)
	if err != nil {
		_ = pending.client.Close()
		return Handle{}, fmt.Errorf("sessionstore: confirm login: freeze: %w", err)
	}
	sess, err := s.repo.Insert(ctx, pending.cred.ID, pending.account.ID, frozen)
	if err != nil {
		_ = pending.client.Close()
		return Handle{}, fmt.Errorf("sessionstore: confirm login: insert session: %w", err)
	}

	s.registry.Store(sess.ID, pending.client)
	return Handle{SessionID: sess.ID, AccountID: sess.AccountID, Client: pending.client}, nil
}

// checkNativeSession verifies that data is gotd's own session.Data JSON
// envelope ({"Version": N, "Data": {...}} with N != 0) rather than
// something unrecognized that would otherwise surface as an opaque
// unmarshal error deep inside gotd's Loader.
func checkNativeSession(data []byte) error {
	var envelope struct {
		Version int `json:"Version"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("not a gotd session JSON envelope: %w", err)
	}
	if envelope.Version == 0 {
		return fmt.Errorf("missing or zero Version field")
	}
	return nil
}

// readCodeFromStdin blocks on a dedicated goroutine so it never occupies a
// cooperative task slot, delivering the result through a one-shot channel —
// spec §5's explicit requirement for the interactive login prompt.
func readCodeFromStdin(ctx context.Context, phone string) (string, error) {
	type result struct {
		code string
		err  error
	}
	out := make(chan result, 1)
	go func() {
		fmt.Printf("enter the verification code sent to %s: ", phone)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		out <- result{code: strings.TrimSpace(line), err: err}
	}()
	select {
	case r := <-out:
		if r.err != nil {
			return "", fmt.Errorf("sessionstore: read verification code: %w", r.err)
		}
		return r.code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Package client talks to the HTTP API and implements territory.Backend and
// territory.ProfileStore over it, so a session can run against a remote
// server exactly as it runs against a local store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"hexclaim.io/internal/auth"
	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
)

const maxResponseBytes = 8 << 20

type Options struct {
	HTTPClient *http.Client
	Logger     *log.Logger
}

type Client struct {
	base   *url.URL
	token  string
	player string
	http   *http.Client
	dialer *websocket.Dialer
	log    *log.Logger
}

// New builds a client for baseURL authenticating with token. The player id is
// read from the token subject.
func New(baseURL, token string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	player, err := auth.SubjectUnverified(token)
	if err != nil {
		return nil, err
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		base:   u,
		token:  token,
		player: player,
		http:   opts.HTTPClient,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    opts.Logger,
	}, nil
}

func (c *Client) PlayerID() string { return c.player }

func (c *Client) FetchZones(ctx context.Context) ([]territory.Zone, error) {
	raw, err := c.call(ctx, http.MethodGet, "/v1/zones", nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeZoneRows(raw)
}

func (c *Client) Capture(ctx context.Context, req territory.CaptureRequest) (territory.TxResult, error) {
	if err := c.self(req.ActorID); err != nil {
		return territory.TxResult{}, err
	}
	return c.tx(ctx, "/v1/rpc/capture", protocol.CaptureReq{TargetCellID: req.CellID, ExpectedOwnerID: req.ExpectedOwner})
}

func (c *Client) Fortify(ctx context.Context, req territory.FortifyRequest) (territory.TxResult, error) {
	if err := c.self(req.ActorID); err != nil {
		return territory.TxResult{}, err
	}
	return c.tx(ctx, "/v1/rpc/fortify", protocol.FortifyReq{TargetCellID: req.CellID, Amount: req.Amount})
}

func (c *Client) Harvest(ctx context.Context, req territory.HarvestRequest) (territory.TxResult, error) {
	if err := c.self(req.ActorID); err != nil {
		return territory.TxResult{}, err
	}
	return c.tx(ctx, "/v1/rpc/harvest", protocol.HarvestReq{TargetCellID: req.CellID})
}

func (c *Client) tx(ctx context.Context, path string, body any) (territory.TxResult, error) {
	raw, err := c.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return territory.TxResult{}, err
	}
	var resp protocol.TxResp
	if err := json.Unmarshal(raw, &resp); err != nil {
		return territory.TxResult{}, fmt.Errorf("%s: decode: %w", path, err)
	}
	return protocol.TxFromResp(resp), nil
}

func (c *Client) SpawnBatch(ctx context.Context, batch territory.SpawnBatch) error {
	req := protocol.SpawnBatchReq{}
	for _, p := range batch.Profiles {
		req.Profiles = append(req.Profiles, protocol.ProfileToRow(p))
	}
	req.Zones = protocol.ZonesToRows(batch.Zones)
	_, err := c.call(ctx, http.MethodPost, "/v1/rpc/spawn_batch", req)
	return err
}

func (c *Client) EnsureProfile(ctx context.Context, id, username string) (territory.Profile, error) {
	if err := c.self(id); err != nil {
		return territory.Profile{}, err
	}
	return c.profile(ctx, http.MethodGet, nil)
}

func (c *Client) GetProfile(ctx context.Context, id string) (territory.Profile, error) {
	if err := c.self(id); err != nil {
		return territory.Profile{}, err
	}
	return c.profile(ctx, http.MethodGet, nil)
}

func (c *Client) UpdateProfile(ctx context.Context, id string, upd territory.ProfileUpdate) (territory.Profile, error) {
	if err := c.self(id); err != nil {
		return territory.Profile{}, err
	}
	return c.profile(ctx, http.MethodPatch, protocol.ProfileUpdateReq{Username: upd.Username, Color: upd.Color})
}

func (c *Client) profile(ctx context.Context, method string, body any) (territory.Profile, error) {
	raw, err := c.call(ctx, method, "/v1/profile", body)
	if err != nil {
		return territory.Profile{}, err
	}
	var row protocol.ProfileRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return territory.Profile{}, fmt.Errorf("profile: decode: %w", err)
	}
	return protocol.ProfileFromRow(row), nil
}

// self rejects calls on behalf of anyone but the token subject; the server
// would act as the subject regardless.
func (c *Client) self(id string) error {
	if id != c.player {
		return territory.Errorf(protocol.ErrUnauthenticated, "client is authenticated as %s, not %s", c.player, id)
	}
	return nil
}

// call performs one request. Non-2xx answers become coded errors.
func (c *Client) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(protocol.HeaderVersion, protocol.Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, territory.Errorf(protocol.ErrTransport, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, territory.Errorf(protocol.ErrTransport, "%s %s: read: %v", method, path, err)
	}
	if resp.StatusCode/100 == 2 {
		return raw, nil
	}
	return nil, decodeFailure(resp.StatusCode, raw)
}

func decodeFailure(status int, raw []byte) error {
	if status == http.StatusConflict {
		var sb protocol.SpawnBatchResp
		if json.Unmarshal(raw, &sb) == nil && sb.Code == protocol.ErrBatchRejected {
			return territory.Errorf(sb.Code, "%s", sb.Error)
		}
	}
	var e protocol.ErrorResp
	if json.Unmarshal(raw, &e) == nil && e.Code != "" {
		return territory.Errorf(e.Code, "%s", e.Message)
	}
	return territory.Errorf(protocol.ErrTransport, "http %d", status)
}

// Subscribe opens the change feed. The subscription ends when the socket
// drops or ctx is done.
func (c *Client) Subscribe(ctx context.Context) (*changefeed.Subscription, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/changes"
	u.RawQuery = url.Values{"access_token": []string{c.token}}.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), http.Header{protocol.HeaderVersion: []string{protocol.Version}})
	if err != nil {
		return nil, territory.Errorf(protocol.ErrTransport, "subscribe: %v", err)
	}
	sub := changefeed.NewSubscription(func() { _ = conn.Close() })
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	go func() {
		defer sub.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.DecodeChangeFrame(raw)
			if err != nil {
				c.log.Printf("change feed: drop frame: %v", err)
				continue
			}
			sub.Deliver(changefeed.Event{Table: f.Table, Event: f.Event})
		}
	}()
	return sub, nil
}

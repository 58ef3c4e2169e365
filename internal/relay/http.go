package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"e2ee/internal/domain"
)

// HTTP talks to a relay server over JSON/HTTP.
type HTTP struct {
	Base string
	HTTP *http.Client
}

// NewHTTP returns a client for the relay at base.
func NewHTTP(base string) *HTTP {
	return &HTTP{
		Base: strings.TrimRight(base, "/"),
		HTTP: &http.Client{Timeout: 15 * time.Second},
	}
}

var _ domain.RelayClient = (*HTTP)(nil)

func (c *HTTP) PublishBundle(ctx context.Context, b domain.PreKeyBundle) error {
	return c.do(ctx, http.MethodPut, devicePath(b.DeviceID, "bundle"), b, nil)
}

func (c *HTTP) FetchBundle(ctx context.Context, device domain.DeviceID) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	if err := c.do(ctx, http.MethodPost, devicePath(device, "bundle/fetch"), nil, &out); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

func (c *HTTP) LookupIdentity(ctx context.Context, device domain.DeviceID) (domain.IdentityPublic, error) {
	var out domain.IdentityPublic
	if err := c.do(ctx, http.MethodGet, devicePath(device, "identity"), nil, &out); err != nil {
		return domain.IdentityPublic{}, err
	}
	return out, nil
}

func (c *HTTP) JoinConversation(ctx context.Context, conv domain.ConversationID, device domain.DeviceID) error {
	return c.do(ctx, http.MethodPost, conversationPath(conv), joinRequest{DeviceID: device}, nil)
}

func (c *HTTP) ConversationDevices(ctx context.Context, conv domain.ConversationID) ([]domain.DeviceID, error) {
	var out devicesResponse
	if err := c.do(ctx, http.MethodGet, conversationPath(conv), nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *HTTP) Post(ctx context.Context, env domain.Envelope) error {
	// env.PreKey is serialised when non-nil
	return c.do(ctx, http.MethodPost, devicePath(env.To, "messages"), env, nil)
}

func (c *HTTP) Fetch(ctx context.Context, device domain.DeviceID, limit int) ([]domain.Envelope, error) {
	path := devicePath(device, "messages")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var envs []domain.Envelope
	if err := c.do(ctx, http.MethodGet, path, nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *HTTP) Ack(ctx context.Context, device domain.DeviceID, count int) error {
	return c.do(ctx, http.MethodPost, devicePath(device, "messages/ack"), ackRequest{Count: count}, nil)
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		err := fmt.Errorf("relay %s %s: %s %s", method, path, resp.Status, e.Message)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", err, domain.ErrNotFound)
		}
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func devicePath(device domain.DeviceID, rest string) string {
	return "/v1/devices/" + url.PathEscape(string(device)) + "/" + rest
}

func conversationPath(conv domain.ConversationID) string {
	return "/v1/conversations/" + url.PathEscape(string(conv)) + "/devices"
}

type joinRequest struct {
	DeviceID domain.DeviceID `json:"device_id"`
}

type devicesResponse struct {
	Devices []domain.DeviceID `json:"devices"`
}

type ackRequest struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

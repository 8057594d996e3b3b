// Package platform talks to the social platform's publishing API.
//
// A publish is three steps: resolve the member id behind the token, optionally
// register and upload an image, then create the post. Every failure is
// reported as *Error with a Kind the dispatcher maps to its retry policy.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "autopost/pkg/logx"
)

const (
	maxImageBytes = 10 << 20
	maxErrSnippet = 256
)

// Content is what gets posted.
type Content struct {
	Title    string
	Body     string
	ImageRef string
}

// Publisher publishes content on behalf of the token's owner and returns the
// platform post id.
type Publisher interface {
	Publish(ctx context.Context, accessToken string, c Content) (string, error)
}

type Config struct {
	BaseURL            string
	IdentityPath       string
	RegisterUploadPath string
	PostsPath          string
	URNScheme          string
	Timeout            time.Duration
	UserAgent          string
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.linkedin.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.IdentityPath == "" {
		c.IdentityPath = "/v2/userinfo"
	}
	if c.RegisterUploadPath == "" {
		c.RegisterUploadPath = "/v2/assets?action=registerUpload"
	}
	if c.PostsPath == "" {
		c.PostsPath = "/v2/ugcPosts"
	}
	if c.URNScheme == "" {
		c.URNScheme = "li:person"
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "autopost/1"
	}
	return c
}

// Client implements Publisher over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish runs identity lookup, optional image upload and post creation.
func (c *Client) Publish(ctx context.Context, token string, content Content) (string, error) {
	sub, err := c.Identity(ctx, token)
	if err != nil {
		return "", err
	}
	var asset string
	if content.ImageRef != "" {
		asset, err = c.UploadImage(ctx, token, sub, content.ImageRef)
		if err != nil {
			return "", err
		}
	}
	return c.CreatePost(ctx, token, sub, content.Body, asset)
}

// Identity returns the member id (sub) of the token's owner.
func (c *Client) Identity(ctx context.Context, token string) (string, error) {
	const op = "identity"
	resp, err := c.do(ctx, op, http.MethodGet, c.cfg.BaseURL+c.cfg.IdentityPath, token, nil, "")
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if !ok(resp) {
		return "", statusErr(op, resp, snippet(resp), identityKind)
	}
	var body struct {
		Sub string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", transportErr(op, fmt.Errorf("decode: %w", err))
	}
	if body.Sub == "" {
		return "", &Error{Kind: AuthInvalid, Op: op, Status: resp.StatusCode, Err: errors.New("empty sub")}
	}
	return body.Sub, nil
}

// UploadImage registers an upload for sub, copies imageRef to it and returns the asset urn.
func (c *Client) UploadImage(ctx context.Context, token, sub, imageRef string) (string, error) {
	uploadURL, asset, err := c.registerUpload(ctx, token, sub)
	if err != nil {
		return "", err
	}
	data, contentType, err := c.fetchImage(ctx, imageRef)
	if err != nil {
		return "", err
	}

	const op = "upload"
	resp, err := c.do(ctx, op, http.MethodPut, uploadURL, token, bytes.NewReader(data), contentType)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if !ok(resp) {
		return "", statusErr(op, resp, snippet(resp), transferKind)
	}
	c.log.Debug("image uploaded", logx.String("asset", asset), logx.Int("bytes", len(data)))
	return asset, nil
}

func (c *Client) registerUpload(ctx context.Context, token, sub string) (string, string, error) {
	const op = "register_upload"
	payload := map[string]any{
		"registerUploadRequest": map[string]any{
			"recipes": []string{"urn:li:digitalmediaRecipe:feedshare-image"},
			"owner":   c.author(sub),
			"serviceRelationships": []map[string]string{
				{"relationshipType": "OWNER", "identifier": "urn:li:userGeneratedContent"},
			},
		},
	}
	b, _ := json.Marshal(payload)
	resp, err := c.do(ctx, op, http.MethodPost, c.cfg.BaseURL+c.cfg.RegisterUploadPath, token, bytes.NewReader(b), "application/json")
	if err != nil {
		return "", "", err
	}
	defer drain(resp)
	if !ok(resp) {
		return "", "", statusErr(op, resp, snippet(resp), uploadKind)
	}

	var body struct {
		Value struct {
			Asset           string `json:"asset"`
			UploadMechanism map[string]struct {
				UploadURL string `json:"uploadUrl"`
			} `json:"uploadMechanism"`
		} `json:"value"`
		Asset     string `json:"asset"`
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", transportErr(op, fmt.Errorf("decode: %w", err))
	}
	asset, uploadURL := body.Asset, body.UploadURL
	if body.Value.Asset != "" {
		asset = body.Value.Asset
	}
	for _, m := range body.Value.UploadMechanism {
		if m.UploadURL != "" {
			uploadURL = m.UploadURL
			break
		}
	}
	if asset == "" || uploadURL == "" {
		return "", "", transportErr(op, errors.New("missing uploadUrl or asset"))
	}
	return uploadURL, asset, nil
}

func (c *Client) fetchImage(ctx context.Context, imageRef string) ([]byte, string, error) {
	const op = "fetch_image"
	resp, err := c.do(ctx, op, http.MethodGet, imageRef, "", nil, "")
	if err != nil {
		return nil, "", err
	}
	defer drain(resp)
	if !ok(resp) {
		return nil, "", statusErr(op, resp, "", transferKind)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", transportErr(op, err)
	}
	if len(data) > maxImageBytes {
		// The bytes behind imageRef may still change; fetch failures stay retryable.
		return nil, "", &Error{Kind: Transient, Op: op, Err: fmt.Errorf("image exceeds %d bytes", maxImageBytes)}
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}

// CreatePost creates a public post for sub and returns its id.
func (c *Client) CreatePost(ctx context.Context, token, sub, text, asset string) (string, error) {
	const op = "create_post"
	share := map[string]any{"text": text}
	if asset != "" {
		share["media"] = []map[string]string{{"status": "READY", "media": asset}}
	}
	payload := map[string]any{
		"author":         c.author(sub),
		"lifecycleState": "PUBLISHED",
		"content":        share,
		"visibility":     "PUBLIC",
	}
	b, _ := json.Marshal(payload)
	resp, err := c.do(ctx, op, http.MethodPost, c.cfg.BaseURL+c.cfg.PostsPath, token, bytes.NewReader(b), "application/json")
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if !ok(resp) {
		return "", statusErr(op, resp, snippet(resp), postKind)
	}
	if id := strings.TrimSpace(resp.Header.Get("X-RestLi-Id")); id != "" {
		return id, nil
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.ID == "" {
		// The post exists; only its id is unknown.
		c.log.Warn("post created without id", logx.Int("status", resp.StatusCode))
		return "", nil
	}
	return body.ID, nil
}

func (c *Client) author(sub string) string {
	return "urn:" + c.cfg.URNScheme + ":" + sub
}

func (c *Client) do(ctx context.Context, op, method, url, token string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Kind: Permanent, Op: op, Err: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(op, err)
	}
	return resp, nil
}

func ok(resp *http.Response) bool { return resp.StatusCode >= 200 && resp.StatusCode < 300 }

func snippet(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrSnippet))
	return strings.TrimSpace(string(b))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

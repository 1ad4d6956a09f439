// Package api implements the remote collaborators of the download engine on
// top of the storage service's HTTP API.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
	"golang.org/x/oauth2"
)

// make sure the client implements the collaborator interfaces
var (
	_ drive.API          = &Client{}
	_ drive.KeyDirectory = &Client{}
)

// Config contains all configuration necessary to talk to the API.
type Config struct {
	URL *url.URL

	// Token is the session access token sent with every API request.
	Token string

	// UID identifies the session, sent as x-pm-uid when set.
	UID string
}

// ParseConfig parses the base URL of the API.
func ParseConfig(s string) (Config, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Config{}, errors.WithStack(err)
	}
	switch u.Scheme {
	case "http", "https", "http+unix", "https+unix":
	default:
		return Config{}, errors.Errorf("unsupported API URL scheme %q", u.Scheme)
	}
	return Config{URL: u}, nil
}

// Client accesses the storage service. API requests carry the session
// token, block downloads use a separate client without the session since
// each block URL comes with its own token.
type Client struct {
	url     *url.URL
	api     http.Client
	storage http.Client
}

// New returns a client for the API described by cfg.
func New(cfg Config, rt http.RoundTripper) (*Client, error) {
	if cfg.URL == nil {
		return nil, errors.New("API URL is not set")
	}

	apiRT := rt
	if cfg.UID != "" {
		apiRT = &headerRoundTripper{rt: apiRT, name: "x-pm-uid", value: cfg.UID}
	}
	if cfg.Token != "" {
		apiRT = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   apiRT,
		}
	}

	return &Client{
		url:     cfg.URL,
		api:     http.Client{Transport: apiRT},
		storage: http.Client{Transport: rt},
	}, nil
}

type headerRoundTripper struct {
	rt          http.RoundTripper
	name, value string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(h.name, h.value)
	return h.rt.RoundTrip(req)
}

func drainAndClose(resp *http.Response) error {
	_, err := io.Copy(io.Discard, resp.Body)
	cerr := resp.Body.Close()

	// return first error
	if err != nil {
		return errors.Errorf("drain: %w", err)
	}
	return cerr
}

func (c *Client) revisionURL(ref drive.RevisionRef, query url.Values) string {
	u := c.url.JoinPath("drive", "v2", "volumes", ref.VolumeID, "files", ref.NodeID, "revisions", ref.RevisionID)
	u.RawQuery = query.Encode()
	return u.String()
}

// getJSON runs a GET request against the API and decodes the response into
// v. Non-2xx responses and envelopes with an error code are returned as
// *Error.
func (c *Client) getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/vnd.protonmail.v1+json")

	resp, err := c.api.Do(req)
	if err != nil {
		return errors.Wrap(err, "client.Do")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newError(resp)
		_ = drainAndClose(resp)
		return apiErr
	}

	err = json.NewDecoder(resp.Body).Decode(v)
	if cerr := drainAndClose(resp); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "Decode")
	}
	return nil
}

func (c *Client) getRevision(ctx context.Context, ref drive.RevisionRef, from, pageSize int, noBlockURLs bool) (revisionResponse, error) {
	if from < drive.FirstBlockIndex {
		return revisionResponse{}, errors.Errorf("invalid block index %d", from)
	}

	q := url.Values{}
	q.Set("FromBlockIndex", strconv.Itoa(from))
	q.Set("PageSize", strconv.Itoa(pageSize))
	if noBlockURLs {
		q.Set("NoBlockUrls", "1")
	} else {
		q.Set("NoBlockUrls", "0")
	}

	var rr revisionResponse
	if err := c.getJSON(ctx, c.revisionURL(ref, q), &rr); err != nil {
		return revisionResponse{}, err
	}
	if rr.Code != codeSuccess {
		return revisionResponse{}, &Error{StatusCode: http.StatusOK, Code: rr.Code, Message: rr.Error}
	}
	return rr, nil
}

// GetRevision returns the metadata of a revision.
func (c *Client) GetRevision(ctx context.Context, ref drive.RevisionRef) (drive.Revision, error) {
	debug.Log("GetRevision %v", ref)
	rr, err := c.getRevision(ctx, ref, drive.FirstBlockIndex, 1, true)
	if err != nil {
		return drive.Revision{}, err
	}
	return rr.Revision.toRevision(ref), nil
}

// ListBlocks returns one page of the block listing of a revision.
func (c *Client) ListBlocks(ctx context.Context, ref drive.RevisionRef, from, pageSize int, suppressURLs bool) (drive.BlockPage, error) {
	debug.Log("ListBlocks %v from %d, page size %d", ref, from, pageSize)
	rr, err := c.getRevision(ctx, ref, from, pageSize, suppressURLs)
	if err != nil {
		return drive.BlockPage{}, err
	}
	return rr.Revision.toBlockPage(), nil
}

// FetchBlob opens the encrypted content of a block.
func (c *Client) FetchBlob(ctx context.Context, blobURL, token string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.storage.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "client.Do")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := newError(resp)
		_ = drainAndClose(resp)
		return nil, apiErr
	}

	return resp.Body, nil
}

// ResolvePublicKeys returns the public keys of an address. An address
// without keys yields an empty ring.
func (c *Client) ResolvePublicKeys(ctx context.Context, email string) (pgp.KeyRing, error) {
	u := c.url.JoinPath("core", "v4", "keys", "all")
	u.RawQuery = url.Values{"Email": []string{email}}.Encode()

	var kr keysResponse
	if err := c.getJSON(ctx, u.String(), &kr); err != nil {
		return pgp.KeyRing{}, err
	}
	if kr.Code != codeSuccess {
		return pgp.KeyRing{}, &Error{StatusCode: http.StatusOK, Code: kr.Code, Message: kr.Error}
	}

	var ring pgp.KeyRing
	for _, k := range kr.Address.Keys {
		r, err := pgp.ParseKeyRing([]byte(k.PublicKey))
		if err != nil {
			debug.Log("skipping unreadable key of %v: %v", email, err)
			continue
		}
		ring = ring.Merge(r)
	}
	debug.Log("resolved %d keys for %v", ring.Len(), email)
	return ring, nil
}

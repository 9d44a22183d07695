// Package registry implements the Docker Registry v2 HTTP client
// described in spec.md §4.2 (C3 pull half): anonymous bearer token
// exchange, fsLayers manifest fetch, and blob streaming. Generalized
// from the teacher's app/image.go single hardcoded pull into a
// reusable client, plus the 401-challenge retry path from
// original_source/src/image.rs's requestAuthenticationToken.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	regroup "github.com/oriser/regroup"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultAuthURL  = "https://auth.docker.io/token"
	defaultRegistry = "https://registry.hub.docker.com"
)

// Manifest is the subset of the Docker Registry v2 "schema 1"
// manifest spec.md §4.2 consumes: an ordered fsLayers list, top layer
// first in Docker's representation.
type Manifest struct {
	Name     string `json:"name"`
	Tag      string `json:"tag"`
	FSLayers []struct {
		BlobSum string `json:"blobSum"`
	} `json:"fsLayers"`
}

// Layers returns the blobSum digests in registry order (unreversed),
// per spec.md §4.2's ordering policy.
func (m *Manifest) Layers() []string {
	out := make([]string, len(m.FSLayers))
	for i, l := range m.FSLayers {
		out[i] = l.BlobSum
	}
	return out
}

// bearerChallenge captures the three fields of a Www-Authenticate
// "Bearer realm=..., service=..., scope=..." challenge header.
type bearerChallenge struct {
	Realm   string `regroup:"bearer"`
	Service string `regroup:"service"`
	Scope   string `regroup:"scope"`
}

var challengeRegex = regroup.MustCompile(
	`(?i)(Bearer[[:space:]]+realm="(?P<bearer>(?:\\"|.)*?)")[[:space:]]*?,[[:space:]]*?(service[[:space:]]*?="(?P<service>(?:\\"|.)*?))"[[:space:]]*?,[[:space:]]*?(scope[[:space:]]*?="(?P<scope>(?:\\"|.)*?)")`)

// Client talks to a single Docker Registry v2 host.
type Client struct {
	AuthURL      string
	RegistryHost string
	HTTP         *http.Client
	Log          *logrus.Entry
}

// New builds a Client pointed at Docker Hub with a conservative
// timeout, mirroring the teacher's app/image.go createHTTPClient.
func New(log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		AuthURL:      defaultAuthURL,
		RegistryHost: defaultRegistry,
		Log:          log,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				IdleConnTimeout: 30 * time.Second,
				MaxIdleConns:    10,
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, network, addr)
				},
			},
		},
	}
}

// anonymousToken implements spec.md §4.2 step 1: request an anonymous
// bearer token scoped to "repository:<name>:pull".
func (c *Client) anonymousToken(ctx context.Context, name string) (string, error) {
	url := fmt.Sprintf("%s?service=registry.docker.io&scope=repository:%s:pull", c.AuthURL, name)
	return c.fetchToken(ctx, url)
}

// challengeToken implements the supplemented 401-retry path from
// original_source/src/image.rs: parse the Www-Authenticate header of a
// failed request and fetch a token from the realm it names.
func (c *Client) challengeToken(ctx context.Context, resp *http.Response) (string, error) {
	wwwAuth := resp.Header.Get("Www-Authenticate")
	if wwwAuth == "" {
		return "", errors.New("registry: no Www-Authenticate header; cannot authenticate")
	}
	var ch bearerChallenge
	if err := challengeRegex.MatchToTarget(wwwAuth, &ch); err != nil {
		return "", errors.Wrap(err, "registry: malformed Www-Authenticate header")
	}
	url := fmt.Sprintf("%s?scope=%s&service=%s", ch.Realm, ch.Scope, ch.Service)
	return c.fetchToken(ctx, url)
}

func (c *Client) fetchToken(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "registry: building token request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "registry: token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "registry: reading token response")
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Wrap(err, "registry: parsing token response")
	}
	if out.Token == "" {
		return "", errors.New("registry: token retrieval returned empty token")
	}
	return out.Token, nil
}

// FetchManifest implements spec.md §4.2 steps 1-2: obtain a bearer
// token, then GET the manifest for name:reference.
func (c *Client) FetchManifest(ctx context.Context, name, reference string) (*Manifest, []byte, error) {
	token, err := c.anonymousToken(ctx, name)
	if err != nil {
		c.Log.WithError(err).Debug("anonymous token request failed, will retry on challenge")
		token = ""
	}

	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.RegistryHost, name, reference)
	resp, body, err := c.getWithAuth(ctx, url, token)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		token, terr := c.challengeToken(ctx, resp)
		if terr != nil {
			return nil, nil, errors.Wrapf(terr, "registry: manifest request for %s:%s failed with %s and no challenge token could be obtained", name, reference, resp.Status)
		}
		resp, body, err = c.getWithAuth(ctx, url, token)
		if err != nil {
			return nil, nil, err
		}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, errors.Errorf("registry: manifest request for %s:%s failed: %s", name, reference, resp.Status)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, nil, errors.Wrapf(err, "registry: parsing manifest for %s:%s", name, reference)
	}
	if len(m.FSLayers) == 0 {
		return nil, nil, errors.Errorf("registry: manifest for %s:%s has no fsLayers", name, reference)
	}
	return &m, body, nil
}

// FetchBlob implements spec.md §4.2 step 3: stream a blob to w.
func (c *Client) FetchBlob(ctx context.Context, name, blobSum string, w io.Writer) error {
	token, err := c.anonymousToken(ctx, name)
	if err != nil {
		token = ""
	}
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.RegistryHost, name, blobSum)
	resp, err := c.getRaw(ctx, url, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		newToken, terr := c.challengeToken(ctx, resp)
		if terr == nil {
			resp.Body.Close()
			resp, err = c.getRaw(ctx, url, newToken)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
		}
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("registry: blob request for %s %s failed: %s", name, blobSum, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return errors.Wrapf(err, "registry: streaming blob %s", blobSum)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "registry: building request")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "registry: request failed")
	}
	return resp, nil
}

func (c *Client) getWithAuth(ctx context.Context, url, token string) (*http.Response, []byte, error) {
	resp, err := c.getRaw(ctx, url, token)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "registry: reading response body")
	}
	return resp, body, nil
}

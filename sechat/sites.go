package sechat

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"regexp"
	"sync"

	"github.com/pkg/errors"
)

const apiSitesURL = "https://api.stackexchange.com/2.2/sites"

type apiSite struct {
	Name             string   `json:"name"`
	SiteURL          string   `json:"site_url"`
	Aliases          []string `json:"aliases"`
	APISiteParameter string   `json:"api_site_parameter"`
}

type siteList struct {
	Items []apiSite `json:"items"`
}

// siteDirectory resolves a site URL to its API site parameter through a
// fetched-once, cached-forever directory of known sites. The cache file
// is loaded verbatim when present; there is no staleness check.
type siteDirectory struct {
	path      string
	apiURL    string
	transport WebTransport

	mu     sync.Mutex
	loaded *siteList
}

func newSiteDirectory(path string, transport WebTransport) *siteDirectory {
	return &siteDirectory{path: path, apiURL: apiSitesURL, transport: transport}
}

var schemeRe = regexp.MustCompile(`^http(s)?://(www\.)?`)

// stripScheme removes the scheme and a leading www. so that site URLs
// and aliases compare on the bare host form.
func stripScheme(u string) string {
	return schemeRe.ReplaceAllString(u, "")
}

// SiteParameter resolves the API parameter for siteURL, matching against
// each directory entry's canonical URL and every alias.
func (d *siteDirectory) SiteParameter(ctx context.Context, siteURL string) (string, error) {
	sites, err := d.load(ctx)
	if err != nil {
		return "", err
	}
	want := stripScheme(siteURL)
	for _, site := range sites.Items {
		if stripScheme(site.SiteURL) == want {
			return site.APISiteParameter, nil
		}
		for _, alias := range site.Aliases {
			if stripScheme(alias) == want {
				return site.APISiteParameter, nil
			}
		}
	}
	return "", NewError(ErrorAuth, "site not found in directory: "+siteURL)
}

func (d *siteDirectory) load(ctx context.Context) (*siteList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded != nil {
		return d.loaded, nil
	}
	if data, err := os.ReadFile(d.path); err == nil {
		var sites siteList
		if err := json.Unmarshal(data, &sites); err != nil {
			return nil, WrapError(ErrorDecode, "site directory cache "+d.path, err)
		}
		d.loaded = &sites
		return d.loaded, nil
	}
	return d.fetchLocked(ctx)
}

// Refresh discards the cache and refetches the directory.
func (d *siteDirectory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.fetchLocked(ctx)
	return err
}

func (d *siteDirectory) fetchLocked(ctx context.Context) (*siteList, error) {
	resp, err := d.transport.Do(ctx, Request{
		Method: "GET",
		URL:    d.apiURL,
		Query:  url.Values{"pagesize": {"999999999"}},
	})
	if err != nil {
		return nil, WrapError(ErrorTransport, "fetch site directory", err)
	}
	var sites siteList
	if err := json.Unmarshal(resp.Body, &sites); err != nil {
		return nil, WrapError(ErrorDecode, "site directory response", err)
	}
	d.loaded = &sites
	if err := d.persist(resp.Body); err != nil {
		return nil, err
	}
	return d.loaded, nil
}

func (d *siteDirectory) persist(data []byte) error {
	if err := os.WriteFile(d.path, data, 0o644); err != nil {
		return errors.Wrap(err, "write site directory cache")
	}
	return nil
}

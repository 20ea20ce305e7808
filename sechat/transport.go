package sechat

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	cookiejar "github.com/juju/persistent-cookiejar"
	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"
)

// Request describes a single HTTP exchange made through the shared
// cookie session.
type Request struct {
	Method string
	URL    string
	Form   url.Values // form-encoded body, POST only
	Query  url.Values
	Header http.Header
}

// Response is the result of a Request. A non-2xx status is not an
// error at this layer: the send pipeline reads throttle bodies off 409s.
type Response struct {
	Status   int
	Header   http.Header
	FinalURL string // URL after redirects, used for redirect-target detection
	Body     []byte
}

// WebTransport performs HTTP requests with the shared cookie jar.
// The default implementation persists cookies to disk between runs;
// tests substitute their own.
type WebTransport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// httpTransport is the production WebTransport: one http.Client over a
// persistent cookie jar shared by every component of the session.
type httpTransport struct {
	client    *http.Client
	jar       *cookiejar.Jar
	userAgent string
}

func newHTTPTransport(cookiePath, userAgent string) (*httpTransport, error) {
	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
		Filename:         cookiePath,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open cookie jar")
	}
	return &httpTransport{
		client: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		jar:       jar,
		userAgent: userAgent,
	}, nil
}

func (t *httpTransport) Do(ctx context.Context, req Request) (*Response, error) {
	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return &Response{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		FinalURL: resp.Request.URL.String(),
		Body:     data,
	}, nil
}

// SaveCookies flushes the jar to disk.
func (t *httpTransport) SaveCookies() error {
	return errors.Wrap(t.jar.Save(), "save cookie jar")
}

// Structured extraction over raw HTML documents. This is the only place
// the SDK interprets document structure; everything else treats pages
// as opaque bodies.

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrorDecode, "parse document", err)
	}
	return doc, nil
}

// extractAttr returns the named attribute of the first node matching
// selector, or ok=false when the node or attribute is absent.
func extractAttr(body []byte, selector, attr string) (string, bool) {
	doc, err := parseDocument(body)
	if err != nil {
		return "", false
	}
	return doc.Find(selector).First().Attr(attr)
}

// extractValue returns the "value" attribute of the first node matching
// selector. Used for hidden form token fields.
func extractValue(body []byte, selector string) (string, bool) {
	return extractAttr(body, selector, "value")
}

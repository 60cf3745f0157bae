// Package gmail is the GMAIL connector. It talks to the Gmail REST API with
// an OAuth2 refresh token kept in the system keyring.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/storage"
)

// Name is the connector name workflows target.
const Name = "GMAIL"

// Actions.
const (
	ActionListEmails = "LIST_EMAILS"
	ActionReadEmail  = "READ_EMAIL"
	ActionSendEmail  = "SEND_EMAIL"
)

// Keyring keys holding the OAuth2 client and refresh token.
const (
	KeyClientID     = "gmail:client_id"
	KeyClientSecret = "gmail:client_secret"
	KeyRefreshToken = "gmail:refresh_token"
)

// Defaults for Config.
const (
	DefaultBaseURL  = "https://gmail.googleapis.com/gmail/v1"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
)

// Scopes requested when the token is refreshed.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
}

// NotAvailable is reported when credentials are missing.
const NotAvailable = "Gmail service is not available. Please ensure credentials are set up correctly."

// DefaultCount and MaxCount bound LIST_EMAILS.
const (
	DefaultCount = 5
	MaxCount     = 100
)

// Config locates the API.
type Config struct {
	BaseURL  string
	TokenURL string
}

// Connector calls the Gmail API.
type Connector struct {
	cfg   Config
	creds storage.CredentialStore
	log   logrus.FieldLogger

	mu       sync.Mutex
	clientID string
	secret   string
	refresh  string
	client   *http.Client
}

// New returns a GMAIL connector reading credentials from creds.
func New(cfg Config, creds storage.CredentialStore, log logrus.FieldLogger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Connector{cfg: cfg, creds: creds, log: log.WithField("connector", Name)}
}

// Register adds the GMAIL actions to r.
func (c *Connector) Register(r *connector.Registry) {
	r.Register(Name, ActionListEmails, c.listEmails,
		connector.WithDescription("List recent unread messages. Params: count (1-100, default 5)."))
	r.Register(Name, ActionReadEmail, c.readEmail,
		connector.WithDescription("Show one message. Params: id."))
	r.Register(Name, ActionSendEmail, c.sendEmail,
		connector.WithDescription("Send a plain-text message. Params: to, subject, body."))
}

// httpClient returns an authorised client, rebuilding it when the stored
// credentials change.
func (c *Connector) httpClient() (*http.Client, error) {
	if c.creds == nil {
		return nil, connector.Permanent(errors.New(NotAvailable))
	}
	var vals [3]string
	for i, key := range []string{KeyClientID, KeyClientSecret, KeyRefreshToken} {
		v, ok, err := storage.Lookup(c.creds, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read credential %s: %w", key, err)
		}
		if !ok || v == "" {
			c.log.WithField("credential", key).Warn("gmail credential missing")
			return nil, connector.Permanent(errors.New(NotAvailable))
		}
		vals[i] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.clientID == vals[0] && c.secret == vals[1] && c.refresh == vals[2] {
		return c.client, nil
	}

	conf := &oauth2.Config{
		ClientID:     vals[0],
		ClientSecret: vals[1],
		Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       Scopes,
	}
	ts := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: vals[2]})
	c.client = oauth2.NewClient(context.Background(), ts)
	c.clientID, c.secret, c.refresh = vals[0], vals[1], vals[2]
	return c.client, nil
}

// do sends a request and returns the body of a 2xx reply. 4xx replies are
// permanent failures; 429 and 5xx may be retried.
func (c *Connector) do(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	client, err := c.httpClient()
	if err != nil {
		return nil, err
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, connector.Permanent(err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, connector.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, connector.Permanent(fmt.Errorf("%s (%s)", NotAvailable, re.ErrorCode))
		}
		return nil, fmt.Errorf("gmail request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gmail response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	msg := gjson.GetBytes(data, "error.message").String()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	apiErr := fmt.Errorf("gmail API error %d: %s", resp.StatusCode, msg)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, apiErr
	}
	return nil, connector.Permanent(apiErr)
}

func (c *Connector) listEmails(ctx context.Context, p connector.Params) (result.Result, error) {
	count, err := p.Int("count", DefaultCount)
	if err != nil {
		return nil, err
	}
	if count < 1 {
		count = 1
	}
	if count > MaxCount {
		count = MaxCount
	}

	q := url.Values{}
	q.Set("q", "is:unread")
	q.Set("maxResults", fmt.Sprint(count))
	data, err := c.do(ctx, http.MethodGet, "/users/me/messages", q, nil)
	if err != nil {
		return nil, err
	}

	ids := gjson.GetBytes(data, "messages.#.id").Array()
	if len(ids) == 0 {
		return result.Text{Text: "No recent emails found."}, nil
	}

	summaries := make([]string, 0, len(ids))
	for _, id := range ids {
		meta := url.Values{}
		meta.Set("format", "metadata")
		for _, h := range []string{"From", "Subject", "Date"} {
			meta.Add("metadataHeaders", h)
		}
		msg, err := c.do(ctx, http.MethodGet, "/users/me/messages/"+url.PathEscape(id.String()), meta, nil)
		if err != nil {
			return nil, err
		}
		h := headers(msg)
		summaries = append(summaries, fmt.Sprintf("From: %s\nSubject: %s\nDate: %s\nSnippet: %s\n---",
			h.get("From"), h.get("Subject"), h.get("Date"), orNA(strings.TrimSpace(gjson.GetBytes(msg, "snippet").String()))))
	}
	return result.Text{Text: "Here are your recent emails:\n" + strings.Join(summaries, "\n")}, nil
}

func (c *Connector) readEmail(ctx context.Context, p connector.Params) (result.Result, error) {
	id, err := p.String("id")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("format", "full")
	msg, err := c.do(ctx, http.MethodGet, "/users/me/messages/"+url.PathEscape(id), q, nil)
	if err != nil {
		return nil, err
	}

	h := headers(msg)
	body := plainBody(gjson.GetBytes(msg, "payload"))
	if body == "" {
		body = gjson.GetBytes(msg, "snippet").String()
	}
	return result.Text{Text: fmt.Sprintf("From: %s\nSubject: %s\nDate: %s\n\n%s",
		h.get("From"), h.get("Subject"), h.get("Date"), strings.TrimSpace(body))}, nil
}

func (c *Connector) sendEmail(ctx context.Context, p connector.Params) (result.Result, error) {
	to, err := p.String("to")
	if err != nil {
		return nil, err
	}
	subject := p.OptionalString("subject", "")
	body := p.OptionalString("body", "")
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return nil, connector.Permanent(fmt.Errorf("header values must not contain line breaks"))
	}

	var raw strings.Builder
	fmt.Fprintf(&raw, "To: %s\r\n", to)
	fmt.Fprintf(&raw, "Subject: %s\r\n", subject)
	raw.WriteString("MIME-Version: 1.0\r\n")
	raw.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	raw.WriteString(body)

	payload := map[string]string{"raw": base64.RawURLEncoding.EncodeToString([]byte(raw.String()))}
	data, err := c.do(ctx, http.MethodPost, "/users/me/messages/send", nil, payload)
	if err != nil {
		return nil, err
	}
	id := gjson.GetBytes(data, "id").String()
	return result.Ack{Success: true, Detail: fmt.Sprintf("Email sent to %s", to), ID: id}, nil
}

type headerSet map[string]string

func (h headerSet) get(name string) string { return orNA(h[strings.ToLower(name)]) }

func headers(msg []byte) headerSet {
	h := headerSet{}
	gjson.GetBytes(msg, "payload.headers").ForEach(func(_, v gjson.Result) bool {
		h[strings.ToLower(v.Get("name").String())] = v.Get("value").String()
		return true
	})
	return h
}

// plainBody finds the first text/plain part and decodes it.
func plainBody(part gjson.Result) string {
	if !part.Exists() {
		return ""
	}
	if strings.HasPrefix(part.Get("mimeType").String(), "text/plain") {
		data := part.Get("body.data").String()
		if dec, err := base64.URLEncoding.DecodeString(padBase64(data)); err == nil {
			return string(dec)
		}
	}
	for _, sub := range part.Get("parts").Array() {
		if s := plainBody(sub); s != "" {
			return s
		}
	}
	return ""
}

func padBase64(s string) string {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

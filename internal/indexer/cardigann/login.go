package cardigann

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// SessionLifetime is how long login cookies are trusted.
const SessionLifetime = 30 * 24 * time.Hour

// LoginState is the authentication state of a definition-driven indexer.
type LoginState int

const (
	LoginNotLoggedIn LoginState = iota
	LoginAuthenticating
	LoginAuthenticated
	LoginFailed
)

func (s LoginState) String() string {
	switch s {
	case LoginNotLoggedIn:
		return "NotLoggedIn"
	case LoginAuthenticating:
		return "Authenticating"
	case LoginAuthenticated:
		return "Authenticated"
	case LoginFailed:
		return "Failed"
	default:
		return fmt.Sprintf("LoginState(%d)", int(s))
	}
}

type loginSession struct {
	mu         sync.Mutex
	state      LoginState
	cookies    map[string]string
	expires    time.Time
	failedHash string
	err        error
	restored   bool
}

// LoginState returns the current authentication state.
func (ix *Indexer) LoginState() LoginState {
	ix.session.mu.Lock()
	defer ix.session.mu.Unlock()
	return ix.session.state
}

// EnsureSession authenticates when the definition has a login block and no
// valid session exists. Concurrent callers wait for a single login attempt. A
// rejected login is terminal until the settings change.
func (ix *Indexer) EnsureSession(ctx context.Context, client types.HTTPClient) error {
	if !ix.def.HasLogin() {
		return nil
	}

	ix.mu.RLock()
	hash := ix.settingsHash
	ix.mu.RUnlock()

	s := &ix.session
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case LoginFailed:
		if s.failedHash == hash {
			return s.err
		}
		ix.logger.Info().Msg("Settings changed, retrying login")
		s.state = LoginNotLoggedIn
	case LoginAuthenticated:
		if ix.clock.Now().Before(s.expires) {
			return nil
		}
		s.state = LoginNotLoggedIn
	}

	if !s.restored {
		s.restored = true
		if cookies := ix.restoreCookies(ctx); len(cookies) > 0 {
			s.cookies = cookies
			s.expires = ix.clock.Now().Add(SessionLifetime)
			s.state = LoginAuthenticated
			ix.logger.Debug().Msg("Restored session cookies")
			return nil
		}
	}

	s.state = LoginAuthenticating
	ix.logger.Debug().Str("method", ix.def.Login.Method).Msg("Logging in")

	cookies, err := ix.doLogin(ctx, client)
	if err != nil {
		if types.IsAuthError(err) || errors.Is(err, types.ErrConfiguration) {
			s.state = LoginFailed
			s.failedHash = hash
			s.err = err
		} else {
			s.state = LoginNotLoggedIn
		}
		ix.logger.Warn().Err(err).Str("state", s.state.String()).Msg("Login failed")
		return err
	}

	s.cookies = cookies
	s.expires = ix.clock.Now().Add(SessionLifetime)
	s.state = LoginAuthenticated
	s.err = nil
	ix.persistCookies(ctx, cookies, s.expires)
	ix.logger.Info().Msg("Login succeeded")
	return nil
}

// PrepareRequest attaches the session cookies to req.
func (ix *Indexer) PrepareRequest(req *types.HTTPRequest) {
	ix.session.mu.Lock()
	defer ix.session.mu.Unlock()
	if len(ix.session.cookies) == 0 {
		return
	}
	if req.Cookies == nil {
		req.Cookies = make(map[string]string, len(ix.session.cookies))
	}
	for k, v := range ix.session.cookies {
		if _, ok := req.Cookies[k]; !ok {
			req.Cookies[k] = v
		}
	}
}

// InvalidateSession drops the current session so the next use logs in again.
// Persisted cookies are not restored afterwards.
func (ix *Indexer) InvalidateSession() {
	ix.session.mu.Lock()
	defer ix.session.mu.Unlock()
	if ix.session.state == LoginAuthenticated {
		ix.session.state = LoginNotLoggedIn
	}
	ix.session.cookies = nil
	ix.session.restored = true
}

// SessionExpired detects a response that shows the session is gone: a
// redirect within the site, an HTTP error, or a page without the login test
// selector. A redirect to another domain is reported as an error.
func (ix *Indexer) SessionExpired(resp *types.IndexerResponse) (bool, error) {
	if resp.HasRedirect() {
		if hint := ix.redirectDomainHint(resp); hint != "" {
			def := ix.Definition()
			return false, types.NewSearchError(def.ID, def.Name,
				fmt.Sprintf("got redirected to another domain, try changing the indexer URL to %s", hint), nil)
		}
		return ix.def.HasLogin(), nil
	}

	login := ix.def.Login
	if login == nil || login.Test == nil {
		return false, nil
	}
	if resp.HasHTTPError() {
		return true, nil
	}
	if login.Test.Selector == "" || !(resp.IsHTML() || resp.ContentType() == "") {
		return false, nil
	}
	doc, err := parseHTML(resp.HTTP.Body)
	if err != nil {
		return false, nil
	}
	return doc.Find(login.Test.Selector).Length() == 0, nil
}

// redirectDomainHint returns the new site root when a request to the site was
// redirected off it.
func (ix *Indexer) redirectDomainHint(resp *types.IndexerResponse) string {
	site, err := url.Parse(ix.SiteLink())
	if err != nil || resp.Request == nil || resp.Request.HTTP == nil {
		return ""
	}
	reqURL, err := url.Parse(resp.Request.HTTP.URL)
	if err != nil {
		return ""
	}
	target, err := reqURL.Parse(resp.RedirectURL())
	if err != nil {
		return ""
	}
	if strings.HasPrefix(reqURL.Host, site.Host) && !strings.HasPrefix(target.Host, site.Host) {
		return target.Scheme + "://" + target.Host + "/"
	}
	return ""
}

func (ix *Indexer) restoreCookies(ctx context.Context) map[string]string {
	if ix.cookies == nil {
		return nil
	}
	raw, err := ix.cookies.GetCookies(ctx, ix.Definition().ID)
	if err != nil {
		ix.logger.Warn().Err(err).Msg("Failed to load stored cookies")
		return nil
	}
	return parseCookieHeader(raw)
}

func (ix *Indexer) persistCookies(ctx context.Context, cookies map[string]string, expires time.Time) {
	if ix.cookies == nil {
		return
	}
	if err := ix.cookies.SaveCookies(ctx, ix.Definition().ID, formatCookieHeader(cookies), expires); err != nil {
		ix.logger.Warn().Err(err).Msg("Failed to store cookies")
	}
}

// doLogin runs the login method of the definition and returns the session cookies.
func (ix *Indexer) doLogin(ctx context.Context, client types.HTTPClient) (map[string]string, error) {
	login := ix.def.Login
	def := ix.Definition()

	vars, err := ix.baseVariables()
	if err != nil {
		return nil, types.NewConfigError(def.ID, def.Name, err.Error())
	}

	jar := parseCookieHeader(strings.Join(login.Cookies, "; "))

	switch strings.ToLower(login.Method) {
	case "post":
		err = ix.loginPost(ctx, client, vars, jar)
	case "form":
		err = ix.loginForm(ctx, client, vars, jar)
	case "cookie":
		raw := vars.String(".Config.cookie")
		if strings.TrimSpace(raw) == "" {
			return nil, types.NewConfigError(def.ID, def.Name, "cookie setting is empty")
		}
		for k, v := range parseCookieHeader(raw) {
			jar[k] = v
		}
	case "get":
		err = ix.loginGet(ctx, client, vars, jar, login.Path, login.Inputs)
	case "oneurl":
		oneURL, rerr := ix.engine.Render(login.Inputs["oneurl"], vars, nil)
		if rerr != nil {
			return nil, types.NewConfigError(def.ID, def.Name, rerr.Error())
		}
		err = ix.loginGet(ctx, client, vars, jar, login.Path+oneURL, nil)
	default:
		return nil, types.NewConfigError(def.ID, def.Name, "login method "+login.Method+" is not supported")
	}
	if err != nil {
		return nil, err
	}

	if err := ix.testLogin(ctx, client, jar); err != nil {
		return nil, err
	}
	return jar, nil
}

func (ix *Indexer) loginRequest(method, target string, vars Variables, jar map[string]string) (*types.HTTPRequest, error) {
	req := &types.HTTPRequest{
		Method:            method,
		URL:               target,
		Headers:           http.Header{},
		Cookies:           copyCookies(jar),
		AllowAutoRedirect: true,
	}
	if len(ix.def.Login.Headers) > 0 {
		headers, err := ix.renderHeaders(ix.def.Login.Headers, vars)
		if err != nil {
			return nil, err
		}
		req.Headers = headers
	}
	if req.Headers.Get("Referer") == "" {
		req.Headers.Set("Referer", ix.SiteLink())
	}
	return req, nil
}

func (ix *Indexer) loginPost(ctx context.Context, client types.HTTPClient, vars Variables, jar map[string]string) error {
	loginURL, err := ix.resolvePath(ix.def.Login.Path, nil)
	if err != nil {
		return err
	}
	req, err := ix.loginRequest(http.MethodPost, loginURL.String(), vars, jar)
	if err != nil {
		return err
	}
	if req.Form, err = ix.renderForm(ix.def.Login.Inputs, vars); err != nil {
		return err
	}
	return ix.submitLogin(ctx, client, req, jar)
}

func (ix *Indexer) loginGet(ctx context.Context, client types.HTTPClient, vars Variables, jar map[string]string, path string, inputs map[string]string) error {
	target := path
	if len(inputs) > 0 {
		form, err := ix.renderForm(inputs, vars)
		if err != nil {
			return err
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + form.Encode()
	}
	loginURL, err := ix.resolvePath(target, nil)
	if err != nil {
		return err
	}
	req, err := ix.loginRequest(http.MethodGet, loginURL.String(), vars, jar)
	if err != nil {
		return err
	}
	return ix.submitLogin(ctx, client, req, jar)
}

// loginForm scrapes the landing page form, fills it and submits it.
func (ix *Indexer) loginForm(ctx context.Context, client types.HTTPClient, vars Variables, jar map[string]string) error {
	login := ix.def.Login
	def := ix.Definition()

	loginURL, err := ix.resolvePath(login.Path, nil)
	if err != nil {
		return err
	}
	landingReq, err := ix.loginRequest(http.MethodGet, loginURL.String(), vars, jar)
	if err != nil {
		return err
	}
	landing, err := client.Execute(ctx, landingReq)
	if err != nil {
		return err
	}
	mergeCookies(jar, landing.Cookies)

	doc, err := parseHTML(landing.Body)
	if err != nil {
		return types.NewParseError(def.ID, def.Name, "failed to parse login page", err)
	}

	formSelector := login.Form
	if formSelector == "" {
		formSelector = "form"
	}
	form := doc.Find(formSelector).First()
	if form.Length() == 0 {
		return types.NewConfigError(def.ID, def.Name, fmt.Sprintf("login failed: no form found on %s using selector %s", loginURL, formSelector))
	}

	fields := url.Values{}
	form.Find("input").Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok {
			return
		}
		value, _ := input.Attr("value")
		fields.Set(name, value)
	})

	for _, key := range sortedKeys(login.Inputs) {
		value, err := ix.engine.Render(login.Inputs[key], vars, nil)
		if err != nil {
			return types.NewConfigError(def.ID, def.Name, err.Error())
		}
		name := key
		if login.Selectors {
			el := doc.Find(key).First()
			if el.Length() == 0 {
				return types.NewConfigError(def.ID, def.Name, fmt.Sprintf("login failed: no input found using selector %s", key))
			}
			name, _ = el.Attr("name")
		}
		fields.Set(name, value)
	}

	for _, key := range sortedKeys(login.SelectorInputs) {
		block := login.SelectorInputs[key]
		value, _, err := ix.selectHTML(&block, doc.Selection, vars, true)
		if err != nil {
			return types.NewConfigError(def.ID, def.Name, fmt.Sprintf("selector input %s: %v", key, err))
		}
		fields.Set(key, value)
	}

	query := url.Values{}
	for _, key := range sortedKeys(login.GetSelectorInputs) {
		block := login.GetSelectorInputs[key]
		value, _, err := ix.selectHTML(&block, doc.Selection, vars, true)
		if err != nil {
			return types.NewConfigError(def.ID, def.Name, fmt.Sprintf("get selector input %s: %v", key, err))
		}
		query.Set(key, value)
	}

	submit := login.SubmitPath
	if submit == "" {
		submit, _ = form.Attr("action")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(submit, "?") {
			sep = "&"
		}
		submit += sep + query.Encode()
	}
	submitURL, err := ix.resolvePath(submit, loginURL)
	if err != nil {
		return err
	}

	req, err := ix.loginRequest(http.MethodPost, submitURL.String(), vars, jar)
	if err != nil {
		return err
	}
	req.Headers.Set("Referer", loginURL.String())

	if enctype, _ := form.Attr("enctype"); enctype == "multipart/form-data" {
		body, contentType, err := multipartBody(fields)
		if err != nil {
			return err
		}
		req.Body = body
		req.ContentType = contentType
	} else {
		req.Form = fields
	}
	return ix.submitLogin(ctx, client, req, jar)
}

// submitLogin executes a login request and checks the result for errors.
func (ix *Indexer) submitLogin(ctx context.Context, client types.HTTPClient, req *types.HTTPRequest, jar map[string]string) error {
	resp, err := client.Execute(ctx, req)
	if err != nil {
		return err
	}
	mergeCookies(jar, resp.Cookies)
	return ix.checkLoginErrors(resp)
}

// checkLoginErrors maps a 401 or a matching error block to an auth error.
func (ix *Indexer) checkLoginErrors(resp *types.HTTPResponse) error {
	def := ix.Definition()
	if resp.StatusCode == http.StatusUnauthorized {
		return types.NewAuthError(def.ID, def.Name, "login rejected with status 401", nil)
	}
	if len(ix.def.Login.Error) == 0 {
		return nil
	}
	doc, err := parseHTML(resp.Body)
	if err != nil {
		return nil
	}
	if msg, ok := ix.matchErrorBlocks(doc, ix.def.Login.Error); ok {
		return types.NewAuthError(def.ID, def.Name, "login failed: "+msg, nil)
	}
	return nil
}

// matchErrorBlocks returns the message of the first error block whose selector matches.
func (ix *Indexer) matchErrorBlocks(doc *goquery.Document, blocks []ErrorBlock) (string, bool) {
	for _, block := range blocks {
		if block.Selector == "" {
			continue
		}
		sel := doc.Find(block.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		msg := strings.TrimSpace(sel.Text())
		if block.Message != nil {
			if v, found, err := ix.selectHTML(block.Message, doc.Selection, Variables{}, false); err == nil && found {
				msg = v
			}
		}
		return msg, true
	}
	return "", false
}

// testLogin fetches the test page and verifies it shows a logged in session.
func (ix *Indexer) testLogin(ctx context.Context, client types.HTTPClient, jar map[string]string) error {
	test := ix.def.Login.Test
	if test == nil || test.Path == "" {
		return nil
	}
	def := ix.Definition()

	testURL, err := ix.resolvePath(test.Path, nil)
	if err != nil {
		return err
	}
	req := types.NewGetRequest(testURL.String())
	req.Cookies = copyCookies(jar)
	resp, err := client.Execute(ctx, req)
	if err != nil {
		return err
	}
	mergeCookies(jar, resp.Cookies)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return types.NewAuthError(def.ID, def.Name, "login failed, got redirected", nil)
	}
	if test.Selector != "" {
		doc, err := parseHTML(resp.Body)
		if err != nil {
			return types.NewParseError(def.ID, def.Name, "failed to parse login test page", err)
		}
		if doc.Find(test.Selector).Length() == 0 {
			return types.NewAuthError(def.ID, def.Name, "login failed, test selector did not match", nil)
		}
	}
	return nil
}

func (ix *Indexer) renderForm(inputs map[string]string, vars Variables) (url.Values, error) {
	form := url.Values{}
	for _, key := range sortedKeys(inputs) {
		value, err := ix.engine.Render(inputs[key], vars, nil)
		if err != nil {
			def := ix.Definition()
			return nil, types.NewConfigError(def.ID, def.Name, fmt.Sprintf("input %s: %v", key, err))
		}
		form.Set(key, value)
	}
	return form, nil
}

func multipartBody(fields url.Values) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, key := range sortedKeys(fields) {
		for _, v := range fields[key] {
			if err := w.WriteField(key, v); err != nil {
				return nil, "", fmt.Errorf("failed to write form field: %w", err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseCookieHeader parses "a=b; c=d" into a map.
func parseCookieHeader(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

// formatCookieHeader is the inverse of parseCookieHeader, in name order.
func formatCookieHeader(cookies map[string]string) string {
	parts := make([]string, 0, len(cookies))
	for _, name := range sortedKeys(cookies) {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}

func copyCookies(jar map[string]string) map[string]string {
	out := make(map[string]string, len(jar))
	for k, v := range jar {
		out[k] = v
	}
	return out
}

func mergeCookies(jar, set map[string]string) {
	for k, v := range set {
		jar[k] = v
	}
}

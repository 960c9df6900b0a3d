package cardigann

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// searchPathVar carries the originating search path from generator to parser.
const searchPathVar = "$searchPath"

// GetSearchRequests builds one request per search path whose categories match
// the query. A search type without a declared mode yields an empty tier.
func (ix *Indexer) GetSearchRequests(criteria *types.SearchCriteria) (*types.RequestChain, error) {
	chain := types.NewRequestChain()
	if !ix.Capabilities().SupportsType(criteria.Type) {
		ix.logger.Debug().Str("type", string(criteria.Type)).Msg("Search type not supported by definition")
		return chain.Add(), nil
	}

	vars, err := ix.baseVariables()
	if err != nil {
		return nil, types.NewConfigError(ix.Definition().ID, ix.Definition().Name, err.Error())
	}
	queryVariables(vars, criteria)

	mapped := ix.Capabilities().Categories.MapCanonicalToTracker(criteria.Categories, false)
	if len(mapped) == 0 {
		ix.mu.RLock()
		mapped = append([]string(nil), ix.defaultCategories...)
		ix.mu.RUnlock()
	}
	vars[".Categories"] = mapped

	search := &ix.def.Search
	keywords, err := ix.filterContext(vars).applyFilters(vars.String(".Query.Keywords"), search.KeywordsFilters)
	if err != nil {
		return nil, fmt.Errorf("failed to apply keywords filters: %w", err)
	}
	vars[".Keywords"] = keywords

	var requests []*types.IndexerRequest
	for i := range search.Paths {
		path := &search.Paths[i]
		if !pathMatchesCategories(path, mapped) {
			continue
		}
		req, err := ix.buildSearchRequest(path, vars)
		if err != nil {
			return nil, err
		}
		ix.logger.Debug().Str("method", req.HTTP.Method).Str("url", req.HTTP.URL).Msg("Adding search request")
		requests = append(requests, req)
	}
	return chain.Add(requests...), nil
}

// pathMatchesCategories applies a path's category restriction. A leading "!"
// entry inverts the match.
func pathMatchesCategories(path *SearchPathBlock, mapped []string) bool {
	if len(path.Categories) == 0 || len(mapped) == 0 {
		return true
	}
	invert := path.Categories[0] == "!"
	hit := false
	for _, c := range mapped {
		if slices.Contains(path.Categories, c) {
			hit = true
			break
		}
	}
	if invert {
		return !hit
	}
	return hit
}

type queryParam struct {
	key, value string
	raw        bool
}

func (ix *Indexer) buildSearchRequest(path *SearchPathBlock, vars Variables) (*types.IndexerRequest, error) {
	search := &ix.def.Search

	rendered, err := ix.engine.Render(path.Path, vars, PathEscape)
	if err != nil {
		return nil, fmt.Errorf("failed to render search path: %w", err)
	}
	searchURL, err := ix.resolvePath(rendered, nil)
	if err != nil {
		return nil, err
	}

	var params []queryParam
	if path.InheritsInputs() {
		if params, err = ix.renderInputs(search.Inputs, vars, params); err != nil {
			return nil, err
		}
	}
	if params, err = ix.renderInputs(path.Inputs, vars, params); err != nil {
		return nil, err
	}
	if !search.AllowEmptyInputs {
		params = slices.DeleteFunc(params, func(p queryParam) bool { return !p.raw && p.value == "" })
	}

	method := http.MethodGet
	if strings.EqualFold(path.Method, "post") {
		method = http.MethodPost
	}

	req := &types.HTTPRequest{
		Method:            method,
		Headers:           http.Header{},
		AllowAutoRedirect: path.FollowRedirect || ix.def.FollowRedirect,
	}

	if method == http.MethodGet {
		u := searchURL.String()
		if len(params) > 0 {
			sep := path.QuerySeparator
			if sep == "" {
				sep = "&"
			}
			joiner := "?"
			if strings.Contains(u, "?") {
				joiner = sep
			}
			u += joiner + encodeParams(params, sep)
		}
		req.URL = u
	} else {
		req.URL = searchURL.String()
		req.Form = url.Values{}
		for _, p := range params {
			value := p.value
			if p.raw {
				if v, err := url.QueryUnescape(value); err == nil {
					value = v
				}
			}
			req.Form.Add(p.key, value)
		}
	}

	if len(search.Headers) > 0 {
		headers, err := ix.renderHeaders(search.Headers, vars)
		if err != nil {
			return nil, err
		}
		req.Headers = headers
	}
	if req.Headers.Get("Referer") == "" {
		req.Headers.Set("Referer", ix.SiteLink())
	}

	reqVars := vars.Clone()
	reqVars[searchPathVar] = path
	responseType := "html"
	if path.Response != nil && path.Response.Type != "" {
		responseType = strings.ToLower(path.Response.Type)
	}

	return &types.IndexerRequest{HTTP: req, ResponseType: responseType, Variables: reqVars}, nil
}

// renderInputs expands an input block in key order. A "$raw" input is split
// on "&" into already escaped pairs.
func (ix *Indexer) renderInputs(inputs map[string]string, vars Variables, params []queryParam) ([]queryParam, error) {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "$raw" {
			raw, err := ix.engine.Render(inputs[key], vars, QueryEscape)
			if err != nil {
				return nil, fmt.Errorf("input $raw: %w", err)
			}
			for _, part := range strings.Split(raw, "&") {
				k, v, _ := strings.Cut(part, "=")
				if k == "" {
					continue
				}
				params = append(params, queryParam{key: k, value: v, raw: true})
			}
			continue
		}
		value, err := ix.engine.Render(inputs[key], vars, nil)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}
		params = setParam(params, key, value)
	}
	return params, nil
}

// setParam replaces an inherited input of the same name or appends a new one.
func setParam(params []queryParam, key, value string) []queryParam {
	for i := range params {
		if params[i].key == key && !params[i].raw {
			params[i].value = value
			return params
		}
	}
	return append(params, queryParam{key: key, value: value})
}

func encodeParams(params []queryParam, sep string) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		if p.raw {
			parts = append(parts, p.key+"="+p.value)
			continue
		}
		parts = append(parts, url.QueryEscape(p.key)+"="+url.QueryEscape(p.value))
	}
	return strings.Join(parts, sep)
}

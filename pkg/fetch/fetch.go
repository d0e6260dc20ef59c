// Package fetch implements the HTTP fetch client: the collaborator
// the scheduler calls for every binding that invokes an external
// endpoint, consulting the unified cache before dispatch and populating
// it on success.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/kristofer/loaf/pkg/cache"
	"github.com/kristofer/loaf/pkg/value"
)

// HttpError describes a non-2xx response. Fetch does not return this
// type: it reports a non-2xx response as a *value.Exception tagged
// "HttpError" whose message carries the status and body.
type HttpError struct {
	Status int
	Body   string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("HttpError: status %d", e.Status)
}

// Client issues fetch(method, url, body?, headers?) -> Value on behalf
// of the scheduler. It wraps retryablehttp so transient network
// failures are retried with backoff before surfacing to the binding.
type Client struct {
	http  *retryablehttp.Client
	cache *cache.Cache
}

// New builds a Client. c may be nil to disable the shared cache (used by
// tests that want every fetch to hit the network double).
func New(c *cache.Cache) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	// Retries must fit inside a request deadline measured in seconds,
	// so back off far faster than the library defaults.
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	return &Client{http: rc, cache: c}
}

// Fetch performs method against url, with an optional JSON body and
// headers, returning the parsed response as a Value. A cache key is
// derived from method+url+a sorted header vary-set; GET requests
// consult the cache first and populate it on a successful response.
func (c *Client) Fetch(ctx context.Context, method, url string, body value.Value, headers map[string]string) (value.Value, error) {
	key := cacheKey(method, url, headers)
	cacheable := c.cache != nil && strings.EqualFold(method, http.MethodGet)

	if cacheable {
		if v, ok := c.cache.Get(key); ok {
			defer c.cache.Release(key)
			return v, nil
		}
	}

	var bodyReader io.Reader
	if body.Kind != value.KindNull {
		b, err := body.MarshalJSON()
		if err != nil {
			return value.Value{}, &value.Exception{TypeTag: "InternalError", Message: err.Error()}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return value.Value{}, &value.Exception{TypeTag: "InternalError", Message: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return value.Value{}, &value.Exception{TypeTag: "CancelledError", Message: err.Error()}
		}
		return value.Value{}, &value.Exception{TypeTag: "InternalError", Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return value.Value{}, &value.Exception{TypeTag: "InternalError", Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return value.Value{}, &value.Exception{
			TypeTag: "HttpError",
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(respBody), 512)),
		}
	}

	v, err := parseJSON(respBody)
	if err != nil {
		return value.Value{}, &value.Exception{TypeTag: "InternalError", Message: "invalid JSON response: " + err.Error()}
	}

	if cacheable {
		c.cache.Put(key, v, len(respBody))
	}
	return v, nil
}

func parseJSON(body []byte) (value.Value, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return value.Value{}, err
	}
	return fromAny(raw), nil
}

func fromAny(raw interface{}) value.Value {
	switch t := raw.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case string:
		return value.Str(t)
	case float64:
		v, err := value.DecimalFromString(strconv.FormatFloat(t, 'f', -1, 64))
		if err != nil {
			return value.Null()
		}
		return v
	case []interface{}:
		items := make([]value.Value, len(t))
		for i, e := range t {
			items[i] = fromAny(e)
		}
		return value.Arr(items)
	case map[string]interface{}:
		entries := make([]value.ObjectEntry, 0, len(t))
		for k, v := range t {
			entries = append(entries, value.ObjectEntry{Key: value.Str(k), Val: fromAny(v)})
		}
		return value.NewObject(entries...)
	default:
		return value.Null()
	}
}

func cacheKey(method, url string, headers map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(url)
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, headers[k])
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

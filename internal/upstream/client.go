// Copyright 2025 James Ross
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/task"
	"golang.org/x/time/rate"
)

// CommentSort is the set of sort values the upstream API accepts. A request
// with an unset sort is never emitted by this client (historical bug in the
// source system this replaces).
type CommentSort string

const (
	SortAsc   CommentSort = "asc"
	SortDesc  CommentSort = "desc"
	SortSmart CommentSort = "smart"
)

type GroupResolution struct {
	VKID  string
	Name  string
	Error error
}

// Client is a rate-limited, concurrency-bounded adapter to the upstream
// social-network API. A single token bucket and semaphore are shared across
// every caller, matching the spec's single global rate budget.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	sem        chan struct{}
	cfg        config.UpstreamConfig

	coolOffUntil     time.Time
	coolOffCurrent   time.Duration
}

func New(cfg config.UpstreamConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		sem:        make(chan struct{}, cfg.Concurrency),
		cfg:        cfg,
	}
}

// call performs a rate-limited, concurrency-bounded request to the upstream
// API, retrying transient and rate-limited failures up to
// cfg.TransientRetries times with jitter (spec §4.3/§4.7) before giving up.
// A rate-limited attempt waits out the cool-off window via attempt's own
// cool-off gate rather than sleeping again here; a plain transient failure
// (network error, malformed body) backs off with its own short jitter.
// Once retries are exhausted, the error is reclassified as
// KindUpstreamPermanent so the caller treats this page/group as permanent
// for this sub-unit instead of nacking the whole job.
func (c *Client) call(ctx context.Context, method string, params url.Values) (map[string]any, error) {
	maxAttempts := c.cfg.TransientRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		body, err := c.attempt(ctx, method, params)
		if err == nil {
			return body, nil
		}
		lastErr = err

		kind := task.KindOf(err)
		if kind != task.KindRateLimited && kind != task.KindUpstreamTransient {
			return nil, err
		}
		if i == maxAttempts-1 {
			break
		}
		if kind == task.KindUpstreamTransient {
			select {
			case <-ctx.Done():
				return nil, task.NewError(task.KindCancelled, "cancelled during retry wait", ctx.Err())
			case <-time.After(transientRetryBackoff(i)):
			}
		}
	}
	return nil, task.NewError(task.KindUpstreamPermanent, fmt.Sprintf("upstream %s failed after %d attempts", method, maxAttempts), lastErr)
}

// transientRetryBackoff returns a jittered backoff for the (0-indexed)
// attempt that just failed with a plain transient error.
func transientRetryBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond << uint(attempt)
	if base > 2*time.Second {
		base = 2 * time.Second
	}
	return base + time.Duration(rand.Int63n(int64(base)/2+1))
}

// attempt performs exactly one rate-limited, concurrency-bounded request to
// the upstream API and returns the decoded JSON body alongside a
// classification of any error encountered.
func (c *Client) attempt(ctx context.Context, method string, params url.Values) (map[string]any, error) {
	if !c.coolOffUntil.IsZero() && time.Now().Before(c.coolOffUntil) {
		select {
		case <-ctx.Done():
			return nil, task.NewError(task.KindCancelled, "cancelled during cool-off", ctx.Err())
		case <-time.After(time.Until(c.coolOffUntil)):
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, task.NewError(task.KindCancelled, "rate limiter wait cancelled", err)
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, task.NewError(task.KindCancelled, "cancelled waiting for concurrency slot", ctx.Err())
	}
	defer func() { <-c.sem }()

	params.Set("v", c.cfg.APIVersion)
	if c.cfg.AccessToken != "" {
		params.Set("access_token", c.cfg.AccessToken)
	}
	reqURL := fmt.Sprintf("%s/%s?%s", strings.TrimRight(c.cfg.BaseURL, "/"), method, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, task.NewError(task.KindInternal, "build request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, task.NewError(task.KindUpstreamTransient, "upstream request failed", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, task.NewError(task.KindUpstreamTransient, "decode upstream response", err)
	}

	if errVal, ok := body["error"]; ok {
		return nil, c.classifyAPIError(errVal)
	}
	c.coolOffCurrent = 0
	return body, nil
}

func (c *Client) classifyAPIError(errVal any) error {
	code, _ := jsonpath.Get("$.error_code", map[string]any{"error": errVal})
	msg, _ := jsonpath.Get("$.error_msg", map[string]any{"error": errVal})
	codeNum, _ := toInt(code)

	switch codeNum {
	case 5, 113: // auth/token errors
		return task.NewError(task.KindUpstreamAuth, fmt.Sprintf("upstream auth error: %v", msg), nil)
	case 6, 9: // too many requests / flood control
		c.applyCoolOff()
		return task.NewError(task.KindRateLimited, fmt.Sprintf("upstream rate limited: %v", msg), nil)
	default:
		return task.NewError(task.KindUpstreamPermanent, fmt.Sprintf("upstream error %v: %v", codeNum, msg), nil)
	}
}

func (c *Client) applyCoolOff() {
	if c.coolOffCurrent == 0 {
		c.coolOffCurrent = c.cfg.RateLimitCoolOff
	} else {
		c.coolOffCurrent *= 2
		if c.coolOffCurrent > c.cfg.RateLimitCoolOffMax {
			c.coolOffCurrent = c.cfg.RateLimitCoolOffMax
		}
	}
	c.coolOffUntil = time.Now().Add(c.coolOffCurrent)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// ResolveGroups resolves a batch of VK community ids to names. Any id that
// fails resolution gets a synthetic placeholder name rather than failing
// the whole batch.
func (c *Client) ResolveGroups(ctx context.Context, vkIDs []string) ([]GroupResolution, error) {
	if len(vkIDs) == 0 {
		return nil, nil
	}
	params := url.Values{"group_ids": {strings.Join(vkIDs, ",")}}
	body, err := c.call(ctx, "groups.getById", params)
	if err != nil {
		if task.KindOf(err) == task.KindUpstreamAuth {
			return nil, err
		}
		out := make([]GroupResolution, len(vkIDs))
		for i, id := range vkIDs {
			out[i] = GroupResolution{VKID: id, Name: fmt.Sprintf("Группа %s", id), Error: err}
		}
		return out, nil
	}

	resolved := map[string]string{}
	if resp, ok := body["response"]; ok {
		if items, ok := jsonpath.Get("$.groups[*]", map[string]any{"response": resp}); ok == nil {
			if list, ok := items.([]any); ok {
				for _, it := range list {
					m, ok := it.(map[string]any)
					if !ok {
						continue
					}
					idVal, _ := toInt(m["id"])
					name, _ := m["name"].(string)
					resolved[strconv.Itoa(idVal)] = name
				}
			}
		}
	}

	out := make([]GroupResolution, len(vkIDs))
	for i, id := range vkIDs {
		if name, ok := resolved[id]; ok {
			out[i] = GroupResolution{VKID: id, Name: name}
		} else {
			out[i] = GroupResolution{VKID: id, Name: fmt.Sprintf("Группа %s", id), Error: fmt.Errorf("group %s not resolved", id)}
		}
	}
	return out, nil
}

// PostPager is a lazy, finite, offset-resumable sequence of posts for a
// single group.
type PostPager struct {
	client    *Client
	groupVKID string
	pageSize  int
	maxPosts  int
	offset    int
	fetched   int
	done      bool
}

func (c *Client) ListPosts(groupVKID string, pageSize, maxPosts int) *PostPager {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &PostPager{client: c, groupVKID: groupVKID, pageSize: pageSize, maxPosts: maxPosts}
}

// Next fetches the next page. A nil page with done=true marks
// exhaustion; callers should stop calling Next afterward.
func (p *PostPager) Next(ctx context.Context) (posts []task.Post, done bool, err error) {
	if p.done {
		return nil, true, nil
	}
	count := p.pageSize
	if p.maxPosts > 0 && p.fetched+count > p.maxPosts {
		count = p.maxPosts - p.fetched
	}
	if count <= 0 {
		p.done = true
		return nil, true, nil
	}

	params := url.Values{
		"owner_id": {"-" + p.groupVKID},
		"count":    {strconv.Itoa(count)},
		"offset":   {strconv.Itoa(p.offset)},
	}
	body, err := p.client.call(ctx, "wall.get", params)
	if err != nil {
		return nil, false, err
	}

	items, _ := jsonpath.Get("$.response.items[*]", body)
	list, _ := items.([]any)
	if len(list) == 0 {
		p.done = true
		return nil, true, nil
	}

	out := make([]task.Post, 0, len(list))
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		id, _ := toInt(m["id"])
		owner, _ := toInt(m["owner_id"])
		text, _ := m["text"].(string)
		likes := 0
		if lm, ok := m["likes"].(map[string]any); ok {
			likes, _ = toInt(lm["count"])
		}
		dateUnix, _ := toInt(m["date"])
		out = append(out, task.Post{
			VKPostID:  int64(id),
			OwnerID:   int64(owner),
			GroupVKID: p.groupVKID,
			Text:      text,
			Date:      time.Unix(int64(dateUnix), 0).UTC(),
			Likes:     likes,
		})
	}
	p.offset += len(list)
	p.fetched += len(list)
	if len(list) < count {
		p.done = true
	}
	return out, false, nil
}

// CommentPager is a lazy, finite sequence of comments for a single post.
type CommentPager struct {
	client   *Client
	postVKID int64
	ownerID  int64
	sort     CommentSort
	pageSize int
	offset   int
	done     bool
}

func (c *Client) ListComments(postVKID, ownerID int64, sort CommentSort, pageSize int) *CommentPager {
	if sort == "" {
		sort = SortAsc
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &CommentPager{client: c, postVKID: postVKID, ownerID: ownerID, sort: sort, pageSize: pageSize}
}

func (p *CommentPager) Next(ctx context.Context) (comments []task.Comment, done bool, err error) {
	if p.done {
		return nil, true, nil
	}
	params := url.Values{
		"owner_id": {strconv.FormatInt(p.ownerID, 10)},
		"post_id":  {strconv.FormatInt(p.postVKID, 10)},
		"sort":     {string(p.sort)},
		"count":    {strconv.Itoa(p.pageSize)},
		"offset":   {strconv.Itoa(p.offset)},
	}
	body, err := p.client.call(ctx, "wall.getComments", params)
	if err != nil {
		return nil, false, err
	}

	items, _ := jsonpath.Get("$.response.items[*]", body)
	list, _ := items.([]any)
	if len(list) == 0 {
		p.done = true
		return nil, true, nil
	}

	out := make([]task.Comment, 0, len(list))
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		id, _ := toInt(m["id"])
		from, _ := toInt(m["from_id"])
		text, _ := m["text"].(string)
		likes := 0
		if lm, ok := m["likes"].(map[string]any); ok {
			likes, _ = toInt(lm["count"])
		}
		dateUnix, _ := toInt(m["date"])
		out = append(out, task.Comment{
			VKCommentID: int64(id),
			PostVKID:    p.postVKID,
			OwnerID:     p.ownerID,
			AuthorID:    int64(from),
			Text:        text,
			Date:        time.Unix(int64(dateUnix), 0).UTC(),
			Likes:       likes,
		})
	}
	p.offset += len(list)
	if len(list) < p.pageSize {
		p.done = true
	}
	return out, false, nil
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// GitHubClient represents a client for the GitHub REST API. It holds no
// credential of its own; every call takes the access token to act with.
type GitHubClient struct {
	baseURL    *url.URL
	userAgent  string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
	transport  http.RoundTripper
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(cfg config.GitHubConfig, logger *zap.Logger, m *metrics.Metrics) (*GitHubClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url %q: %w", cfg.APIBaseURL, err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GitHubClient{
		baseURL:    parsed,
		userAgent:  cfg.UserAgent,
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff.Std(),
		limiter:    rate.NewLimiter(limit, burst),
		transport:  http.DefaultTransport,
		logger:     logger,
		metrics:    m,
	}, nil
}

// forToken builds a go-github client that authenticates with token
func (c *GitHubClient) forToken(token string) *github.Client {
	tc := &http.Client{Transport: c.transport}

	if token != "" {
		// GitHub accepts "token <value>" as well as "Bearer <value>"
		tc.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "token"}),
			Base:   c.transport,
		}
	}

	client := github.NewClient(tc)
	client.BaseURL = c.baseURL
	if c.userAgent != "" {
		client.UserAgent = c.userAgent
	}
	return client
}

// do runs one logical request. Idempotent requests are retried with
// exponential backoff while the failure is retryable; writes run once.
func (c *GitHubClient) do(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) (*github.Response, error)) error {
	attempts := 1
	if idempotent {
		attempts += c.maxRetries
	}

	var lastErr *UpstreamError
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return wrapError(ctx, op, ctx.Err())
			case <-time.After(wait):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return wrapError(ctx, op, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		started := time.Now()
		resp, err := fn(callCtx)
		cancel()

		status := 0
		if resp != nil {
			status = statusOf(resp.Response)
		}
		c.metrics.ObserveRequest(op, status, time.Since(started))

		if err == nil {
			return nil
		}

		lastErr = wrapError(ctx, op, err)
		if !lastErr.Retryable() || ctx.Err() != nil {
			return lastErr
		}
		if attempt+1 < attempts {
			c.logger.Warn("retrying github request",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.String("kind", string(lastErr.Kind)),
				zap.Int("status_code", lastErr.StatusCode))
		}
	}

	return lastErr
}

// FetchProfile gets the authenticated user's profile
func (c *GitHubClient) FetchProfile(ctx context.Context, token string) (*github.User, error) {
	gh := c.forToken(token)

	var user *github.User
	err := c.do(ctx, "fetch_profile", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		user, resp, err = gh.Users.Get(ctx, "")
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FetchRepositories gets one page of the authenticated user's repositories.
// page is 1-indexed; an empty result means there are no more pages.
func (c *GitHubClient) FetchRepositories(ctx context.Context, token string, page, perPage int, sort string) ([]*github.Repository, error) {
	gh := c.forToken(token)
	opts := &github.RepositoryListOptions{
		Sort:      sort,
		Direction: "desc",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: clampPageSize(perPage),
		},
	}

	var repos []*github.Repository
	err := c.do(ctx, "fetch_repositories", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		repos, resp, err = gh.Repositories.List(ctx, "", opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// PullRequestSearchQuery builds the cross-repository search query for the
// authenticated user's pull requests. "all" drops the state qualifier.
func PullRequestSearchQuery(state string) string {
	if state == "" || state == "all" {
		return "is:pr author:@me"
	}
	return fmt.Sprintf("is:pr is:%s author:@me", state)
}

// FetchPullRequestsForUser gets one page of pull request summaries authored
// by the authenticated user. Summaries lack head/base detail; callers fetch
// each one with FetchPullRequest.
func (c *GitHubClient) FetchPullRequestsForUser(ctx context.Context, token, state string, page, perPage int) ([]*github.Issue, error) {
	gh := c.forToken(token)
	query := PullRequestSearchQuery(state)
	opts := &github.SearchOptions{
		Sort:  "updated",
		Order: "desc",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: clampPageSize(perPage),
		},
	}

	var result *github.IssuesSearchResult
	err := c.do(ctx, "search_pull_requests", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		result, resp, err = gh.Search.Issues(ctx, query, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.Issues, nil
}

// FetchPullRequest gets the full detail of one pull request
func (c *GitHubClient) FetchPullRequest(ctx context.Context, token, repoFullName string, number int) (*github.PullRequest, error) {
	owner, name, err := SplitFullName(repoFullName)
	if err != nil {
		return nil, err
	}
	gh := c.forToken(token)

	var pr *github.PullRequest
	err = c.do(ctx, "fetch_pull_request", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = gh.PullRequests.Get(ctx, owner, name, number)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// FetchPullRequestsForRepository gets one page of a repository's pull
// requests. GitHub has no "merged" list filter, so merged asks for the closed
// list and the page is returned whole; callers drop the unmerged ones after
// paging on the unfiltered length.
func (c *GitHubClient) FetchPullRequestsForRepository(ctx context.Context, token, repoFullName, state string, page, perPage int) ([]*github.PullRequest, error) {
	owner, name, err := SplitFullName(repoFullName)
	if err != nil {
		return nil, err
	}
	gh := c.forToken(token)

	listState := state
	if state == "merged" {
		listState = "closed"
	}
	if listState == "" {
		listState = "open"
	}
	opts := &github.PullRequestListOptions{
		State:     listState,
		Sort:      "updated",
		Direction: "desc",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: clampPageSize(perPage),
		},
	}

	var prs []*github.PullRequest
	err = c.do(ctx, "fetch_repository_pull_requests", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = gh.PullRequests.List(ctx, owner, name, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return prs, nil
}

// FetchComments gets every comment on a pull request, newest first
func (c *GitHubClient) FetchComments(ctx context.Context, token, repoFullName string, number int) ([]*github.IssueComment, error) {
	owner, name, err := SplitFullName(repoFullName)
	if err != nil {
		return nil, err
	}
	gh := c.forToken(token)

	opts := &github.IssueListCommentsOptions{
		Sort:      github.String("created"),
		Direction: github.String("desc"),
		ListOptions: github.ListOptions{
			PerPage: config.MaxPageSize,
		},
	}

	var allComments []*github.IssueComment
	for {
		var comments []*github.IssueComment
		var nextPage int
		err := c.do(ctx, "fetch_comments", true, func(ctx context.Context) (*github.Response, error) {
			var resp *github.Response
			var err error
			comments, resp, err = gh.Issues.ListComments(ctx, owner, name, number, opts)
			if resp != nil {
				nextPage = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		allComments = append(allComments, comments...)

		if nextPage == 0 {
			break
		}
		opts.Page = nextPage
	}

	return allComments, nil
}

// CreateComment posts a new comment on a pull request. It is never retried:
// a repeated call creates a second comment.
func (c *GitHubClient) CreateComment(ctx context.Context, token, repoFullName string, number int, body string) (*github.IssueComment, error) {
	owner, name, err := SplitFullName(repoFullName)
	if err != nil {
		return nil, err
	}
	gh := c.forToken(token)

	var comment *github.IssueComment
	err = c.do(ctx, "create_comment", false, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		comment, resp, err = gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return comment, nil
}

// FetchContents lists a repository path. A path naming a file yields a
// single entry.
func (c *GitHubClient) FetchContents(ctx context.Context, token, repoFullName, path string) ([]*github.RepositoryContent, error) {
	file, dir, err := c.getContents(ctx, token, repoFullName, path)
	if err != nil {
		return nil, err
	}
	if file != nil {
		return []*github.RepositoryContent{file}, nil
	}
	return dir, nil
}

// FetchFileContent gets a file's content as text, decoding the base64
// encoding GitHub uses for file payloads.
func (c *GitHubClient) FetchFileContent(ctx context.Context, token, repoFullName, path string) (string, error) {
	file, _, err := c.getContents(ctx, token, repoFullName, path)
	if err != nil {
		return "", err
	}
	if file == nil {
		return "", &UpstreamError{
			Op:      "fetch_file_content",
			Kind:    KindUpstream,
			Message: fmt.Sprintf("%s is a directory, not a file", path),
		}
	}

	content, err := file.GetContent()
	if err != nil {
		return "", &UpstreamError{
			Op:      "fetch_file_content",
			Kind:    KindUpstream,
			Message: fmt.Sprintf("failed to decode content of %s", path),
			Cause:   err,
		}
	}
	return content, nil
}

func (c *GitHubClient) getContents(ctx context.Context, token, repoFullName, path string) (*github.RepositoryContent, []*github.RepositoryContent, error) {
	owner, name, err := SplitFullName(repoFullName)
	if err != nil {
		return nil, nil, err
	}
	gh := c.forToken(token)

	var file *github.RepositoryContent
	var dir []*github.RepositoryContent
	err = c.do(ctx, "fetch_contents", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		file, dir, resp, err = gh.Repositories.GetContents(ctx, owner, name, path, nil)
		return resp, err
	})
	if err != nil {
		return nil, nil, err
	}
	return file, dir, nil
}

// SearchCode searches for code within one repository
func (c *GitHubClient) SearchCode(ctx context.Context, token, repoFullName, query string) ([]*github.CodeResult, error) {
	if _, _, err := SplitFullName(repoFullName); err != nil {
		return nil, err
	}
	gh := c.forToken(token)
	q := fmt.Sprintf("%s repo:%s", query, repoFullName)
	opts := &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: config.MaxPageSize},
	}

	var result *github.CodeSearchResult
	err := c.do(ctx, "search_code", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		result, resp, err = gh.Search.Code(ctx, q, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.CodeResults, nil
}

// SplitFullName parses a repository string in the format "owner/name"
func SplitFullName(fullName string) (string, string, error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", fullName)
	}
	return parts[0], parts[1], nil
}

// RepositoryFromURL extracts "owner/name" from a REST repository URL such as
// https://api.github.com/repos/owner/name, as carried by search results.
func RepositoryFromURL(repoURL string) (string, bool) {
	_, rest, found := strings.Cut(repoURL, "/repos/")
	if !found {
		return "", false
	}
	rest = strings.TrimSuffix(rest, "/")
	if _, _, err := SplitFullName(rest); err != nil {
		return "", false
	}
	return rest, true
}

func clampPageSize(perPage int) int {
	if perPage <= 0 || perPage > config.MaxPageSize {
		return config.MaxPageSize
	}
	return perPage
}

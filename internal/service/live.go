package service

import (
	"context"
	"strings"

	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/models"
	"go.uber.org/zap"
)

// Live proxies fetch from GitHub with the session user's token and
// normalize the result. Nothing they return is written to the mirror.

// LivePullRequests returns the first page of a repository's pull requests
func (s *Service) LivePullRequests(ctx context.Context, credential, repo, state string) ([]*models.PullRequest, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	fullName, err := resolveRepository(user, repo)
	if err != nil {
		return nil, err
	}
	if !validState(state) {
		return nil, invalid("invalid pull request state %q", state)
	}

	raw, err := s.client.FetchPullRequestsForRepository(ctx, user.AccessToken, fullName, state, 1, s.cfg.PageSize)
	if err != nil {
		return nil, toServiceError("fetch pull requests", err)
	}

	prs := make([]*models.PullRequest, 0, len(raw))
	for _, r := range raw {
		pr, err := api.ConvertPullRequest(r)
		if err != nil {
			s.logger.Warn("dropping malformed pull request", zap.String("repository", fullName), zap.Error(err))
			continue
		}
		if !api.MatchesState(pr, state) {
			continue
		}
		prs = append(prs, pr)
	}
	return prs, nil
}

// LiveComments returns every comment on a pull request, newest first
func (s *Service) LiveComments(ctx context.Context, credential, repo string, number int) ([]*models.Comment, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	fullName, err := resolveRepository(user, repo)
	if err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, invalid("invalid pull request number %d", number)
	}

	raw, err := s.client.FetchComments(ctx, user.AccessToken, fullName, number)
	if err != nil {
		return nil, toServiceError("fetch comments", err)
	}

	comments := make([]*models.Comment, 0, len(raw))
	for _, r := range raw {
		c, err := api.ConvertComment(r, number)
		if err != nil {
			s.logger.Warn("dropping malformed comment", zap.String("repository", fullName), zap.Error(err))
			continue
		}
		comments = append(comments, c)
	}
	return comments, nil
}

// CreateComment posts a comment on a pull request. It is sent exactly once;
// a failure is returned without retrying since GitHub may have created it.
func (s *Service) CreateComment(ctx context.Context, credential, repo string, number int, body string) (*models.Comment, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	fullName, err := resolveRepository(user, repo)
	if err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, invalid("invalid pull request number %d", number)
	}
	if strings.TrimSpace(body) == "" {
		return nil, invalid("comment body is required")
	}

	raw, err := s.client.CreateComment(ctx, user.AccessToken, fullName, number, body)
	if err != nil {
		return nil, toServiceError("create comment", err)
	}

	comment, err := api.ConvertComment(raw, number)
	if err != nil {
		return nil, toServiceError("create comment", err)
	}

	s.logger.Info("created comment",
		zap.String("repository", fullName),
		zap.Int("number", number),
		zap.Int64("github_id", comment.GitHubID))
	return comment, nil
}

// Contents lists a directory of a repository; an empty path is the root
func (s *Service) Contents(ctx context.Context, credential, repo, path string) ([]*models.ContentEntry, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	fullName, err := resolveRepository(user, repo)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.FetchContents(ctx, user.AccessToken, fullName, strings.Trim(path, "/"))
	if err != nil {
		return nil, toServiceError("fetch contents", err)
	}

	entries := make([]*models.ContentEntry, 0, len(raw))
	for _, r := range raw {
		if entry := api.ConvertContentEntry(r); entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// FileContent returns the decoded text of one file
func (s *Service) FileContent(ctx context.Context, credential, repo, path string) (string, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return "", err
	}
	fullName, err := resolveRepository(user, repo)
	if err != nil {
		return "", err
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "", invalid("file path is required")
	}

	text, err := s.client.FetchFileContent(ctx, user.AccessToken, fullName, path)
	if err != nil {
		return "", toServiceError("fetch file", err)
	}
	return text, nil
}

// SearchCode searches the code of one repository
func (s *Service) SearchCode(ctx context.Context, credential, repo, query string) ([]*models.CodeMatch, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	fullName, err := resolveRepository(user, repo)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, invalid("search query is required")
	}

	raw, err := s.client.SearchCode(ctx, user.AccessToken, fullName, query)
	if err != nil {
		return nil, toServiceError("search code", err)
	}

	matches := make([]*models.CodeMatch, 0, len(raw))
	for _, r := range raw {
		if m := api.ConvertCodeMatch(r); m != nil {
			matches = append(matches, m)
		}
	}
	return matches, nil
}

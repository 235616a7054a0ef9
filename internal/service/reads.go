package service

import (
	"context"

	"github.com/wesm/github-mirror/internal/models"
)

// Repositories returns the mirrored repositories owned by the session user
func (s *Service) Repositories(ctx context.Context, credential string) ([]models.Repository, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	repos, err := s.mirror.ListRepositoriesByOwner(ctx, user.Username)
	if err != nil {
		return nil, toServiceError("list repositories", err)
	}
	return repos, nil
}

// PullRequests returns the mirrored pull requests authored by the session
// user in state
func (s *Service) PullRequests(ctx context.Context, credential, state string) ([]models.PullRequest, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if !validState(state) {
		return nil, invalid("invalid pull request state %q", state)
	}

	prs, err := s.mirror.ListPullRequestsByAuthor(ctx, user.Username, state)
	if err != nil {
		return nil, toServiceError("list pull requests", err)
	}
	return prs, nil
}

// RepositoryPullRequests returns the mirrored pull requests of one repository
func (s *Service) RepositoryPullRequests(ctx context.Context, credential, repo, state string) ([]models.PullRequest, error) {
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

	prs, err := s.mirror.ListPullRequestsByRepository(ctx, fullName, state)
	if err != nil {
		return nil, toServiceError("list repository pull requests", err)
	}
	return prs, nil
}

// Comments returns the mirrored comments stored under a pull request number
func (s *Service) Comments(ctx context.Context, credential string, number int) ([]models.Comment, error) {
	if _, err := s.Authenticate(ctx, credential); err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, invalid("invalid pull request number %d", number)
	}

	comments, err := s.mirror.ListComments(ctx, number)
	if err != nil {
		return nil, toServiceError("list comments", err)
	}
	return comments, nil
}

package service

import (
	"context"

	"github.com/wesm/github-mirror/internal/models"
	"github.com/wesm/github-mirror/internal/sync"
)

// Explicit sync actions run for an authenticated session. Unlike login,
// any failure aborts the action and is returned as a ServiceError. Work
// already committed before the failure stays in the mirror.

// UserDataResult is the outcome of a full user data sync
type UserDataResult struct {
	User         *models.User                    `json:"user"`
	Repositories *sync.Result[*models.Repository] `json:"repositories"`
}

// SyncUserData refreshes the profile and every repository of the session user
func (s *Service) SyncUserData(ctx context.Context, credential string) (*UserDataResult, error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	refreshed, err := s.syncer.SyncUser(ctx, user.AccessToken)
	if err != nil {
		return nil, toServiceError("sync user", err)
	}

	repos, err := s.syncer.SyncRepositories(ctx, user.AccessToken)
	if err != nil {
		return nil, toServiceError("sync repositories", err)
	}
	return &UserDataResult{User: refreshed, Repositories: repos}, nil
}

// SyncRepositories mirrors every repository of the session user
func (s *Service) SyncRepositories(ctx context.Context, credential string) (*sync.Result[*models.Repository], error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	res, err := s.syncer.SyncRepositories(context.WithoutCancel(ctx), user.AccessToken)
	if err != nil {
		return nil, toServiceError("sync repositories", err)
	}
	return res, nil
}

// SyncPullRequests mirrors the pull requests authored by the session user
// in each of states, open when none is given
func (s *Service) SyncPullRequests(ctx context.Context, credential string, states []string) (*sync.Result[*models.PullRequest], error) {
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if state == "" || !validState(state) {
			return nil, invalid("invalid pull request state %q", state)
		}
	}

	res, err := s.syncer.SyncPullRequests(context.WithoutCancel(ctx), user.AccessToken, states)
	if err != nil {
		return nil, toServiceError("sync pull requests", err)
	}
	return res, nil
}

// SyncRepositoryPullRequests mirrors the pull requests of one repository
func (s *Service) SyncRepositoryPullRequests(ctx context.Context, credential, repo, state string) (*sync.Result[*models.PullRequest], error) {
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

	res, err := s.syncer.SyncRepositoryPullRequests(context.WithoutCancel(ctx), user.AccessToken, fullName, state)
	if err != nil {
		return nil, toServiceError("sync repository pull requests", err)
	}
	return res, nil
}

// SyncComments mirrors the comments of one pull request
func (s *Service) SyncComments(ctx context.Context, credential, repo string, number int) (*sync.Result[*models.Comment], error) {
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

	res, err := s.syncer.SyncComments(context.WithoutCancel(ctx), user.AccessToken, fullName, number)
	if err != nil {
		return nil, toServiceError("sync comments", err)
	}
	return res, nil
}

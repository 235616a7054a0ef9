// Package service implements the application flows on top of the mirror:
// OAuth login, explicit sync actions, reads from the local store and live
// proxies to GitHub.
package service

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/models"
	"github.com/wesm/github-mirror/internal/oauth"
	"github.com/wesm/github-mirror/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// TokenExchanger is the OAuth side of login
type TokenExchanger interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Sessions issues and validates bearer credentials
type Sessions interface {
	Issue(localUserID int64) (string, error)
	Validate(credential string) (int64, error)
}

// LiveClient is the GitHub client used for syncs and live proxies
type LiveClient interface {
	sync.APIClient
	CreateComment(ctx context.Context, token, repoFullName string, number int, body string) (*github.IssueComment, error)
	FetchContents(ctx context.Context, token, repoFullName, path string) ([]*github.RepositoryContent, error)
	FetchFileContent(ctx context.Context, token, repoFullName, path string) (string, error)
	SearchCode(ctx context.Context, token, repoFullName, query string) ([]*github.CodeResult, error)
}

// Mirror is the read side of the local store
type Mirror interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ListRepositoriesByOwner(ctx context.Context, owner string) ([]models.Repository, error)
	ListPullRequestsByAuthor(ctx context.Context, author, state string) ([]models.PullRequest, error)
	ListPullRequestsByRepository(ctx context.Context, repoFullName, state string) ([]models.PullRequest, error)
	ListComments(ctx context.Context, prNumber int) ([]models.Comment, error)
}

// Service wires the OAuth broker, the syncer, the store and sessions together
type Service struct {
	broker   TokenExchanger
	sessions Sessions
	client   LiveClient
	mirror   Mirror
	syncer   *sync.Syncer
	cfg      config.SyncConfig
	logger   *zap.Logger
}

// New creates a service
func New(broker TokenExchanger, sessions Sessions, client LiveClient, mirror Mirror, syncer *sync.Syncer, cfg config.SyncConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 || cfg.PageSize > config.MaxPageSize {
		cfg.PageSize = config.MaxPageSize
	}
	return &Service{
		broker:   broker,
		sessions: sessions,
		client:   client,
		mirror:   mirror,
		syncer:   syncer,
		cfg:      cfg,
		logger:   logger,
	}
}

// AuthorizationURL returns a GitHub authorization URL with a fresh CSRF
// state. The caller keeps state and compares it on callback.
func (s *Service) AuthorizationURL() (url, state string) {
	state = oauth.NewState()
	return s.broker.AuthorizationURL(state), state
}

// SyncFailure records a sync step that failed during login
type SyncFailure struct {
	Kind  string        `json:"kind"`
	Error *ServiceError `json:"error"`
}

// LoginResult is returned by a successful login
type LoginResult struct {
	Token      string        `json:"token"`
	User       *models.User  `json:"user"`
	SyncErrors []SyncFailure `json:"sync_errors,omitempty"`
}

// Login exchanges an OAuth code, mirrors the user's profile, repositories
// and pull requests, and issues a session. Only the exchange and the
// profile sync can fail the login; repository and pull request sync
// failures are logged and reported in the result.
func (s *Service) Login(ctx context.Context, code string) (*LoginResult, error) {
	// A caller going away must not interrupt the mirror midway
	ctx = context.WithoutCancel(ctx)

	token, err := s.broker.Exchange(ctx, code)
	if err != nil {
		return nil, toServiceError("login", err)
	}
	if token.AccessToken == "" {
		return nil, &ServiceError{Kind: KindOAuth, Message: "login failed: GitHub returned no access token", StatusCode: http.StatusBadGateway}
	}

	user, err := s.syncer.SyncUser(ctx, token.AccessToken)
	if err != nil {
		return nil, toServiceError("login", err)
	}

	res := &LoginResult{User: user}

	if _, err := s.syncer.SyncRepositories(ctx, token.AccessToken); err != nil {
		res.SyncErrors = append(res.SyncErrors, s.loginSyncFailed(user, sync.KindRepository, err))
	}

	if _, err := s.syncer.SyncPullRequests(ctx, token.AccessToken, s.cfg.LoginPullRequestStates); err != nil {
		res.SyncErrors = append(res.SyncErrors, s.loginSyncFailed(user, sync.KindPullRequest, err))
	}

	res.Token, err = s.sessions.Issue(user.ID)
	if err != nil {
		return nil, toServiceError("login", err)
	}

	s.logger.Info("user logged in",
		zap.String("username", user.Username),
		zap.Int("sync_errors", len(res.SyncErrors)))
	return res, nil
}

func (s *Service) loginSyncFailed(user *models.User, kind string, err error) SyncFailure {
	s.logger.Warn("sync failed during login",
		zap.String("username", user.Username),
		zap.String("kind", kind),
		zap.Error(err))
	return SyncFailure{Kind: kind, Error: toServiceError(kind+" sync", err)}
}

// Authenticate returns the local user bound to a session credential
func (s *Service) Authenticate(ctx context.Context, credential string) (*models.User, error) {
	id, err := s.sessions.Validate(credential)
	if err != nil {
		return nil, toServiceError("authenticate", err)
	}

	user, err := s.mirror.GetUser(ctx, id)
	if err != nil {
		return nil, toServiceError("authenticate", err)
	}
	if user == nil {
		return nil, &ServiceError{Kind: KindUnauthorized, Message: "session user no longer exists", StatusCode: http.StatusUnauthorized}
	}
	return user, nil
}

// resolveRepository turns a repository argument into a full name. A bare
// name is taken to belong to user.
func resolveRepository(user *models.User, repo string) (string, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return "", invalid("repository is required")
	}
	if !strings.Contains(repo, "/") {
		repo = user.Username + "/" + repo
	}
	if _, _, err := api.SplitFullName(repo); err != nil {
		return "", invalid("invalid repository %q", repo)
	}
	return repo, nil
}

func validState(state string) bool {
	switch state {
	case "", models.StateOpen, models.StateClosed, models.StateMerged, models.StateAll:
		return true
	}
	return false
}

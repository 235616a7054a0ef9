// Package sync reconciles GitHub account state into the local mirror.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/db"
	"github.com/wesm/github-mirror/internal/metrics"
	"github.com/wesm/github-mirror/internal/models"
	"go.uber.org/zap"
)

// searchResultLimit is the number of results GitHub search serves for one
// query; pages past it fail with 422
const searchResultLimit = 1000

// Entity kinds, used in logs and metrics
const (
	KindUser        = "user"
	KindRepository  = "repository"
	KindPullRequest = "pull_request"
	KindComment     = "comment"
)

// APIClient is the part of the GitHub client the syncer reads from
type APIClient interface {
	FetchProfile(ctx context.Context, token string) (*github.User, error)
	FetchRepositories(ctx context.Context, token string, page, perPage int, sort string) ([]*github.Repository, error)
	FetchPullRequestsForUser(ctx context.Context, token, state string, page, perPage int) ([]*github.Issue, error)
	FetchPullRequest(ctx context.Context, token, repoFullName string, number int) (*github.PullRequest, error)
	FetchPullRequestsForRepository(ctx context.Context, token, repoFullName, state string, page, perPage int) ([]*github.PullRequest, error)
	FetchComments(ctx context.Context, token, repoFullName string, number int) ([]*github.IssueComment, error)
}

// Stores groups the per-entity stores the syncer writes to
type Stores struct {
	Users        Records[*models.User]
	Repositories Records[*models.Repository]
	PullRequests Records[*models.PullRequest]
	Comments     Records[*models.Comment]
}

// StoresFor returns the stores backed by database
func StoresFor(database *db.DB) Stores {
	return Stores{
		Users:        database.Users(),
		Repositories: database.Repositories(),
		PullRequests: database.PullRequests(),
		Comments:     database.Comments(),
	}
}

// Syncer handles syncing GitHub account state to the local database
type Syncer struct {
	client  APIClient
	cfg     config.SyncConfig
	workers int
	logger  *zap.Logger
	metrics *metrics.Metrics

	users        *reconciler[models.User, *models.User]
	repositories *reconciler[models.Repository, *models.Repository]
	pullRequests *reconciler[models.PullRequest, *models.PullRequest]
	comments     *reconciler[models.Comment, *models.Comment]
}

// New creates a new syncer
func New(client APIClient, stores Stores, cfg config.SyncConfig, logger *zap.Logger, m *metrics.Metrics) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 || cfg.PageSize > config.MaxPageSize {
		cfg.PageSize = config.MaxPageSize
	}

	s := &Syncer{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
	s.SetWorkers(cfg.FanOutConcurrency)

	s.users = &reconciler[models.User, *models.User]{
		kind: KindUser, store: stores.Users, merge: mergeUser, stamp: stampUser,
		now: now, logger: logger, metrics: m,
	}
	s.repositories = &reconciler[models.Repository, *models.Repository]{
		kind: KindRepository, store: stores.Repositories, merge: mergeRepository, stamp: stampRepository,
		now: now, logger: logger, metrics: m,
	}
	s.pullRequests = &reconciler[models.PullRequest, *models.PullRequest]{
		kind: KindPullRequest, store: stores.PullRequests, merge: mergePullRequest, stamp: stampPullRequest,
		now: now, logger: logger, metrics: m,
	}
	s.comments = &reconciler[models.Comment, *models.Comment]{
		kind: KindComment, store: stores.Comments, merge: mergeComment, stamp: stampComment,
		now: now, logger: logger, metrics: m,
	}
	return s
}

func now() time.Time {
	return time.Now().UTC()
}

// SetWorkers sets the number of concurrent pull request detail fetches
func (s *Syncer) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > 20 {
		workers = 20 // Cap at 20 to avoid overwhelming GitHub API
	}
	s.workers = workers
}

// SyncUser fetches the authenticated profile and upserts it together with
// the access token it was fetched with
func (s *Syncer) SyncUser(ctx context.Context, token string) (user *models.User, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveRun(KindUser, started, err) }()

	profile, err := s.client.FetchProfile(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	incoming, err := api.ConvertUser(profile)
	if err != nil {
		return nil, err
	}
	incoming.AccessToken = token

	stored, created, err := s.users.upsert(ctx, incoming)
	if err != nil {
		return nil, err
	}
	outcome := "updated"
	if created {
		outcome = "created"
	}
	s.metrics.RecordOutcome(KindUser, outcome)

	s.logger.Info("synced user",
		zap.String("username", stored.Username),
		zap.Int64("id", stored.ID),
		zap.String("outcome", outcome))
	return stored, nil
}

// SyncRepositories fetches every page of the authenticated user's
// repositories, most recently updated first, and upserts them
func (s *Syncer) SyncRepositories(ctx context.Context, token string) (res *Result[*models.Repository], err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveRun(KindRepository, started, err) }()

	res = &Result[*models.Repository]{}
	for page := 1; ; page++ {
		if s.pageLimitReached(page) {
			s.truncate(KindRepository, "page limit reached", zap.Int("max_pages", s.cfg.MaxPages))
			res.Truncated = true
			break
		}

		raw, err := s.client.FetchRepositories(ctx, token, page, s.cfg.PageSize, "updated")
		if err != nil {
			return nil, fmt.Errorf("failed to fetch repositories page %d: %w", page, err)
		}
		if len(raw) == 0 {
			break
		}
		s.logger.Debug("fetched repositories page", zap.Int("page", page), zap.Int("count", len(raw)))

		batch := make([]*models.Repository, 0, len(raw))
		for _, r := range raw {
			repo, err := api.ConvertRepository(r)
			if err != nil {
				s.repositories.skip(res, r.GetID(), err)
				continue
			}
			batch = append(batch, repo)
		}

		if err := s.repositories.apply(ctx, batch, res); err != nil {
			return nil, err
		}
	}

	s.logRun(KindRepository, started, res.Created, res.Updated, len(res.Skipped), res.Truncated)
	return res, nil
}

// detailJob identifies one pull request found by search
type detailJob struct {
	repoFullName string
	number       int
}

// SyncPullRequests syncs the pull requests authored by the authenticated
// user across all repositories, once per requested state. Search results
// are abbreviated, so each one is fetched in full; those fetches run
// concurrently but results keep search order.
func (s *Syncer) SyncPullRequests(ctx context.Context, token string, states []string) (res *Result[*models.PullRequest], err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveRun(KindPullRequest, started, err) }()

	if len(states) == 0 {
		states = []string{models.StateOpen}
	}

	res = &Result[*models.PullRequest]{}
	seen := make(map[int64]bool)
	fetched := 0

stateLoop:
	for _, state := range states {
		for page := 1; ; page++ {
			if s.pageLimitReached(page) {
				s.truncate(KindPullRequest, "page limit reached", zap.String("state", state), zap.Int("max_pages", s.cfg.MaxPages))
				res.Truncated = true
				break
			}
			if page > searchResultLimit/s.cfg.PageSize {
				s.truncate(KindPullRequest, "search result limit reached", zap.String("state", state), zap.Int("limit", searchResultLimit))
				res.Truncated = true
				break
			}

			summaries, err := s.client.FetchPullRequestsForUser(ctx, token, state, page, s.cfg.PageSize)
			if err != nil {
				return nil, fmt.Errorf("failed to search %s pull requests page %d: %w", state, page, err)
			}
			if len(summaries) == 0 {
				break
			}

			jobs := make([]detailJob, 0, len(summaries))
			for _, summary := range summaries {
				if seen[summary.GetID()] {
					continue
				}
				job, err := summaryJob(summary)
				if err != nil {
					s.pullRequests.skip(res, summary.GetID(), err)
					continue
				}
				seen[summary.GetID()] = true
				jobs = append(jobs, job)
			}

			capped := false
			if limit := s.cfg.MaxPullRequestDetails; limit > 0 && fetched+len(jobs) > limit {
				jobs = jobs[:limit-fetched]
				capped = true
			}
			fetched += len(jobs)

			details, err := fanOut(ctx, s.logger, s.workers, jobs, func(ctx context.Context, job detailJob) (*github.PullRequest, error) {
				return s.client.FetchPullRequest(ctx, token, job.repoFullName, job.number)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to fetch pull request details: %w", err)
			}

			batch := make([]*models.PullRequest, 0, len(details))
			for i, detail := range details {
				pr, err := api.ConvertPullRequest(detail)
				if err != nil {
					s.pullRequests.skip(res, detail.GetID(), fmt.Errorf("%s#%d: %w", jobs[i].repoFullName, jobs[i].number, err))
					continue
				}
				batch = append(batch, pr)
			}

			if err := s.pullRequests.apply(ctx, batch, res); err != nil {
				return nil, err
			}

			if capped {
				s.truncate(KindPullRequest, "detail fetch limit reached", zap.Int("max_pull_request_details", s.cfg.MaxPullRequestDetails))
				res.Truncated = true
				break stateLoop
			}
		}
	}

	s.logRun(KindPullRequest, started, res.Created, res.Updated, len(res.Skipped), res.Truncated)
	return res, nil
}

// summaryJob extracts the repository and number a search result refers to
func summaryJob(summary *github.Issue) (detailJob, error) {
	if summary.GetID() == 0 {
		return detailJob{}, &api.MalformedRecordError{Kind: KindPullRequest, Field: "id"}
	}
	if summary.GetNumber() == 0 {
		return detailJob{}, &api.MalformedRecordError{Kind: KindPullRequest, ExternalID: summary.GetID(), Field: "number"}
	}
	full, ok := api.RepositoryFromURL(summary.GetRepositoryURL())
	if !ok {
		return detailJob{}, &api.MalformedRecordError{Kind: KindPullRequest, ExternalID: summary.GetID(), Field: "repository_url"}
	}
	return detailJob{repoFullName: full, number: summary.GetNumber()}, nil
}

// SyncRepositoryPullRequests syncs every page of one repository's pull
// requests in the given state
func (s *Syncer) SyncRepositoryPullRequests(ctx context.Context, token, repoFullName, state string) (res *Result[*models.PullRequest], err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveRun(KindPullRequest, started, err) }()

	if _, _, err := api.SplitFullName(repoFullName); err != nil {
		return nil, err
	}

	res = &Result[*models.PullRequest]{}
	for page := 1; ; page++ {
		if s.pageLimitReached(page) {
			s.truncate(KindPullRequest, "page limit reached", zap.String("repository", repoFullName), zap.Int("max_pages", s.cfg.MaxPages))
			res.Truncated = true
			break
		}

		raw, err := s.client.FetchPullRequestsForRepository(ctx, token, repoFullName, state, page, s.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch pull requests for %s page %d: %w", repoFullName, page, err)
		}
		if len(raw) == 0 {
			break
		}

		batch := make([]*models.PullRequest, 0, len(raw))
		for _, r := range raw {
			pr, err := api.ConvertPullRequest(r)
			if err != nil {
				s.pullRequests.skip(res, r.GetID(), err)
				continue
			}
			if !api.MatchesState(pr, state) {
				continue
			}
			batch = append(batch, pr)
		}

		if err := s.pullRequests.apply(ctx, batch, res); err != nil {
			return nil, err
		}
	}

	s.logRun(KindPullRequest, started, res.Created, res.Updated, len(res.Skipped), res.Truncated, zap.String("repository", repoFullName))
	return res, nil
}

// SyncComments syncs the comments of one pull request. Comments are linked
// to number, the pull request they were fetched under.
func (s *Syncer) SyncComments(ctx context.Context, token, repoFullName string, number int) (res *Result[*models.Comment], err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveRun(KindComment, started, err) }()

	raw, err := s.client.FetchComments(ctx, token, repoFullName, number)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch comments for %s#%d: %w", repoFullName, number, err)
	}

	res = &Result[*models.Comment]{}
	batch := make([]*models.Comment, 0, len(raw))
	for _, r := range raw {
		comment, err := api.ConvertComment(r, number)
		if err != nil {
			s.comments.skip(res, r.GetID(), err)
			continue
		}
		batch = append(batch, comment)
	}

	if err := s.comments.apply(ctx, batch, res); err != nil {
		return nil, err
	}

	s.logRun(KindComment, started, res.Created, res.Updated, len(res.Skipped), false,
		zap.String("repository", repoFullName), zap.Int("number", number))
	return res, nil
}

func (s *Syncer) pageLimitReached(page int) bool {
	return s.cfg.MaxPages > 0 && page > s.cfg.MaxPages
}

func (s *Syncer) truncate(kind, reason string, fields ...zap.Field) {
	s.metrics.Truncated(kind)
	s.logger.Warn("sync run truncated", append([]zap.Field{zap.String("kind", kind), zap.String("reason", reason)}, fields...)...)
}

func (s *Syncer) logRun(kind string, started time.Time, created, updated, skipped int, truncated bool, fields ...zap.Field) {
	s.logger.Info("sync run completed", append([]zap.Field{
		zap.String("kind", kind),
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("skipped", skipped),
		zap.Bool("truncated", truncated),
		zap.Duration("duration", time.Since(started)),
	}, fields...)...)
}

package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/wesm/github-mirror/internal/db"
	"github.com/wesm/github-mirror/internal/metrics"
	"github.com/wesm/github-mirror/internal/models"
	"go.uber.org/zap"
)

// Records is the store contract the syncer reconciles against. Every call
// commits on its own; FindByGitHubID returns nil when nothing matches.
type Records[P any] interface {
	FindByGitHubID(ctx context.Context, githubID int64) (P, error)
	Create(ctx context.Context, rec P) error
	Update(ctx context.Context, rec P) error
}

// Skip reports a fetched record that was not stored
type Skip struct {
	ExternalID int64  `json:"external_id,omitempty"`
	Reason     string `json:"reason"`
}

// Result summarizes one sync run. Records are in fetch order.
type Result[P any] struct {
	Records   []P    `json:"records"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Skipped   []Skip `json:"skipped,omitempty"`
	Truncated bool   `json:"truncated"`
}

// reconciler upserts one entity kind by GitHub id. merge copies the mutable
// fields of a fetched record onto the stored one; stamp sets the local
// bookkeeping timestamps.
type reconciler[T any, P interface {
	*T
	db.Record
}] struct {
	kind    string
	store   Records[P]
	merge   func(existing, incoming P)
	stamp   func(rec P, now time.Time, created bool)
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// upsert creates incoming or updates the stored record with its GitHub id.
// A create that loses a race with a concurrent run falls back to update.
func (r *reconciler[T, P]) upsert(ctx context.Context, incoming P) (P, bool, error) {
	existing, err := r.store.FindByGitHubID(ctx, incoming.ExternalID())
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up %s %d: %w", r.kind, incoming.ExternalID(), err)
	}

	if existing == nil {
		r.stamp(incoming, r.now(), true)
		err := r.store.Create(ctx, incoming)
		if err == nil {
			return incoming, true, nil
		}
		if !db.IsDuplicate(err) {
			return nil, false, fmt.Errorf("failed to create %s %d: %w", r.kind, incoming.ExternalID(), err)
		}

		r.logger.Debug("record created concurrently, updating instead",
			zap.String("kind", r.kind),
			zap.Int64("github_id", incoming.ExternalID()))
		r.metrics.DuplicateRetry(r.kind)

		existing, err = r.store.FindByGitHubID(ctx, incoming.ExternalID())
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up %s %d: %w", r.kind, incoming.ExternalID(), err)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("%s %d reported as duplicate but not found", r.kind, incoming.ExternalID())
		}
	}

	r.merge(existing, incoming)
	r.stamp(existing, r.now(), false)
	if err := r.store.Update(ctx, existing); err != nil {
		return nil, false, fmt.Errorf("failed to update %s %d: %w", r.kind, existing.ExternalID(), err)
	}
	return existing, false, nil
}

// apply upserts batch in order, adding each record to res. A store failure
// aborts the batch; records already committed stay committed.
func (r *reconciler[T, P]) apply(ctx context.Context, batch []P, res *Result[P]) error {
	for _, rec := range batch {
		stored, created, err := r.upsert(ctx, rec)
		if err != nil {
			return err
		}
		res.Records = append(res.Records, stored)
		if created {
			res.Created++
			r.metrics.RecordOutcome(r.kind, "created")
		} else {
			res.Updated++
			r.metrics.RecordOutcome(r.kind, "updated")
		}
	}
	return nil
}

// skip records a malformed record in res
func (r *reconciler[T, P]) skip(res *Result[P], externalID int64, err error) {
	r.logger.Warn("skipping malformed record",
		zap.String("kind", r.kind),
		zap.Int64("github_id", externalID),
		zap.Error(err))
	r.metrics.RecordOutcome(r.kind, "skipped")
	res.Skipped = append(res.Skipped, Skip{ExternalID: externalID, Reason: err.Error()})
}

func mergeUser(existing, incoming *models.User) {
	existing.Username = incoming.Username
	existing.Email = incoming.Email
	existing.Name = incoming.Name
	existing.AvatarURL = incoming.AvatarURL
	existing.Bio = incoming.Bio
	existing.PublicRepos = incoming.PublicRepos
	existing.Followers = incoming.Followers
	existing.Following = incoming.Following
	if incoming.AccessToken != "" {
		existing.AccessToken = incoming.AccessToken
	}
}

func stampUser(u *models.User, now time.Time, created bool) {
	if created {
		u.CreatedAt = now
		return
	}
	u.UpdatedAt = &now
}

func mergeRepository(existing, incoming *models.Repository) {
	existing.Name = incoming.Name
	existing.FullName = incoming.FullName
	existing.Description = incoming.Description
	existing.HTMLURL = incoming.HTMLURL
	existing.Language = incoming.Language
	existing.StargazersCount = incoming.StargazersCount
	existing.ForksCount = incoming.ForksCount
	existing.Private = incoming.Private
	existing.OwnerUsername = incoming.OwnerUsername
	existing.OwnerAvatarURL = incoming.OwnerAvatarURL
	existing.UpdatedAt = incoming.UpdatedAt
}

func stampRepository(r *models.Repository, now time.Time, created bool) {
	if created {
		r.CreatedAt = now
	}
}

func mergePullRequest(existing, incoming *models.PullRequest) {
	existing.Number = incoming.Number
	existing.Title = incoming.Title
	existing.Body = incoming.Body
	existing.State = incoming.State
	existing.HTMLURL = incoming.HTMLURL
	existing.RepoName = incoming.RepoName
	existing.RepoFullName = incoming.RepoFullName
	existing.AuthorUsername = incoming.AuthorUsername
	existing.AuthorAvatarURL = incoming.AuthorAvatarURL
	existing.HeadRef = incoming.HeadRef
	existing.CreatedAt = incoming.CreatedAt
	existing.UpdatedAt = incoming.UpdatedAt
}

func stampPullRequest(p *models.PullRequest, now time.Time, _ bool) {
	p.SyncedAt = now
}

func mergeComment(existing, incoming *models.Comment) {
	existing.PullRequestNumber = incoming.PullRequestNumber
	existing.Body = incoming.Body
	existing.AuthorUsername = incoming.AuthorUsername
	existing.AuthorAvatarURL = incoming.AuthorAvatarURL
	existing.HTMLURL = incoming.HTMLURL
	existing.CreatedAt = incoming.CreatedAt
	existing.UpdatedAt = incoming.UpdatedAt
}

func stampComment(c *models.Comment, now time.Time, _ bool) {
	c.SyncedAt = now
}

package db

import (
	"context"

	"github.com/huandu/go-sqlbuilder"
	"github.com/wesm/github-mirror/internal/models"
)

// Table names
const (
	UsersTable        = "users"
	RepositoriesTable = "repositories"
	PullRequestsTable = "pull_requests"
	CommentsTable     = "comments"
)

type (
	UserTable        = Table[models.User, *models.User]
	RepositoryTable  = Table[models.Repository, *models.Repository]
	PullRequestTable = Table[models.PullRequest, *models.PullRequest]
	CommentTable     = Table[models.Comment, *models.Comment]
)

// Users returns the users table
func (db *DB) Users() *UserTable {
	return newTable[models.User, *models.User](db, UsersTable)
}

// Repositories returns the repositories table
func (db *DB) Repositories() *RepositoryTable {
	return newTable[models.Repository, *models.Repository](db, RepositoriesTable)
}

// PullRequests returns the pull requests table
func (db *DB) PullRequests() *PullRequestTable {
	return newTable[models.PullRequest, *models.PullRequest](db, PullRequestsTable)
}

// Comments returns the comments table
func (db *DB) Comments() *CommentTable {
	return newTable[models.Comment, *models.Comment](db, CommentsTable)
}

// GetUser returns the user with the given local id, or nil if there is none
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return db.Users().FindByID(ctx, id)
}

// ListRepositoriesByOwner returns the mirrored repositories owned by owner,
// most recently updated first
func (db *DB) ListRepositoriesByOwner(ctx context.Context, owner string) ([]models.Repository, error) {
	return db.Repositories().list(ctx, "list repositories", func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.Equal("owner_username", owner))
		sb.OrderBy("updated_at DESC NULLS LAST", "id")
	})
}

// ListPullRequestsByAuthor returns the mirrored pull requests authored by
// author in the given state, most recently updated first. "all" or an empty
// state matches every state.
func (db *DB) ListPullRequestsByAuthor(ctx context.Context, author, state string) ([]models.PullRequest, error) {
	return db.PullRequests().list(ctx, "list pull requests", func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.Equal("author_username", author))
		if state != "" && state != models.StateAll {
			sb.Where(sb.Equal("state", state))
		}
		sb.OrderBy("updated_at DESC NULLS LAST", "id")
	})
}

// ListPullRequestsByRepository returns the mirrored pull requests of one
// repository, most recently updated first
func (db *DB) ListPullRequestsByRepository(ctx context.Context, repoFullName, state string) ([]models.PullRequest, error) {
	return db.PullRequests().list(ctx, "list repository pull requests", func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.Equal("repo_full_name", repoFullName))
		if state != "" && state != models.StateAll {
			sb.Where(sb.Equal("state", state))
		}
		sb.OrderBy("updated_at DESC NULLS LAST", "id")
	})
}

// ListComments returns the mirrored comments stored under a pull request
// number, newest first
func (db *DB) ListComments(ctx context.Context, prNumber int) ([]models.Comment, error) {
	return db.Comments().list(ctx, "list comments", func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.Equal("pull_request_number", prNumber))
		sb.OrderBy("created_at DESC NULLS LAST", "id")
	})
}

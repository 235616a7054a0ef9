package models

import (
	"time"
)

// PullRequest states stored in the mirror.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
	StateAll    = "all"
)

// User represents the authenticated GitHub account mirrored locally
type User struct {
	ID          int64      `db:"id" fieldtag:"pk" json:"id"`
	GitHubID    int64      `db:"github_id" fieldtag:"key" json:"github_id"`
	Username    string     `db:"username" json:"username"`
	Email       *string    `db:"email" json:"email,omitempty"`
	Name        *string    `db:"name" json:"name,omitempty"`
	AvatarURL   *string    `db:"avatar_url" json:"avatar_url,omitempty"`
	Bio         *string    `db:"bio" json:"bio,omitempty"`
	PublicRepos int        `db:"public_repos" json:"public_repos"`
	Followers   int        `db:"followers_count" json:"followers"`
	Following   int        `db:"following_count" json:"following"`
	AccessToken string     `db:"github_access_token" json:"-"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Repository represents a GitHub repository. OwnerUsername is a plain
// handle, not a reference to a local user.
type Repository struct {
	ID              int64      `db:"id" fieldtag:"pk" json:"id"`
	GitHubID        int64      `db:"github_id" fieldtag:"key" json:"github_id"`
	Name            string     `db:"name" json:"name"`
	FullName        string     `db:"full_name" json:"full_name"`
	Description     *string    `db:"description" json:"description,omitempty"`
	HTMLURL         *string    `db:"html_url" json:"html_url,omitempty"`
	Language        *string    `db:"language" json:"language,omitempty"`
	StargazersCount int        `db:"stargazers_count" json:"stargazers_count"`
	ForksCount      int        `db:"forks_count" json:"forks_count"`
	Private         bool       `db:"private" json:"private"`
	OwnerUsername   string     `db:"owner_username" json:"owner_username"`
	OwnerAvatarURL  *string    `db:"owner_avatar_url" json:"owner_avatar_url,omitempty"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// PullRequest represents a GitHub pull request
type PullRequest struct {
	ID              int64      `db:"id" fieldtag:"pk" json:"id"`
	GitHubID        int64      `db:"github_id" fieldtag:"key" json:"github_id"`
	Number          int        `db:"number" json:"number"`
	Title           string     `db:"title" json:"title"`
	Body            *string    `db:"body" json:"body,omitempty"`
	State           string     `db:"state" json:"state"`
	HTMLURL         *string    `db:"html_url" json:"html_url,omitempty"`
	RepoName        string     `db:"repo_name" json:"repo_name"`
	RepoFullName    string     `db:"repo_full_name" json:"repo_full_name"`
	AuthorUsername  string     `db:"author_username" json:"author_username"`
	AuthorAvatarURL *string    `db:"author_avatar_url" json:"author_avatar_url,omitempty"`
	HeadRef         *string    `db:"head_ref" json:"head_ref,omitempty"`
	CreatedAt       *time.Time `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	SyncedAt        time.Time  `db:"synced_at" json:"synced_at"`
}

// Comment represents a GitHub pull request comment. PullRequestNumber is
// the number the comment was fetched under; the comment payload carries no
// link back to its pull request.
type Comment struct {
	ID                int64      `db:"id" fieldtag:"pk" json:"id"`
	GitHubID          int64      `db:"github_id" fieldtag:"key" json:"github_id"`
	PullRequestNumber int        `db:"pull_request_number" json:"pull_request_number"`
	Body              string     `db:"body" json:"body"`
	AuthorUsername    string     `db:"author_username" json:"author_username"`
	AuthorAvatarURL   *string    `db:"author_avatar_url" json:"author_avatar_url,omitempty"`
	HTMLURL           *string    `db:"html_url" json:"html_url,omitempty"`
	CreatedAt         *time.Time `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt         *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	SyncedAt          time.Time  `db:"synced_at" json:"synced_at"`
}

// ContentEntry is one item of a repository directory listing. It is served
// live and never persisted.
type ContentEntry struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	Type        string  `json:"type"`
	Size        int     `json:"size"`
	SHA         string  `json:"sha"`
	HTMLURL     *string `json:"html_url,omitempty"`
	DownloadURL *string `json:"download_url,omitempty"`
}

// CodeMatch is a code search hit. It is served live and never persisted.
type CodeMatch struct {
	Name         string  `json:"name"`
	Path         string  `json:"path"`
	SHA          string  `json:"sha"`
	HTMLURL      *string `json:"html_url,omitempty"`
	RepoFullName string  `json:"repo_full_name"`
}

// ExternalID implementations let the store and syncer address every entity
// by its GitHub id.

func (u *User) ExternalID() int64        { return u.GitHubID }
func (r *Repository) ExternalID() int64  { return r.GitHubID }
func (p *PullRequest) ExternalID() int64 { return p.GitHubID }
func (c *Comment) ExternalID() int64     { return c.GitHubID }

// LocalID implementations expose the surrogate key assigned by the store.

func (u *User) LocalID() int64        { return u.ID }
func (r *Repository) LocalID() int64  { return r.ID }
func (p *PullRequest) LocalID() int64 { return p.ID }
func (c *Comment) LocalID() int64     { return c.ID }

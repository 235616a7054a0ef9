package api

import (
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-mirror/internal/models"
)

// ConvertUser converts a GitHub user to our model. The access token is not
// part of the payload; the caller sets it.
func ConvertUser(user *github.User) (*models.User, error) {
	if user == nil || user.GetID() == 0 {
		return nil, &MalformedRecordError{Kind: "user", Field: "id"}
	}
	if user.GetLogin() == "" {
		return nil, &MalformedRecordError{Kind: "user", ExternalID: user.GetID(), Field: "login"}
	}

	return &models.User{
		GitHubID:    user.GetID(),
		Username:    user.GetLogin(),
		Email:       user.Email,
		Name:        user.Name,
		AvatarURL:   user.AvatarURL,
		Bio:         user.Bio,
		PublicRepos: user.GetPublicRepos(),
		Followers:   user.GetFollowers(),
		Following:   user.GetFollowing(),
	}, nil
}

// ConvertRepository converts a GitHub repository to our model
func ConvertRepository(repo *github.Repository) (*models.Repository, error) {
	if repo == nil || repo.GetID() == 0 {
		return nil, &MalformedRecordError{Kind: "repository", Field: "id"}
	}
	if repo.GetFullName() == "" {
		return nil, &MalformedRecordError{Kind: "repository", ExternalID: repo.GetID(), Field: "full_name"}
	}
	owner := repo.GetOwner()
	if owner.GetLogin() == "" {
		return nil, &MalformedRecordError{Kind: "repository", ExternalID: repo.GetID(), Field: "owner.login"}
	}

	name := repo.GetName()
	if name == "" {
		name = nameFromFullName(repo.GetFullName())
	}

	return &models.Repository{
		GitHubID:        repo.GetID(),
		Name:            name,
		FullName:        repo.GetFullName(),
		Description:     repo.Description,
		HTMLURL:         repo.HTMLURL,
		Language:        repo.Language,
		StargazersCount: repo.GetStargazersCount(),
		ForksCount:      repo.GetForksCount(),
		Private:         repo.GetPrivate(),
		OwnerUsername:   owner.GetLogin(),
		OwnerAvatarURL:  owner.AvatarURL,
		UpdatedAt:       timestamp(repo.UpdatedAt),
	}, nil
}

// MatchesState reports whether a converted pull request belongs in a listing
// of state. Only merged narrows anything, since it is listed from closed.
func MatchesState(pr *models.PullRequest, state string) bool {
	return state != models.StateMerged || pr.State == models.StateMerged
}

// ConvertPullRequest converts a full GitHub pull request to our model. The
// repository comes from base.repo; a closed pull request that was merged is
// stored as merged.
func ConvertPullRequest(pr *github.PullRequest) (*models.PullRequest, error) {
	if pr == nil || pr.GetID() == 0 {
		return nil, &MalformedRecordError{Kind: "pull_request", Field: "id"}
	}
	if pr.GetNumber() == 0 {
		return nil, &MalformedRecordError{Kind: "pull_request", ExternalID: pr.GetID(), Field: "number"}
	}
	baseRepo := pr.GetBase().GetRepo()
	if baseRepo.GetFullName() == "" {
		return nil, &MalformedRecordError{Kind: "pull_request", ExternalID: pr.GetID(), Field: "base.repo.full_name"}
	}
	author := pr.GetUser()
	if author.GetLogin() == "" {
		return nil, &MalformedRecordError{Kind: "pull_request", ExternalID: pr.GetID(), Field: "user.login"}
	}

	state := pr.GetState()
	if state == models.StateClosed && (pr.GetMerged() || pr.MergedAt != nil) {
		state = models.StateMerged
	}

	repoName := baseRepo.GetName()
	if repoName == "" {
		repoName = nameFromFullName(baseRepo.GetFullName())
	}

	var headRef *string
	if pr.Head != nil {
		headRef = pr.Head.Ref
	}

	return &models.PullRequest{
		GitHubID:        pr.GetID(),
		Number:          pr.GetNumber(),
		Title:           pr.GetTitle(),
		Body:            pr.Body,
		State:           state,
		HTMLURL:         pr.HTMLURL,
		RepoName:        repoName,
		RepoFullName:    baseRepo.GetFullName(),
		AuthorUsername:  author.GetLogin(),
		AuthorAvatarURL: author.AvatarURL,
		HeadRef:         headRef,
		CreatedAt:       timestamp(pr.CreatedAt),
		UpdatedAt:       timestamp(pr.UpdatedAt),
	}, nil
}

// ConvertComment converts a GitHub comment to our model. The payload carries
// no pull request reference, so the comment is linked to prNumber, the
// number it was fetched under.
func ConvertComment(comment *github.IssueComment, prNumber int) (*models.Comment, error) {
	if comment == nil || comment.GetID() == 0 {
		return nil, &MalformedRecordError{Kind: "comment", Field: "id"}
	}
	author := comment.GetUser()
	if author.GetLogin() == "" {
		return nil, &MalformedRecordError{Kind: "comment", ExternalID: comment.GetID(), Field: "user.login"}
	}

	return &models.Comment{
		GitHubID:          comment.GetID(),
		PullRequestNumber: prNumber,
		Body:              comment.GetBody(),
		AuthorUsername:    author.GetLogin(),
		AuthorAvatarURL:   author.AvatarURL,
		HTMLURL:           comment.HTMLURL,
		CreatedAt:         timestamp(comment.CreatedAt),
		UpdatedAt:         timestamp(comment.UpdatedAt),
	}, nil
}

// ConvertContentEntry converts a repository content item
func ConvertContentEntry(content *github.RepositoryContent) *models.ContentEntry {
	if content == nil {
		return nil
	}
	return &models.ContentEntry{
		Name:        content.GetName(),
		Path:        content.GetPath(),
		Type:        content.GetType(),
		Size:        content.GetSize(),
		SHA:         content.GetSHA(),
		HTMLURL:     content.HTMLURL,
		DownloadURL: content.DownloadURL,
	}
}

// ConvertCodeMatch converts a code search hit
func ConvertCodeMatch(result *github.CodeResult) *models.CodeMatch {
	if result == nil {
		return nil
	}
	return &models.CodeMatch{
		Name:         result.GetName(),
		Path:         result.GetPath(),
		SHA:          result.GetSHA(),
		HTMLURL:      result.HTMLURL,
		RepoFullName: result.GetRepository().GetFullName(),
	}
}

// timestamp returns the instant in UTC, or nil when GitHub omitted it
func timestamp(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func nameFromFullName(fullName string) string {
	if _, name, err := SplitFullName(fullName); err == nil {
		return name
	}
	return fullName
}

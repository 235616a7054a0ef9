package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/db"
	"github.com/wesm/github-mirror/internal/metrics"
	"github.com/wesm/github-mirror/internal/models"
	"go.uber.org/zap/zaptest"
)

// MockAPIClient is a mock implementation of APIClient
type MockAPIClient struct {
	mock.Mock
}

func (m *MockAPIClient) FetchProfile(ctx context.Context, token string) (*github.User, error) {
	args := m.Called(ctx, token)
	user, _ := args.Get(0).(*github.User)
	return user, args.Error(1)
}

func (m *MockAPIClient) FetchRepositories(ctx context.Context, token string, page, perPage int, sort string) ([]*github.Repository, error) {
	args := m.Called(ctx, token, page, perPage, sort)
	repos, _ := args.Get(0).([]*github.Repository)
	return repos, args.Error(1)
}

func (m *MockAPIClient) FetchPullRequestsForUser(ctx context.Context, token, state string, page, perPage int) ([]*github.Issue, error) {
	args := m.Called(ctx, token, state, page, perPage)
	issues, _ := args.Get(0).([]*github.Issue)
	return issues, args.Error(1)
}

func (m *MockAPIClient) FetchPullRequest(ctx context.Context, token, repoFullName string, number int) (*github.PullRequest, error) {
	args := m.Called(ctx, token, repoFullName, number)
	pr, _ := args.Get(0).(*github.PullRequest)
	return pr, args.Error(1)
}

func (m *MockAPIClient) FetchPullRequestsForRepository(ctx context.Context, token, repoFullName, state string, page, perPage int) ([]*github.PullRequest, error) {
	args := m.Called(ctx, token, repoFullName, state, page, perPage)
	prs, _ := args.Get(0).([]*github.PullRequest)
	return prs, args.Error(1)
}

func (m *MockAPIClient) FetchComments(ctx context.Context, token, repoFullName string, number int) ([]*github.IssueComment, error) {
	args := m.Called(ctx, token, repoFullName, number)
	comments, _ := args.Get(0).([]*github.IssueComment)
	return comments, args.Error(1)
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		PageSize:              100,
		MaxPages:              50,
		FanOutConcurrency:     4,
		MaxPullRequestDetails: 300,
	}
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(config.DatabaseConfig{URL: filepath.Join(t.TempDir(), "mirror.db")}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Initialize())
	return database
}

func newTestSyncer(t *testing.T, client APIClient, cfg config.SyncConfig) (*Syncer, *db.DB) {
	t.Helper()
	database := newTestDB(t)
	return New(client, StoresFor(database), cfg, zaptest.NewLogger(t), nil), database
}

func repoFixture(id int64) *github.Repository {
	name := fmt.Sprintf("repo-%d", id)
	return &github.Repository{
		ID:        github.Int64(id),
		Name:      github.String(name),
		FullName:  github.String("octocat/" + name),
		Owner:     &github.User{Login: github.String("octocat")},
		UpdatedAt: &github.Timestamp{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func repoPage(first, count int) []*github.Repository {
	repos := make([]*github.Repository, 0, count)
	for i := 0; i < count; i++ {
		repos = append(repos, repoFixture(int64(first+i)))
	}
	return repos
}

func searchItem(id int64, repoFullName string, number int) *github.Issue {
	return &github.Issue{
		ID:            github.Int64(id),
		Number:        github.Int(number),
		Title:         github.String("summary only"),
		RepositoryURL: github.String("https://api.github.com/repos/" + repoFullName),
	}
}

func prDetail(id int64, repoFullName string, number int, title string) *github.PullRequest {
	_, name, _ := api.SplitFullName(repoFullName)
	return &github.PullRequest{
		ID:     github.Int64(id),
		Number: github.Int(number),
		Title:  github.String(title),
		State:  github.String("open"),
		User:   &github.User{Login: github.String("octocat")},
		Head:   &github.PullRequestBranch{Ref: github.String(fmt.Sprintf("feature-%d", number))},
		Base: &github.PullRequestBranch{
			Repo: &github.Repository{Name: github.String(name), FullName: github.String(repoFullName)},
		},
		UpdatedAt: &github.Timestamp{Time: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestSyncRepositoriesCollectsAllPages(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchRepositories", mock.Anything, "tok", 1, 100, "updated").Return(repoPage(1, 100), nil)
	client.On("FetchRepositories", mock.Anything, "tok", 2, 100, "updated").Return(repoPage(101, 100), nil)
	client.On("FetchRepositories", mock.Anything, "tok", 3, 100, "updated").Return(repoPage(201, 37), nil)
	client.On("FetchRepositories", mock.Anything, "tok", 4, 100, "updated").Return([]*github.Repository{}, nil)

	syncer, database := newTestSyncer(t, client, testSyncConfig())

	res, err := syncer.SyncRepositories(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, res.Records, 237)
	assert.Equal(t, 237, res.Created)
	assert.Zero(t, res.Updated)
	assert.False(t, res.Truncated)

	n, err := database.Repositories().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 237, n)
	client.AssertNumberOfCalls(t, "FetchRepositories", 4)
}

func TestSyncRepositoriesIsIdempotent(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchRepositories", mock.Anything, "tok", 1, 100, "updated").Return(repoPage(1, 3), nil)
	client.On("FetchRepositories", mock.Anything, "tok", 2, 100, "updated").Return([]*github.Repository{}, nil)

	syncer, database := newTestSyncer(t, client, testSyncConfig())
	ctx := context.Background()

	first, err := syncer.SyncRepositories(ctx, "tok")
	require.NoError(t, err)
	second, err := syncer.SyncRepositories(ctx, "tok")
	require.NoError(t, err)

	assert.Equal(t, 3, first.Created)
	assert.Zero(t, second.Created)
	assert.Equal(t, 3, second.Updated)

	require.Len(t, second.Records, 3)
	for i := range first.Records {
		assert.Equal(t, first.Records[i].ID, second.Records[i].ID)
		assert.Equal(t, first.Records[i].FullName, second.Records[i].FullName)
	}

	n, err := database.Repositories().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncRepositoriesSkipsMalformedRecords(t *testing.T) {
	malformed := repoFixture(0)
	malformed.ID = nil

	client := new(MockAPIClient)
	client.On("FetchRepositories", mock.Anything, "tok", 1, 100, "updated").
		Return([]*github.Repository{repoFixture(1), malformed, repoFixture(2)}, nil)
	client.On("FetchRepositories", mock.Anything, "tok", 2, 100, "updated").Return([]*github.Repository{}, nil)

	syncer, _ := newTestSyncer(t, client, testSyncConfig())

	res, err := syncer.SyncRepositories(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	require.Len(t, res.Skipped, 1)
	assert.Contains(t, res.Skipped[0].Reason, "id")
}

func TestSyncRepositoriesAbortsOnUpstreamError(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchRepositories", mock.Anything, "tok", 1, 100, "updated").Return(repoPage(1, 100), nil)
	client.On("FetchRepositories", mock.Anything, "tok", 2, 100, "updated").
		Return(nil, &api.UpstreamError{Op: "fetch_repositories", Kind: api.KindUpstream, StatusCode: http.StatusBadGateway})

	syncer, database := newTestSyncer(t, client, testSyncConfig())

	_, err := syncer.SyncRepositories(context.Background(), "tok")
	require.Error(t, err)
	var uerr *api.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusBadGateway, uerr.StatusCode)

	// The first page stays committed
	n, err := database.Repositories().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestSyncRepositoriesPageLimit(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchRepositories", mock.Anything, "tok", 1, 2, "updated").Return(repoPage(1, 2), nil)
	client.On("FetchRepositories", mock.Anything, "tok", 2, 2, "updated").Return(repoPage(3, 2), nil)

	cfg := testSyncConfig()
	cfg.PageSize = 2
	cfg.MaxPages = 2
	syncer, _ := newTestSyncer(t, client, cfg)

	res, err := syncer.SyncRepositories(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Records, 4)
	client.AssertNumberOfCalls(t, "FetchRepositories", 2)
}

func TestSyncPullRequestsFansOutDetailFetches(t *testing.T) {
	client := new(MockAPIClient)
	items := []*github.Issue{
		searchItem(11, "octocat/alpha", 1),
		searchItem(12, "octocat/beta", 1),
		searchItem(13, "octocat/alpha", 2),
		searchItem(14, "hubot/gamma", 7),
		searchItem(15, "octocat/beta", 3),
	}
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 1, 100).Return(items, nil)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 2, 100).Return([]*github.Issue{}, nil)

	for i, item := range items {
		full, _ := api.RepositoryFromURL(item.GetRepositoryURL())
		call := client.On("FetchPullRequest", mock.Anything, "tok", full, item.GetNumber()).
			Return(prDetail(item.GetID(), full, item.GetNumber(), "detailed"), nil)
		// Earlier items finish last
		call.After(time.Duration(len(items)-i) * 10 * time.Millisecond)
	}

	syncer, _ := newTestSyncer(t, client, testSyncConfig())

	res, err := syncer.SyncPullRequests(context.Background(), "tok", []string{"open"})
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "FetchPullRequest", 5)

	require.Len(t, res.Records, 5)
	for i, pr := range res.Records {
		assert.Equal(t, items[i].GetID(), pr.GitHubID, "search order is kept")
		assert.Equal(t, "detailed", pr.Title)
		require.NotNil(t, pr.HeadRef)
		assert.Equal(t, fmt.Sprintf("feature-%d", items[i].GetNumber()), *pr.HeadRef)
		assert.NotEmpty(t, pr.RepoFullName)
		assert.NotEmpty(t, pr.RepoName)
	}
	assert.Equal(t, "hubot/gamma", res.Records[3].RepoFullName)
}

func TestSyncPullRequestsTitleOnlyUpdate(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 1, 100).
		Return([]*github.Issue{searchItem(77, "octocat/alpha", 4)}, nil)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 2, 100).Return([]*github.Issue{}, nil)
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 4).
		Return(prDetail(77, "octocat/alpha", 4, "Old title"), nil).Once()
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 4).
		Return(prDetail(77, "octocat/alpha", 4, "New title"), nil).Once()

	syncer, database := newTestSyncer(t, client, testSyncConfig())
	ctx := context.Background()

	t1 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	syncer.pullRequests.now = func() time.Time { return t1 }
	first, err := syncer.SyncPullRequests(ctx, "tok", []string{"open"})
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	before := *first.Records[0]

	syncer.pullRequests.now = func() time.Time { return t2 }
	second, err := syncer.SyncPullRequests(ctx, "tok", []string{"open"})
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	assert.Equal(t, 1, second.Updated)

	stored, err := database.PullRequests().FindByGitHubID(ctx, 77)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "New title", stored.Title)
	assert.Equal(t, before.ID, stored.ID)
	assert.Equal(t, before.GitHubID, stored.GitHubID)
	assert.Equal(t, before.Number, stored.Number)
	assert.Equal(t, before.State, stored.State)
	assert.Equal(t, *before.HeadRef, *stored.HeadRef)
	assert.Equal(t, before.RepoFullName, stored.RepoFullName)
	assert.True(t, stored.SyncedAt.Equal(t2))
	assert.True(t, before.SyncedAt.Equal(t1))
}

func TestSyncPullRequestsDetailCap(t *testing.T) {
	client := new(MockAPIClient)
	items := []*github.Issue{
		searchItem(1, "octocat/alpha", 1),
		searchItem(2, "octocat/alpha", 2),
		searchItem(3, "octocat/alpha", 3),
		searchItem(4, "octocat/alpha", 4),
		searchItem(5, "octocat/alpha", 5),
	}
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 1, 100).Return(items, nil)
	for _, item := range items {
		client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", item.GetNumber()).
			Return(prDetail(item.GetID(), "octocat/alpha", item.GetNumber(), "t"), nil).Maybe()
	}

	cfg := testSyncConfig()
	cfg.MaxPullRequestDetails = 3
	syncer, _ := newTestSyncer(t, client, cfg)

	res, err := syncer.SyncPullRequests(context.Background(), "tok", []string{"open"})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Records, 3)
	client.AssertNumberOfCalls(t, "FetchPullRequest", 3)
	client.AssertNumberOfCalls(t, "FetchPullRequestsForUser", 1)
}

func TestSyncPullRequestsSkipsMalformedSummariesAndDetails(t *testing.T) {
	noRepo := searchItem(2, "x/y", 2)
	noRepo.RepositoryURL = nil

	badDetail := prDetail(3, "octocat/alpha", 3, "t")
	badDetail.User = nil

	client := new(MockAPIClient)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 1, 100).
		Return([]*github.Issue{searchItem(1, "octocat/alpha", 1), noRepo, searchItem(3, "octocat/alpha", 3)}, nil)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 2, 100).Return([]*github.Issue{}, nil)
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 1).Return(prDetail(1, "octocat/alpha", 1, "t"), nil)
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 3).Return(badDetail, nil)

	syncer, _ := newTestSyncer(t, client, testSyncConfig())

	res, err := syncer.SyncPullRequests(context.Background(), "tok", []string{"open"})
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.Len(t, res.Skipped, 2)
}

func TestSyncPullRequestsDetailErrorAborts(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 1, 100).
		Return([]*github.Issue{searchItem(1, "octocat/alpha", 1), searchItem(2, "octocat/alpha", 2)}, nil)
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 1).Return(prDetail(1, "octocat/alpha", 1, "t"), nil).Maybe()
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 2).
		Return(nil, &api.UpstreamError{Op: "fetch_pull_request", Kind: api.KindUpstream, StatusCode: http.StatusNotFound})

	syncer, database := newTestSyncer(t, client, testSyncConfig())

	_, err := syncer.SyncPullRequests(context.Background(), "tok", []string{"open"})
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))

	n, err := database.PullRequests().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncPullRequestsDeduplicatesAcrossStates(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 1, 100).
		Return([]*github.Issue{searchItem(1, "octocat/alpha", 1)}, nil)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open", 2, 100).Return([]*github.Issue{}, nil)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "all", 1, 100).
		Return([]*github.Issue{searchItem(1, "octocat/alpha", 1), searchItem(2, "octocat/alpha", 2)}, nil)
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "all", 2, 100).Return([]*github.Issue{}, nil)
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 1).Return(prDetail(1, "octocat/alpha", 1, "t"), nil)
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 2).Return(prDetail(2, "octocat/alpha", 2, "t"), nil)

	syncer, _ := newTestSyncer(t, client, testSyncConfig())

	res, err := syncer.SyncPullRequests(context.Background(), "tok", []string{"open", "all"})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	client.AssertNumberOfCalls(t, "FetchPullRequest", 2)
}

func TestSyncRepositoryPullRequests(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchPullRequestsForRepository", mock.Anything, "tok", "octocat/alpha", "closed", 1, 100).
		Return([]*github.PullRequest{prDetail(1, "octocat/alpha", 1, "a"), prDetail(2, "octocat/alpha", 2, "b")}, nil)
	client.On("FetchPullRequestsForRepository", mock.Anything, "tok", "octocat/alpha", "closed", 2, 100).
		Return([]*github.PullRequest{}, nil)

	syncer, _ := newTestSyncer(t, client, testSyncConfig())

	res, err := syncer.SyncRepositoryPullRequests(context.Background(), "tok", "octocat/alpha", "closed")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	_, err = syncer.SyncRepositoryPullRequests(context.Background(), "tok", "not-a-full-name", "closed")
	assert.Error(t, err)
}

func TestSyncRepositoryPullRequestsMergedPagesPastUnmerged(t *testing.T) {
	unmerged := prDetail(1, "octocat/alpha", 1, "abandoned")
	unmerged.State = github.String("closed")
	merged := prDetail(2, "octocat/alpha", 2, "landed")
	merged.State = github.String("closed")
	merged.MergedAt = &github.Timestamp{Time: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}

	client := new(MockAPIClient)
	client.On("FetchPullRequestsForRepository", mock.Anything, "tok", "octocat/alpha", "merged", 1, 100).
		Return([]*github.PullRequest{unmerged}, nil)
	client.On("FetchPullRequestsForRepository", mock.Anything, "tok", "octocat/alpha", "merged", 2, 100).
		Return([]*github.PullRequest{merged}, nil)
	client.On("FetchPullRequestsForRepository", mock.Anything, "tok", "octocat/alpha", "merged", 3, 100).
		Return([]*github.PullRequest{}, nil)

	syncer, database := newTestSyncer(t, client, testSyncConfig())

	res, err := syncer.SyncRepositoryPullRequests(context.Background(), "tok", "octocat/alpha", "merged")
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	require.Len(t, res.Records, 1)
	assert.Equal(t, int64(2), res.Records[0].GitHubID)
	assert.Equal(t, models.StateMerged, res.Records[0].State)
	assert.Empty(t, res.Skipped)
	client.AssertNumberOfCalls(t, "FetchPullRequestsForRepository", 3)

	n, err := database.PullRequests().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncPullRequestsStopsAtSearchLimit(t *testing.T) {
	client := new(MockAPIClient)
	// Every page repeats one result so only the first costs a detail fetch
	client.On("FetchPullRequestsForUser", mock.Anything, "tok", "open",
		mock.MatchedBy(func(page int) bool { return page <= 10 }), 100).
		Return([]*github.Issue{searchItem(1, "octocat/alpha", 1)}, nil)
	client.On("FetchPullRequest", mock.Anything, "tok", "octocat/alpha", 1).Return(prDetail(1, "octocat/alpha", 1, "t"), nil)

	cfg := testSyncConfig()
	cfg.MaxPages = 0
	cfg.MaxPullRequestDetails = 0
	syncer, _ := newTestSyncer(t, client, cfg)

	res, err := syncer.SyncPullRequests(context.Background(), "tok", []string{"open"})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Records, 1)
	client.AssertNumberOfCalls(t, "FetchPullRequestsForUser", 10)
	client.AssertNumberOfCalls(t, "FetchPullRequest", 1)
}

func TestSyncCommentsLinksByNumber(t *testing.T) {
	malformed := &github.IssueComment{ID: github.Int64(3), Body: github.String("ghost")}
	client := new(MockAPIClient)
	client.On("FetchComments", mock.Anything, "tok", "octocat/alpha", 9).Return([]*github.IssueComment{
		{ID: github.Int64(1), Body: github.String("first"), User: &github.User{Login: github.String("hubot")}},
		{ID: github.Int64(2), Body: github.String("second"), User: &github.User{Login: github.String("octocat")}},
		malformed,
	}, nil)

	syncer, database := newTestSyncer(t, client, testSyncConfig())
	ctx := context.Background()

	res, err := syncer.SyncComments(ctx, "tok", "octocat/alpha", 9)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, int64(3), res.Skipped[0].ExternalID)

	listed, err := database.ListComments(ctx, 9)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, c := range listed {
		assert.Equal(t, 9, c.PullRequestNumber)
	}
}

func TestSyncUserStoresToken(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchProfile", mock.Anything, "tok-1").
		Return(&github.User{ID: github.Int64(5), Login: github.String("octocat")}, nil)
	client.On("FetchProfile", mock.Anything, "tok-2").
		Return(&github.User{ID: github.Int64(5), Login: github.String("octocat"), Name: github.String("Mona")}, nil)

	syncer, database := newTestSyncer(t, client, testSyncConfig())
	ctx := context.Background()

	first, err := syncer.SyncUser(ctx, "tok-1")
	require.NoError(t, err)
	second, err := syncer.SyncUser(ctx, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stored, err := database.GetUser(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "tok-2", stored.AccessToken)
	assert.Equal(t, "Mona", *stored.Name)
	assert.NotNil(t, stored.UpdatedAt)

	n, err := database.Users().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncUserUpstreamFailure(t *testing.T) {
	client := new(MockAPIClient)
	client.On("FetchProfile", mock.Anything, "bad").
		Return(nil, &api.UpstreamError{Op: "fetch_profile", Kind: api.KindUpstream, StatusCode: http.StatusUnauthorized})

	syncer, _ := newTestSyncer(t, client, testSyncConfig())

	_, err := syncer.SyncUser(context.Background(), "bad")
	require.Error(t, err)
}

// hidingStore reports the first lookup of each GitHub id as missing, as a
// concurrent run that has not yet seen another run's insert would
type hidingStore struct {
	Records[*models.PullRequest]
	mu     gosync.Mutex
	hidden map[int64]bool
}

func (h *hidingStore) FindByGitHubID(ctx context.Context, githubID int64) (*models.PullRequest, error) {
	h.mu.Lock()
	first := !h.hidden[githubID]
	h.hidden[githubID] = true
	h.mu.Unlock()
	if first {
		return nil, nil
	}
	return h.Records.FindByGitHubID(ctx, githubID)
}

func TestUpsertFallsBackToUpdateOnDuplicate(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	table := database.PullRequests()

	existing := &models.PullRequest{
		GitHubID: 900, Number: 1, Title: "created elsewhere", State: models.StateOpen,
		RepoName: "alpha", RepoFullName: "octocat/alpha", AuthorUsername: "octocat", SyncedAt: time.Now().UTC(),
	}
	require.NoError(t, table.Create(ctx, existing))

	r := &reconciler[models.PullRequest, *models.PullRequest]{
		kind:   KindPullRequest,
		store:  &hidingStore{Records: table, hidden: map[int64]bool{}},
		merge:  mergePullRequest,
		stamp:  stampPullRequest,
		now:    now,
		logger: zaptest.NewLogger(t),
	}

	incoming, err := api.ConvertPullRequest(prDetail(900, "octocat/alpha", 1, "synced"))
	require.NoError(t, err)

	stored, created, err := r.upsert(ctx, incoming)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.ID, stored.ID)

	n, err := table.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	found, err := table.FindByGitHubID(ctx, 900)
	require.NoError(t, err)
	assert.Equal(t, "synced", found.Title)
}

func TestConcurrentUpsertsCreateOneRecord(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	syncer := New(new(MockAPIClient), StoresFor(database), testSyncConfig(), zaptest.NewLogger(t), nil)

	var (
		wg      gosync.WaitGroup
		mu      gosync.Mutex
		created int
		updated int
		errs    []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			incoming, err := api.ConvertPullRequest(prDetail(901, "octocat/alpha", 1, "race"))
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			_, wasCreated, err := syncer.pullRequests.upsert(ctx, incoming)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case wasCreated:
				created++
			default:
				updated++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, updated)

	n, err := database.PullRequests().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFanOutKeepsOrderAndBoundsConcurrency(t *testing.T) {
	jobs := []int{1, 2, 3, 4, 5, 6, 7, 8}

	var (
		mu       gosync.Mutex
		inFlight int
		peak     int
	)
	results, err := fanOut(context.Background(), zaptest.NewLogger(t), 3, jobs, func(ctx context.Context, job int) (int, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Duration(10-job) * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return job * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80}, results)
	assert.LessOrEqual(t, peak, 3)
}

func TestFanOutReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	_, err := fanOut(context.Background(), zaptest.NewLogger(t), 2, []int{1, 2, 3}, func(ctx context.Context, job int) (int, error) {
		if job == 2 {
			return 0, boom
		}
		return job, nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestSetWorkersClamps(t *testing.T) {
	syncer := New(new(MockAPIClient), Stores{}, config.SyncConfig{}, nil, nil)
	assert.Equal(t, 1, syncer.workers)

	syncer.SetWorkers(100)
	assert.Equal(t, 20, syncer.workers)
}

func TestSyncRecordsMetrics(t *testing.T) {
	malformed := repoFixture(0)
	malformed.Owner = nil

	client := new(MockAPIClient)
	client.On("FetchRepositories", mock.Anything, "tok", 1, 100, "updated").
		Return([]*github.Repository{repoFixture(1), malformed}, nil)
	client.On("FetchRepositories", mock.Anything, "tok", 2, 100, "updated").Return([]*github.Repository{}, nil)

	m := metrics.New(nil)
	syncer := New(client, StoresFor(newTestDB(t)), testSyncConfig(), zaptest.NewLogger(t), m)

	_, err := syncer.SyncRepositories(context.Background(), "tok")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRunsTotal.WithLabelValues(KindRepository, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRecordsTotal.WithLabelValues(KindRepository, "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRecordsTotal.WithLabelValues(KindRepository, "skipped")))
}

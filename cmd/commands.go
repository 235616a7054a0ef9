package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/models"
)

var (
	checkOnly bool
	state     string
	listState string
	states    []string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file if it doesn't exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", configPath)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()
		defer logger.Sync() //nolint:errcheck

		if checkOnly {
			if err := database.CheckMigrations(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date")
			return nil
		}

		if err := database.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database migrated")
		return nil
	},
}

var authURLCmd = &cobra.Command{
	Use:   "auth-url",
	Short: "Print the GitHub authorization URL and its CSRF state",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		url, state := a.service.AuthorizationURL()
		return printJSON(cmd, map[string]string{"url": url, "state": state})
	}),
}

var loginCmd = &cobra.Command{
	Use:   "login CODE",
	Short: "Exchange an OAuth code, mirror the account and print a session",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		res, err := a.service.Login(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh part of the mirror from GitHub",
}

var syncUserCmd = &cobra.Command{
	Use:   "user",
	Short: "Refresh the profile and every repository",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		res, err := a.service.SyncUserData(cmd.Context(), credential)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var syncReposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Refresh every repository",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		res, err := a.service.SyncRepositories(cmd.Context(), credential)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var syncPullsCmd = &cobra.Command{
	Use:   "pulls",
	Short: "Refresh the pull requests you authored across repositories",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		res, err := a.service.SyncPullRequests(cmd.Context(), credential, states)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var syncRepoPullsCmd = &cobra.Command{
	Use:   "repo-pulls REPO",
	Short: "Refresh the pull requests of one repository",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		res, err := a.service.SyncRepositoryPullRequests(cmd.Context(), credential, args[0], state)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var syncCommentsCmd = &cobra.Command{
	Use:   "comments REPO NUMBER",
	Short: "Refresh the comments of one pull request",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		number, err := parseNumber(args[1])
		if err != nil {
			return err
		}
		res, err := a.service.SyncComments(cmd.Context(), credential, args[0], number)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Read from the local mirror",
}

var listReposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List your mirrored repositories",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		repos, err := a.service.Repositories(cmd.Context(), credential)
		if err != nil {
			return err
		}
		return printJSON(cmd, repos)
	}),
}

var listPullsCmd = &cobra.Command{
	Use:   "pulls",
	Short: "List your mirrored pull requests",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		prs, err := a.service.PullRequests(cmd.Context(), credential, listState)
		if err != nil {
			return err
		}
		return printJSON(cmd, prs)
	}),
}

var listRepoPullsCmd = &cobra.Command{
	Use:   "repo-pulls REPO",
	Short: "List the mirrored pull requests of one repository",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		prs, err := a.service.RepositoryPullRequests(cmd.Context(), credential, args[0], state)
		if err != nil {
			return err
		}
		return printJSON(cmd, prs)
	}),
}

var listCommentsCmd = &cobra.Command{
	Use:   "comments NUMBER",
	Short: "List the mirrored comments of a pull request number",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		number, err := parseNumber(args[0])
		if err != nil {
			return err
		}
		comments, err := a.service.Comments(cmd.Context(), credential, number)
		if err != nil {
			return err
		}
		return printJSON(cmd, comments)
	}),
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Read directly from GitHub without touching the mirror",
}

var livePullsCmd = &cobra.Command{
	Use:   "pulls REPO",
	Short: "Fetch the pull requests of one repository",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		prs, err := a.service.LivePullRequests(cmd.Context(), credential, args[0], state)
		if err != nil {
			return err
		}
		return printJSON(cmd, prs)
	}),
}

var liveCommentsCmd = &cobra.Command{
	Use:   "comments REPO NUMBER",
	Short: "Fetch the comments of one pull request",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		number, err := parseNumber(args[1])
		if err != nil {
			return err
		}
		comments, err := a.service.LiveComments(cmd.Context(), credential, args[0], number)
		if err != nil {
			return err
		}
		return printJSON(cmd, comments)
	}),
}

var contentsCmd = &cobra.Command{
	Use:   "contents REPO [PATH]",
	Short: "List a directory of a repository",
	Args:  cobra.RangeArgs(1, 2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		path := ""
		if len(args) == 2 {
			path = args[1]
		}
		entries, err := a.service.Contents(cmd.Context(), credential, args[0], path)
		if err != nil {
			return err
		}
		return printJSON(cmd, entries)
	}),
}

var fileCmd = &cobra.Command{
	Use:   "file REPO PATH",
	Short: "Print a file of a repository",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		text, err := a.service.FileContent(cmd.Context(), credential, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	}),
}

var searchCmd = &cobra.Command{
	Use:   "search REPO QUERY...",
	Short: "Search the code of a repository",
	Args:  cobra.MinimumNArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		matches, err := a.service.SearchCode(cmd.Context(), credential, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		return printJSON(cmd, matches)
	}),
}

var commentCmd = &cobra.Command{
	Use:   "comment REPO NUMBER BODY",
	Short: "Post a comment on a pull request",
	Long: `Post a comment on a pull request. The request is sent once and never
retried, so a failure may still have created the comment on GitHub.`,
	Args: cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		number, err := parseNumber(args[1])
		if err != nil {
			return err
		}
		comment, err := a.service.CreateComment(cmd.Context(), credential, args[0], number, args[2])
		if err != nil {
			return err
		}
		return printJSON(cmd, comment)
	}),
}

func parseNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid pull request number %q", s)
	}
	return n, nil
}

func init() {
	migrateCmd.Flags().BoolVar(&checkOnly, "check", false, "Only check that the schema is up to date")

	syncPullsCmd.Flags().StringSliceVar(&states, "state", []string{models.StateOpen}, "Pull request states to sync (open, closed, merged, all)")
	for _, c := range []*cobra.Command{syncRepoPullsCmd, listRepoPullsCmd, livePullsCmd} {
		c.Flags().StringVar(&state, "state", models.StateOpen, "Pull request state (open, closed, merged, all)")
	}
	listPullsCmd.Flags().StringVar(&listState, "state", models.StateAll, "Pull request state (open, closed, merged, all)")

	syncCmd.AddCommand(syncUserCmd, syncReposCmd, syncPullsCmd, syncRepoPullsCmd, syncCommentsCmd)
	listCmd.AddCommand(listReposCmd, listPullsCmd, listRepoPullsCmd, listCommentsCmd)
	liveCmd.AddCommand(livePullsCmd, liveCommentsCmd)

	rootCmd.AddCommand(
		initCmd,
		migrateCmd,
		authURLCmd,
		loginCmd,
		syncCmd,
		listCmd,
		liveCmd,
		contentsCmd,
		fileCmd,
		searchCmd,
		commentCmd,
		watchCmd,
	)
}

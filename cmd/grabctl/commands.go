package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/slipstream/grabber/internal/jobs"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		file     string
		in       jobs.Intent
		kind     string
		content  string
		season   int
		episodes string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a download intent; resubmitting running content stops it",
		RunE: func(cmd *cobra.Command, args []string) error {
			intent := &in
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				intent = &jobs.Intent{}
				if err := json.Unmarshal(data, intent); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			} else {
				intent.Kind = jobs.IntentKind(kind)
				intent.ContentKind = jobs.ContentKind(content)
				if episodes != "" {
					list, err := parseEpisodes(episodes)
					if err != nil {
						return err
					}
					intent.Catalog = []jobs.SeasonEpisodes{{Season: season, Episodes: list}}
				}
			}

			resp, err := ctx.client().submit(cmd.Context(), intent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resp.Batch == nil {
				fmt.Fprintf(out, "Content %d was downloading and has been stopped\n", intent.ContentID)
				return nil
			}
			fmt.Fprintf(out, "Accepted batch %d with %d job(s)\n", resp.Batch.ID, len(resp.Batch.JobIDs))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "Read the intent from a JSON file")
	f.StringVar(&in.SourceType, "source", "", "Site definition id")
	f.Int64Var(&in.ContentID, "content-id", 0, "Content id on the site")
	f.StringVar(&in.URL, "url", "", "Content page URL")
	f.StringVar(&in.Title, "title", "", "Title used for filenames")
	f.StringVar(&kind, "kind", string(jobs.IntentMovie), "movie or series")
	f.StringVar(&content, "content", string(jobs.ContentVideo), "video, subtitle or both")
	f.StringVar(&in.Quality, "quality", "", "Requested quality, best when empty")
	f.StringVar(&in.Subtitle, "subtitle", "", "Subtitle language")
	f.IntVar(&season, "season", 1, "Season of --episodes")
	f.StringVar(&episodes, "episodes", "", "Episodes of a series, e.g. 1-8,10")
	return cmd
}

// parseEpisodes expands "1-3,5" into [1 2 3 5].
func parseEpisodes(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid episode %q", part)
		}
		to := from
		if isRange {
			if to, err = strconv.Atoi(hi); err != nil || to < from {
				return nil, fmt.Errorf("invalid episode range %q", part)
			}
		}
		for e := from; e <= to; e++ {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no episodes in %q", s)
	}
	return out, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid job id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Stop jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if err := ctx.client().cancel(cmd.Context(), ids); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelling %d job(s)\n", len(ids))
			return nil
		},
	}
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.client().pause(cmd.Context(), ids[0])
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.client().resume(cmd.Context(), ids[0])
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses  []string
		contentID int64
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := ctx.client().jobs(cmd.Context(), statuses, contentID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs")
				return nil
			}
			fmt.Fprint(out, renderTable(
				[]string{"ID", "Content", "Job", "Status", "Updated", "Error"},
				jobRows(list),
				[]columnAlignment{alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only jobs in these statuses")
	cmd.Flags().Int64Var(&contentID, "content-id", 0, "Only jobs of this content id")
	return cmd
}

func jobRows(list []*jobs.Job) [][]string {
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		rows = append(rows, []string{
			strconv.FormatInt(j.ID, 10),
			strconv.FormatInt(j.ContentID, 10),
			j.Label(),
			string(j.Status),
			humanize.Time(j.UpdatedAt),
			j.Error,
		})
	}
	return rows
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			detail, err := ctx.client().job(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderTable([]string{"ID", "Content", "Job", "Status", "Updated", "Error"}, jobRows([]*jobs.Job{detail.Job}), nil))

			rows := make([][]string, 0, len(detail.Files))
			for _, f := range detail.Files {
				rows = append(rows, []string{
					strconv.FormatInt(f.ID, 10),
					string(f.Kind),
					f.Quality + f.Language,
					f.Filename,
					string(f.Status),
					strconv.Itoa(f.RetryAttempts),
					f.Error,
				})
			}
			if len(rows) > 0 {
				fmt.Fprint(out, renderTable(
					[]string{"File", "Kind", "Variant", "Filename", "Status", "Retries", "Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
			}
			return nil
		},
	}
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queued and active jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := ctx.client().queue(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Active: %s\n", joinIDs(snap.Active))
			if len(snap.Entries) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(snap.Entries))
			for i, e := range snap.Entries {
				kind := "single"
				if e.Group {
					kind = "episodes"
				}
				rows = append(rows, []string{strconv.Itoa(i + 1), strconv.FormatInt(e.ContentID, 10), kind, joinIDs(e.JobIDs)})
			}
			fmt.Fprint(out, renderTable([]string{"#", "Content", "Entry", "Jobs"}, rows, []columnAlignment{alignRight, alignRight}))
			return nil
		},
	}
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange the daemon password for a bearer token",
		Long:  "Reads the password from GRABBER_PASSWORD or stdin and prints a token for --token / GRABBER_TOKEN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("GRABBER_PASSWORD")
			if password == "" {
				var line string
				if _, err := fmt.Fscanln(cmd.InOrStdin(), &line); err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = line
			}
			resp, err := ctx.client().token(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", humanize.Time(resp.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Subject recorded in the token")
	return cmd
}

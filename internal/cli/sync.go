package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type systemReport struct {
	SystemID  string   `json:"systemId"`
	Direction string   `json:"direction"`
	Busy      bool     `json:"busy"`
	Delivered int      `json:"delivered"`
	Retrying  int      `json:"retrying"`
	Failed    int      `json:"failed"`
	Held      int      `json:"held"`
	Fetched   int      `json:"fetched"`
	Applied   int      `json:"applied"`
	Conflicts int      `json:"conflicts"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

type uploadResult struct {
	Uploaded int            `json:"uploaded"`
	Failed   int            `json:"failed"`
	Retrying int            `json:"retrying"`
	Held     int            `json:"held"`
	Errors   []string       `json:"errors"`
	Systems  []systemReport `json:"systems"`
}

type changeOutcome struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Operation  string `json:"operation"`
	Outcome    string `json:"outcome"`
	ConflictID string `json:"conflictId"`
}

type downloadResult struct {
	Downloaded int             `json:"downloaded"`
	Conflicts  int             `json:"conflicts"`
	Skipped    int             `json:"skipped"`
	Changes    []changeOutcome `json:"changes"`
	Errors     []string        `json:"errors"`
	Systems    []systemReport  `json:"systems"`
}

type fullResult struct {
	Upload   uploadResult   `json:"upload"`
	Download downloadResult `json:"download"`
}

func newUploadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Deliver pending local changes to every enabled system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res uploadResult
			if err := call(cmd.Context(), opts, http.MethodPost, "/v1/sync/upload", nil, nil, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				printUpload(w, res)
			})
		},
	}
}

func newDownloadCommand(opts *RootOptions) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Pull remote changes from every enabled system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := sinceBody(since)
			if err != nil {
				return err
			}
			var res downloadResult
			if err := call(cmd.Context(), opts, http.MethodPost, "/v1/sync/download", nil, body, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				printDownload(w, res)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 cursor overriding the stored watermark")
	return cmd
}

func newFullCommand(opts *RootOptions) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "full",
		Short: "Run an upload followed by a download",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := sinceBody(since)
			if err != nil {
				return err
			}
			var res fullResult
			if err := call(cmd.Context(), opts, http.MethodPost, "/v1/sync/full", nil, body, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				printUpload(w, res.Upload)
				printDownload(w, res.Download)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 cursor overriding the stored download watermark")
	return cmd
}

func sinceBody(since string) (any, error) {
	if since == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return nil, fmt.Errorf("invalid --since %q: %w", since, err)
	}
	return map[string]time.Time{"since": t}, nil
}

func printUpload(w io.Writer, res uploadResult) {
	fmt.Fprintf(w, "upload: %d delivered, %d retrying, %d failed, %d held\n", res.Uploaded, res.Retrying, res.Failed, res.Held)
	printSystems(w, res.Systems)
	printErrors(w, res.Errors)
}

func printDownload(w io.Writer, res downloadResult) {
	fmt.Fprintf(w, "download: %d applied, %d conflicts, %d skipped\n", res.Downloaded, res.Conflicts, res.Skipped)
	printSystems(w, res.Systems)
	for _, c := range res.Changes {
		if c.ConflictID != "" {
			fmt.Fprintf(w, "  conflict %s on %s/%s\n", c.ConflictID, c.EntityType, c.EntityID)
		}
	}
	printErrors(w, res.Errors)
}

func printSystems(w io.Writer, systems []systemReport) {
	for _, s := range systems {
		if s.Busy {
			fmt.Fprintf(w, "  %s: busy, skipped\n", s.SystemID)
		}
	}
}

func printErrors(w io.Writer, errs []string) {
	for _, e := range errs {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

// render prints v as indented JSON or through the text printer.
func render(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

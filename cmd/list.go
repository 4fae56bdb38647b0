package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dmarc/attachment"
	"github.com/dhcgn/mbox-dmarc/config"
	"github.com/dhcgn/mbox-dmarc/mbox"
	"github.com/dhcgn/mbox-dmarc/parser"
	"github.com/dhcgn/mbox-dmarc/runner"
	"github.com/dhcgn/mbox-dmarc/stats"
	"github.com/dhcgn/mbox-dmarc/uri"
)

// listRow is one message of the listing.
type listRow struct {
	Position   int
	Ordinal    int
	Start      int64
	End        int64
	Expunged   bool
	From       string
	Subject    string
	Candidates []string
	Target     bool
}

func newListCmd() (*cobra.Command, error) {
	var (
		topN    int
		csvPath string
	)

	listCmd := &cobra.Command{
		Use:   "list [URI or mbox file]",
		Short: "List the messages of a folder with their ordinals and zip attachments",
		Long: `list prints every message of a flat mbox folder with its raw position, the
number a URI addresses it by, its byte range and its zip attachment candidates.
When a URI is given, the message it points to is marked with "*".`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			path, target, err := listTarget(args[0])
			if err != nil {
				return err
			}

			rows, err := collectRows(cfg, path, target, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printRows(out, rows)

			senders := make(map[string]int)
			for _, row := range rows {
				if row.From != "" && row.Ordinal >= 0 && len(row.Candidates) > 0 {
					senders[row.From]++
				}
			}
			if len(senders) > 0 && topN > 0 {
				fmt.Fprintf(out, "\nTop %d report senders:\n", topN)
				stats.PrintTop(out, senders, topN)
			}

			if csvPath != "" {
				if err := saveCSV(csvPath, rows); err != nil {
					return fmt.Errorf("error saving CSV listing: %w", err)
				}
				fmt.Fprintf(out, "\nListing saved to: %s\n", csvPath)
			}
			return nil
		},
	}

	if err := config.RegisterFlags(listCmd); err != nil {
		return nil, err
	}
	listCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top report senders to display")
	listCmd.Flags().StringVar(&csvPath, "csv", "", "Also write the listing to this CSV file")

	return listCmd, nil
}

// listTarget accepts either a mail URI or a plain path. Only a URI marks a
// target message.
func listTarget(arg string) (string, int, error) {
	if !strings.Contains(arg, "://") {
		return arg, -1, nil
	}
	ref, err := uri.Parse(arg)
	if err != nil {
		return "", -1, err
	}
	return ref.StorePath, ref.Ordinal, nil
}

func collectRows(cfg config.Config, path string, target int, logger *slog.Logger) ([]listRow, error) {
	opts := mbox.Options{Base: cfg.OrdinalBase, IncludeExpunged: cfg.IncludeExpunged}
	locator, err := mbox.NewLocator(opts, logger)
	if err != nil {
		return nil, err
	}

	predicate, err := attachment.NewPredicateWithPatterns(cfg.AttachmentPatterns)
	if err != nil {
		return nil, err
	}
	selector, err := attachment.NewSelector(predicate, nil)
	if err != nil {
		return nil, err
	}
	p := parser.New(logger)

	file, err := locator.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var rows []listRow
	err = mbox.Scan(file, opts, func(e mbox.Entry) error {
		row := listRow{
			Position: e.Position,
			Ordinal:  e.Ordinal,
			Start:    e.Span.Start,
			End:      e.Span.End,
			Expunged: e.Expunged,
			Target:   target >= 0 && e.Ordinal == target,
		}

		raw, err := io.ReadAll(io.NewSectionReader(file, e.Span.Start, e.Span.Len()))
		if err != nil {
			return fmt.Errorf("read message at %d: %w", e.Span.Start, err)
		}
		msg, err := p.Parse(mbox.StripEnvelope(raw))
		if err != nil {
			row.Subject = "(" + runner.Kind(err) + ")"
			rows = append(rows, row)
			return nil
		}
		row.From = msg.From
		row.Subject = msg.Subject
		for _, part := range selector.Candidates(msg.Root) {
			name := part.Filename
			if name == "" {
				name = "(" + part.MediaType + ")"
			}
			row.Candidates = append(row.Candidates, name)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error reading mbox file: %w", err)
	}

	if target >= 0 && logger != nil {
		found := false
		for _, row := range rows {
			found = found || row.Target
		}
		if !found {
			logger.Warn("URI does not address any message", "number", target, "base", opts.Base, "includeExpunged", opts.IncludeExpunged)
		}
	}
	return rows, nil
}

func printRows(out io.Writer, rows []listRow) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "\tPos\tNumber\tStart\tEnd\tDeleted\tSubject\tZip\n")
	for _, row := range rows {
		mark := ""
		if row.Target {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			mark,
			row.Position,
			ordinalText(row.Ordinal),
			row.Start,
			row.End,
			yesNo(row.Expunged),
			truncate(row.Subject, 60),
			candidatesText(row.Candidates))
	}
	w.Flush()
}

func saveCSV(path string, rows []listRow) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Position", "Number", "Start", "End", "Deleted", "From", "Subject", "Zip"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.Position),
			ordinalText(row.Ordinal),
			strconv.FormatInt(row.Start, 10),
			strconv.FormatInt(row.End, 10),
			yesNo(row.Expunged),
			row.From,
			row.Subject,
			strings.Join(row.Candidates, ";"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func ordinalText(ordinal int) string {
	if ordinal < 0 {
		return "-"
	}
	return strconv.Itoa(ordinal)
}

func candidatesText(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

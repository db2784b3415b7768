package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mailsleuth/mailsleuth/pkg/engine"
)

func newDiscoverCommand() *cobra.Command {
	var (
		runID    string
		draftDir string
	)

	cmd := &cobra.Command{
		Use:   "discover <contacts.csv>",
		Short: "Find email addresses for a batch of contacts",
		Long: `Find a work email address for every contact in the CSV file.

The CSV needs a header row with at least "name"; "role", "company", and
"domain" columns are optional. When a domain is missing it is guessed from
the company name. Each resolved contact becomes an attempt queued in the
discovered state for later tracking.

Contacts already attempted in the same run are reported as-is, so a rerun
of the same file is safe.`,
		Example: `  # Discover a batch of contacts
  mailsleuth discover contacts.csv --run 2026-08-outreach

  # Rerun after fixing a few rows; resolved rows are skipped
  mailsleuth discover contacts.csv --run 2026-08-outreach`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contacts, err := readContacts(args[0])
			if err != nil {
				return err
			}
			if len(contacts) == 0 {
				return fmt.Errorf("no contacts in %s", args[0])
			}

			rt, err := openRuntime(cmd.Context(), draftDir)
			if err != nil {
				return err
			}
			defer rt.Close()

			results, err := rt.engine.DiscoverAll(cmd.Context(), runID, contacts)
			if err != nil {
				return err
			}
			return printResults(results)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "default", "run identifier; one attempt per contact per run")
	cmd.Flags().StringVar(&draftDir, "drafts", "drafts", "directory for retry draft stubs")

	return cmd
}

// readContacts parses the contact CSV. Header column order is free; unknown
// columns are ignored.
func readContacts(path string) ([]engine.Contact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open contacts file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["name"]; !ok {
		return nil, fmt.Errorf("contacts file has no \"name\" column")
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var contacts []engine.Contact
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read contacts file: %w", err)
		}
		name := field(record, "name")
		if name == "" {
			continue
		}
		contacts = append(contacts, engine.Contact{
			Name:    name,
			Role:    field(record, "role"),
			Company: field(record, "company"),
			Domain:  field(record, "domain"),
		})
	}
	return contacts, nil
}

func printResults(results []*engine.Result) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	for _, res := range results {
		switch res.Status {
		case engine.StatusResolved, engine.StatusExists:
			fmt.Printf("%-30s %-40s %.2f  %s\n", res.Contact.Name, res.Candidate, res.Confidence, res.Status)
		case engine.StatusLowConfidence:
			fmt.Printf("%-30s %-40s %.2f  %s (manual review)\n", res.Contact.Name, res.Candidate, res.Confidence, res.Status)
		case engine.StatusError:
			fmt.Printf("%-30s %-40s       %s: %v\n", res.Contact.Name, "-", res.Status, res.Err)
		default:
			fmt.Printf("%-30s %-40s       %s\n", res.Contact.Name, "-", res.Status)
		}
	}
	return nil
}

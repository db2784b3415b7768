package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

// draftComposer writes one draft stub per attempt for downstream mail
// tooling to render and schedule. Message content is out of scope here;
// the stub carries everything the renderer needs to address the message.
type draftComposer struct {
	dir    string
	logger *telemetry.Logger
}

func newDraftComposer(dir string, logger *telemetry.Logger) *draftComposer {
	return &draftComposer{
		dir:    dir,
		logger: logger.NewComponentLogger("composer"),
	}
}

// Draft writes the stub as <attempt-id>.json, overwriting any previous draft
// for the attempt so a retried candidate replaces the bounced one.
func (c *draftComposer) Draft(ctx context.Context, attempt *stores.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create drafts directory: %w", err)
	}

	stub := struct {
		AttemptID  string  `json:"attempt_id"`
		Contact    string  `json:"contact"`
		Role       string  `json:"role"`
		Company    string  `json:"company"`
		To         string  `json:"to"`
		Retries    int     `json:"retries"`
		Confidence float64 `json:"confidence"`
	}{
		AttemptID:  attempt.ID,
		Contact:    attempt.ContactName,
		Role:       attempt.ContactRole,
		Company:    attempt.Company,
		To:         attempt.Candidate,
		Retries:    attempt.Retries,
		Confidence: attempt.Confidence,
	}

	data, err := json.MarshalIndent(stub, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(c.dir, attempt.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write draft: %w", err)
	}

	c.logger.WithAttemptID(attempt.ID).Infof("drafted %s", attempt.Candidate)
	return nil
}

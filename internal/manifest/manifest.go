// Package manifest builds tamper-evident summaries of finished runs.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/store"
)

// RunManifestVersion identifies the current schema version of run manifests.
const RunManifestVersion = "v1"

// ErrNotFinished is returned for runs that can still change.
var ErrNotFinished = errors.New("run has not finished")

// RunManifestPayload captures the immutable payload that is signed for a run.
type RunManifestPayload struct {
	Version        string               `json:"version"`
	RunID          string               `json:"run_id"`
	Query          string               `json:"query"`
	Status         string               `json:"status"`
	FinalAnswer    string               `json:"final_answer,omitempty"`
	Error          string               `json:"error,omitempty"`
	Calls          []ManifestCall       `json:"calls"`
	HumanExchanges []core.HumanExchange `json:"human_exchanges,omitempty"`
	Steps          []ManifestStep       `json:"steps,omitempty"`
	Usage          budget.Usage         `json:"usage"`
	CreatedAt      time.Time            `json:"created_at"`
	FinishedAt     time.Time            `json:"finished_at"`
}

// ManifestCall records one tool call without its raw output.
type ManifestCall struct {
	CallID  string   `json:"call_id"`
	Tool    string   `json:"tool"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	FanOut  bool     `json:"fan_out,omitempty"`
	Domains []string `json:"domains,omitempty"`
}

// ManifestStep is one persisted state transition.
type ManifestStep struct {
	State      string    `json:"state"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SignedRunManifest captures the payload along with checksum and signature metadata.
type SignedRunManifest struct {
	Manifest  RunManifestPayload `json:"manifest"`
	Checksum  string             `json:"checksum"`
	Signature string             `json:"signature"`
	Algorithm string             `json:"algorithm"`
	SignedAt  time.Time          `json:"signed_at"`
}

// BuildRunManifest constructs a manifest from a terminal run snapshot and
// its persisted steps (which may be empty).
func BuildRunManifest(run *core.Run, steps []store.StepRecord) (RunManifestPayload, error) {
	if run == nil || run.ID == "" {
		return RunManifestPayload{}, fmt.Errorf("run missing identifier")
	}
	if !run.Status.Terminal() {
		return RunManifestPayload{}, fmt.Errorf("%w: %s is %s", ErrNotFinished, run.ID, run.Status)
	}
	payload := RunManifestPayload{
		Version:        RunManifestVersion,
		RunID:          run.ID,
		Query:          run.State.OriginalQuery,
		Status:         string(run.Status),
		Error:          run.Error,
		HumanExchanges: run.State.HumanExchanges,
		Usage:          run.Usage,
		CreatedAt:      run.CreatedAt.UTC(),
		FinishedAt:     run.UpdatedAt.UTC(),
	}
	if run.State.FinalAnswer != nil {
		payload.FinalAnswer = *run.State.FinalAnswer
	}

	calls := make([]ManifestCall, 0, len(run.State.ArtifactLog))
	for _, ref := range run.State.ArtifactLog {
		if ref.CallID == "" {
			return RunManifestPayload{}, fmt.Errorf("reference without call id for tool %s", ref.ToolName)
		}
		calls = append(calls, ManifestCall{
			CallID:  ref.CallID,
			Tool:    ref.ToolName,
			Status:  ref.Status,
			Summary: ref.Summary,
			FanOut:  ref.FanOut,
			Domains: summaryDomains(ref.Summary),
		})
	}
	payload.Calls = calls

	if len(steps) > 0 {
		payload.Steps = make([]ManifestStep, len(steps))
		for i, s := range steps {
			payload.Steps[i] = ManifestStep{State: s.State, Status: s.Status, Summary: s.Summary, OccurredAt: s.OccurredAt.UTC()}
		}
	}
	return payload, nil
}

// RunFromRecord rebuilds a run snapshot from its persisted row.
func RunFromRecord(rec store.RunRecord) (*core.Run, error) {
	run := &core.Run{
		ID:        rec.ID,
		Status:    core.RunStatus(rec.Status),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &run.State); err != nil {
			return nil, fmt.Errorf("decode run state: %w", err)
		}
	}
	if run.State.OriginalQuery == "" {
		run.State.OriginalQuery = rec.Query
	}
	if rec.FinalAnswer != nil && run.State.FinalAnswer == nil {
		answer := *rec.FinalAnswer
		run.State.FinalAnswer = &answer
	}
	if rec.Error != nil {
		run.Error = *rec.Error
	}
	return run, nil
}

// SignRunManifest signs the payload using the provided secret and returns the signed manifest.
func SignRunManifest(payload RunManifestPayload, secret string, signedAt time.Time) (SignedRunManifest, error) {
	if secret == "" {
		return SignedRunManifest{}, fmt.Errorf("signing secret required")
	}
	if signedAt.IsZero() {
		signedAt = time.Now().UTC()
	}
	checksum, err := checksumOf(payload)
	if err != nil {
		return SignedRunManifest{}, err
	}
	return SignedRunManifest{
		Manifest:  payload,
		Checksum:  checksum,
		Signature: sign(checksum, secret),
		Algorithm: "hmac-sha256",
		SignedAt:  signedAt.UTC(),
	}, nil
}

// VerifyRunManifest recomputes checksum/signature and ensures they match the stored values.
func VerifyRunManifest(signed SignedRunManifest, secret string) error {
	expectedChecksum, err := checksumOf(signed.Manifest)
	if err != nil {
		return err
	}
	if signed.Checksum != expectedChecksum {
		return fmt.Errorf("checksum mismatch")
	}
	if !hmac.Equal([]byte(sign(signed.Checksum, secret)), []byte(signed.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func checksumOf(payload RunManifestPayload) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func sign(checksum, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil))
}

// summaryDomains lists the distinct hosts of URLs quoted in a summary.
func summaryDomains(summary string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, field := range strings.FieldsFunc(summary, func(r rune) bool {
		return r == ' ' || r == '"' || r == ',' || r == '\n' || r == '[' || r == ']' || r == '{' || r == '}'
	}) {
		if !strings.HasPrefix(field, "http://") && !strings.HasPrefix(field, "https://") {
			continue
		}
		d := helpers.Domain(field)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

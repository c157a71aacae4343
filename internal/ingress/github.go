package ingress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// GitHubNormalizer maps GitHub pull_request and push payloads onto the
// pipeline's closed event set.
type GitHubNormalizer struct{}

// NewGitHubNormalizer creates the GitHub payload normalizer.
func NewGitHubNormalizer() *GitHubNormalizer {
	return &GitHubNormalizer{}
}

// prPayload is the subset of a pull_request delivery the pipeline reads.
type prPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Normalize implements Normalizer for GitHub deliveries.
func (g *GitHubNormalizer) Normalize(eventName string, payload []byte) (*pipeline.Event, error) {
	switch eventName {
	case "pull_request":
		return g.normalizePullRequest(payload)
	case "ping":
		return nil, fmt.Errorf("%w: ping", ErrIgnoredEvent)
	default:
		// Push events reach the pipeline as pull_request synchronize
		// deliveries; everything else is noise.
		return nil, fmt.Errorf("%w: %q", ErrIgnoredEvent, eventName)
	}
}

func (g *GitHubNormalizer) normalizePullRequest(payload []byte) (*pipeline.Event, error) {
	var p prPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse pull_request payload: %w", err)
	}
	if p.Repository.FullName == "" || p.PullRequest.Number == 0 {
		return nil, fmt.Errorf("pull_request payload missing repo or number: %w", ErrIgnoredEvent)
	}

	ev := &pipeline.Event{
		Repo:       p.Repository.FullName,
		PRNumber:   p.PullRequest.Number,
		CommitSHA:  p.PullRequest.Head.SHA,
		OccurredAt: time.Now().UTC(),
	}

	switch p.Action {
	case "opened", "reopened":
		ev.Type = pipeline.EventPROpened
	case "synchronize":
		ev.Type = pipeline.EventPRUpdated
	case "closed":
		ev.Type = pipeline.EventPRClosed
		ev.Merged = p.PullRequest.Merged
	default:
		// Labels, reviews, assignments, etc.
		return nil, fmt.Errorf("%w: pull_request action %q", ErrIgnoredEvent, p.Action)
	}
	return ev, nil
}

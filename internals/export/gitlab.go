package export

import (
	"context"
	"fmt"
	"time"

	"github.com/jadenj13/memoir/internals/memory"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// GitLabSnippets publishes snapshots as private personal snippets.
type GitLabSnippets struct {
	gl  *gitlab.Client
	now func() time.Time
}

func NewGitLabSnippets(token, baseURL string) (*GitLabSnippets, error) {
	gl, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL+"/api/v4"))
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}
	return &GitLabSnippets{gl: gl, now: time.Now}, nil
}

func (g *GitLabSnippets) Export(ctx context.Context, session string, entries []memory.Entry) (string, error) {
	opts := &gitlab.CreateSnippetOptions{
		Title:       gitlab.Ptr(title(session)),
		FileName:    gitlab.Ptr(filename(session)),
		Content:     gitlab.Ptr(Render(session, entries, g.now())),
		Visibility:  gitlab.Ptr(gitlab.PrivateVisibility),
		Description: gitlab.Ptr("Exported by memoir"),
	}
	snippet, _, err := g.gl.Snippets.CreateSnippet(opts, gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("gitlab create snippet: %w", err)
	}
	return snippet.WebURL, nil
}

package export

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v60/github"
	"github.com/jadenj13/memoir/internals/memory"
	"golang.org/x/oauth2"
)

// GitHubGists publishes snapshots as secret gists.
type GitHubGists struct {
	gh  *github.Client
	now func() time.Time
}

func NewGitHubGists(ctx context.Context, token string) *GitHubGists {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubGists{
		gh:  github.NewClient(oauth2.NewClient(ctx, ts)),
		now: time.Now,
	}
}

func (g *GitHubGists) Export(ctx context.Context, session string, entries []memory.Entry) (string, error) {
	name := filename(session)
	gist := &github.Gist{
		Description: github.String(title(session)),
		Public:      github.Bool(false),
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(name): {
				Filename: github.String(name),
				Content:  github.String(Render(session, entries, g.now())),
			},
		},
	}
	created, _, err := g.gh.Gists.Create(ctx, gist)
	if err != nil {
		return "", fmt.Errorf("github create gist: %w", err)
	}
	return created.GetHTMLURL(), nil
}

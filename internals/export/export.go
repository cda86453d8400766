// Package export publishes a snapshot of a user's memories to an external
// service and returns a link to it.
package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jadenj13/memoir/internals/memory"
)

const (
	TargetGist   = "gist"
	TargetGitLab = "gitlab"
)

type Exporter interface {
	Export(ctx context.Context, session string, entries []memory.Entry) (string, error)
}

type Options struct {
	GitHubToken   string
	GitLabToken   string
	GitLabBaseURL string
}

// New returns the exporters that have credentials, keyed by target name.
func New(ctx context.Context, opts Options) (map[string]Exporter, error) {
	out := map[string]Exporter{}
	if opts.GitHubToken != "" {
		out[TargetGist] = NewGitHubGists(ctx, opts.GitHubToken)
	}
	if opts.GitLabToken != "" {
		baseURL := opts.GitLabBaseURL
		if baseURL == "" {
			baseURL = "https://gitlab.com"
		}
		gl, err := NewGitLabSnippets(opts.GitLabToken, baseURL)
		if err != nil {
			return nil, err
		}
		out[TargetGitLab] = gl
	}
	return out, nil
}

func filename(session string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return "memories-" + r.Replace(session) + ".md"
}

func title(session string) string {
	return fmt.Sprintf("Memories for %s", session)
}

// Render formats entries as a markdown document, most important first.
func Render(session string, entries []memory.Entry, at time.Time) string {
	sorted := append([]memory.Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Importance > sorted[j].Importance
	})

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title(session))
	fmt.Fprintf(&b, "_Exported %s, %d memories._\n\n", at.UTC().Format(time.RFC3339), len(sorted))
	if len(sorted) == 0 {
		b.WriteString("Nothing remembered yet.\n")
		return b.String()
	}

	b.WriteString("| memory | importance | type | updated |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, e := range sorted {
		kind, _ := e.Metadata["type"].(string)
		updated := ""
		if !e.UpdatedAt.IsZero() {
			updated = e.UpdatedAt.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(&b, "| %s | %.2f | %s | %s |\n", cell(e.Text), e.Importance, cell(kind), updated)
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", "<br>")
}

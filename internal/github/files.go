package github

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-enry/go-enry/v2"
	gogithub "github.com/google/go-github/v60/github"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/jacklau/reviewbot/internal/retry"
)

var skipExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".ico": true, ".svg": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".tgz": true, ".jar": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".mp3": true, ".mp4": true, ".mov": true, ".wav": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true, ".o": true, ".class": true,
	".lock": true, ".sum": true, ".map": true,
}

// ListFiles returns the indexable text files on the default branch, ordered
// as the tree API returns them. Vendored paths, paths matched by the root
// .gitignore, known binary extensions and files over the size limit are
// skipped.
func (c *Client) ListFiles(ctx context.Context, token, owner, repo string) ([]FileRef, error) {
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}

	info, resp, err := gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify(fmt.Sprintf("getting repository %s/%s", owner, repo), resp, err)
	}
	branch := info.GetDefaultBranch()
	if branch == "" {
		branch = "HEAD"
	}

	tree, resp, err := gh.Git.GetTree(ctx, owner, repo, branch, true)
	if err != nil {
		// An empty repository has no tree to list.
		if resp != nil && resp.StatusCode == 409 {
			return nil, nil
		}
		return nil, classify(fmt.Sprintf("listing tree of %s/%s", owner, repo), resp, err)
	}
	if tree.GetTruncated() {
		c.logger.Warn("repository tree truncated, indexing partial listing", "repo", owner+"/"+repo, "entries", len(tree.Entries))
	}

	var ignore *gitignore.GitIgnore
	for _, e := range tree.Entries {
		if e.GetType() == "blob" && e.GetPath() == ".gitignore" {
			ignore = c.loadIgnore(ctx, gh, owner, repo, e.GetSHA())
			break
		}
	}

	var files []FileRef
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		p := e.GetPath()
		if !c.indexable(p, e.GetSize()) {
			continue
		}
		if ignore != nil && ignore.MatchesPath(p) {
			continue
		}
		files = append(files, FileRef{Path: p, SHA: e.GetSHA(), Size: e.GetSize()})
	}
	return files, nil
}

func (c *Client) indexable(p string, size int) bool {
	if size <= 0 || size > c.opts.MaxFileBytes {
		return false
	}
	lower := strings.ToLower(p)
	if skipExtensions[path.Ext(lower)] || strings.HasSuffix(lower, ".min.js") {
		return false
	}
	if enry.IsVendor(p) {
		return false
	}
	return true
}

func (c *Client) loadIgnore(ctx context.Context, gh *gogithub.Client, owner, repo, sha string) *gitignore.GitIgnore {
	data, _, err := gh.Git.GetBlobRaw(ctx, owner, repo, sha)
	if err != nil {
		c.logger.Warn("reading .gitignore failed, indexing without it", "repo", owner+"/"+repo, "error", err)
		return nil
	}
	return gitignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
}

// FetchFile downloads a blob and returns its text. Binary content yields a
// permanent ErrBinaryFile.
func (c *Client) FetchFile(ctx context.Context, token, owner, repo string, ref FileRef) (*FileContent, error) {
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}
	data, resp, err := gh.Git.GetBlobRaw(ctx, owner, repo, ref.SHA)
	if err != nil {
		return nil, classify(fmt.Sprintf("fetching %s from %s/%s", ref.Path, owner, repo), resp, err)
	}
	if enry.IsBinary(data) {
		return nil, retry.Permanent(fmt.Errorf("%s: %w", ref.Path, ErrBinaryFile))
	}
	return &FileContent{Path: ref.Path, Content: string(data)}, nil
}

// GetRepoFileContents downloads every indexable file under prefix ("" for
// the whole tree). Files that fail to download or are binary are skipped.
func (c *Client) GetRepoFileContents(ctx context.Context, token, owner, repo, prefix string) ([]FileContent, error) {
	refs, err := c.ListFiles(ctx, token, owner, repo)
	if err != nil {
		return nil, err
	}
	var out []FileContent
	for _, ref := range refs {
		if prefix != "" && !strings.HasPrefix(ref.Path, prefix) {
			continue
		}
		fc, err := c.FetchFile(ctx, token, owner, repo, ref)
		if err != nil {
			if !errors.Is(err, ErrBinaryFile) {
				c.logger.Warn("skipping file", "repo", owner+"/"+repo, "path", ref.Path, "error", err)
			}
			continue
		}
		out = append(out, *fc)
	}
	return out, nil
}

// Language guesses the programming language of a file for prompt context.
func Language(p, content string) string {
	return enry.GetLanguage(path.Base(p), []byte(content))
}

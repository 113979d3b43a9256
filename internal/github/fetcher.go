package github

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/go-github/v81/github"

	"github.com/bull/pdf-rag-server/internal/extract"
)

// RemoteFile is an ingestible file found in a repository.
type RemoteFile struct {
	Path string // Relative to the fetcher's base path
	SHA  string // File's Git blob SHA
	Size int
	URL  string // GitHub raw URL
}

// Fetcher handles fetching documents from a GitHub repository directory.
type Fetcher struct {
	client   *Client
	owner    string
	repo     string
	basePath string
	ref      string
}

// NewFetcher creates a fetcher for owner/repo rooted at basePath. An empty ref means the
// default branch.
func NewFetcher(client *Client, owner, repo, basePath, ref string) *Fetcher {
	return &Fetcher{
		client:   client,
		owner:    owner,
		repo:     repo,
		basePath: basePath,
		ref:      ref,
	}
}

func (f *Fetcher) contentOptions() *github.RepositoryContentGetOptions {
	if f.ref == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: f.ref}
}

// ListFiles recursively lists all PDF and markdown files under the base path.
func (f *Fetcher) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	return f.listRecursive(ctx, f.basePath, "")
}

// listRecursive recursively traverses directories to find supported files.
func (f *Fetcher) listRecursive(ctx context.Context, fullPath, relativePath string) ([]RemoteFile, error) {
	var files []RemoteFile

	_, dirContents, _, err := f.client.Repositories.GetContents(
		ctx,
		f.owner,
		f.repo,
		fullPath,
		f.contentOptions(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get contents of %s: %w", fullPath, err)
	}

	for _, item := range dirContents {
		if item.Type == nil || item.Name == nil {
			continue
		}

		itemRelPath := path.Join(relativePath, *item.Name)

		switch *item.Type {
		case "file":
			if extract.IsSupported(*item.Name) {
				files = append(files, RemoteFile{
					Path: itemRelPath,
					SHA:  item.GetSHA(),
					Size: item.GetSize(),
					URL:  item.GetDownloadURL(),
				})
			}

		case "dir":
			subFiles, err := f.listRecursive(ctx, path.Join(fullPath, *item.Name), itemRelPath)
			if err != nil {
				return nil, err
			}
			files = append(files, subFiles...)
		}
	}

	return files, nil
}

// Download writes the file at relativePath into destDir, keeping its relative layout, and
// returns the local path. Large files are streamed through the raw download URL.
func (f *Fetcher) Download(ctx context.Context, relativePath, destDir string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(relativePath)) {
		return "", fmt.Errorf("refusing to write outside %s: %s", destDir, relativePath)
	}
	fullPath := path.Join(f.basePath, relativePath)

	body, _, err := f.client.Repositories.DownloadContents(
		ctx,
		f.owner,
		f.repo,
		fullPath,
		f.contentOptions(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", fullPath, err)
	}
	defer body.Close()

	localPath := filepath.Join(destDir, filepath.FromSlash(relativePath))
	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", relativePath, err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", localPath, err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return "", fmt.Errorf("writing %s: %w", localPath, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("writing %s: %w", localPath, err)
	}
	return localPath, nil
}

// GetLatestCommitSHA retrieves the SHA of the most recent commit affecting the base path
func (f *Fetcher) GetLatestCommitSHA(ctx context.Context) (string, error) {
	commits, _, err := f.client.Repositories.ListCommits(
		ctx,
		f.owner,
		f.repo,
		&github.CommitsListOptions{
			SHA:  f.ref,
			Path: f.basePath,
			ListOptions: github.ListOptions{
				PerPage: 1,
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to get latest commit: %w", err)
	}

	if len(commits) == 0 {
		return "", fmt.Errorf("no commits found for path %s", f.basePath)
	}

	if commits[0].SHA == nil {
		return "", fmt.Errorf("commit SHA is nil")
	}

	return *commits[0].SHA, nil
}

// Repository returns "owner/repo".
func (f *Fetcher) Repository() string {
	return f.owner + "/" + f.repo
}

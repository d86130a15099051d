package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/melbahja/got"
)

type sourceResolver struct {
	logger       log.Logger
	client       *http.Client
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	pathProvider pathutil.PathProvider
}

func newSourceResolver(logger log.Logger, client *http.Client) *sourceResolver {
	return &sourceResolver{
		logger:       logger,
		client:       client,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		pathProvider: pathutil.NewPathProvider(),
	}
}

// resolve turns the command arguments into absolute local file paths.
// Wildcard paths are expanded, http(s) urls are downloaded to a temp dir first.
func (r *sourceResolver) resolve(ctx context.Context, args []string) ([]string, error) {
	var expanded []string
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"):
			pth, err := r.download(ctx, arg)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, pth)
		case strings.Contains(arg, "*"):
			matches, err := r.glob(arg)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, matches...)
		default:
			expanded = append(expanded, arg)
		}
	}

	var paths []string
	for _, pth := range expanded {
		absPath, err := r.pathModifier.AbsPath(pth)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", pth, err)
		}

		exists, err := r.pathChecker.IsPathExists(absPath)
		if err != nil {
			return nil, fmt.Errorf("check path %s: %w", absPath, err)
		}
		if !exists {
			return nil, fmt.Errorf("source %s does not exist", absPath)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			r.logger.Warnf("Skipping directory %s", absPath)
			continue
		}
		paths = append(paths, absPath)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no source files to upload")
	}
	return paths, nil
}

func (r *sourceResolver) glob(pattern string) ([]string, error) {
	base, rest := doublestar.SplitPattern(pattern)
	absBase, err := r.pathModifier.AbsPath(base)
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), rest)
	if err != nil {
		return nil, fmt.Errorf("path pattern %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		r.logger.Warnf("No match for path pattern: %s", pattern)
	}

	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, filepath.Join(absBase, match))
	}
	return paths, nil
}

func (r *sourceResolver) download(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "source"
	}

	tmpDir, err := r.pathProvider.CreateTempDir("chunkupload")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	dest := filepath.Join(tmpDir, name)

	r.logger.Infof("Downloading %s", rawURL)
	downloader := got.New()
	if r.client != nil {
		downloader.Client = r.client
	}
	if err := downloader.Do(got.NewDownload(ctx, rawURL, dest)); err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	return dest, nil
}

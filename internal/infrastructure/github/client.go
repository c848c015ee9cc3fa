// Package github talks to the GitHub REST API in two roles: the job runner
// (workflow dispatch and run listing) and the code host (per-file line deltas).
package github

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/infrastructure/httpclient"
)

const apiVersion = "2022-11-28"

func newAPIClient(cfg config.GitHubConfig, maxRetries int, logger *slog.Logger) *httpclient.Client {
	header := http.Header{}
	header.Set("X-GitHub-Api-Version", apiVersion)
	header.Set("User-Agent", "ProposalWatcher/1.0")
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	return httpclient.New(httpclient.Options{
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        maxRetries,
		Header:            header,
		Logger:            logger,
	})
}

func apiBase(cfg config.GitHubConfig) string {
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	return base
}

func splitRepo(full string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.Trim(full, "/"), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repository %q must be owner/name", full)
	}
	return owner, repo, nil
}

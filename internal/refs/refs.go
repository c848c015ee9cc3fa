// Package refs extracts structured hints (commit hashes, code host links,
// runner display names) from free-form proposal text.
package refs

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"ProposalWatcher/internal/domain"
)

const codeHost = "github.com"

var (
	commitHashExpr = regexp.MustCompile(`(?i)\b[0-9a-f]{40}\b`)
	shortHashExpr  = regexp.MustCompile(`(?i)^[0-9a-f]{7,40}$`)
	linkExpr       = regexp.MustCompile(`(?i)https?://(?:www\.)?github\.com/[^\s<>"'()\[\]]+`)
	shorthandExpr  = regexp.MustCompile(`(?:^|[\s(\[])([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)#(\d+)\b`)
)

// ExtractCommitHash returns the first 40-hex-char token found across texts,
// lowercased, or "" when there is none.
func ExtractCommitHash(texts ...string) string {
	for _, text := range texts {
		if match := commitHashExpr.FindString(text); match != "" {
			return strings.ToLower(match)
		}
	}
	return ""
}

// ExtractCodeRefs returns every distinct commit, compare, tree or pull
// request reference in text, in order of appearance.
func ExtractCodeRefs(text string) []domain.CodeRef {
	var (
		refs []domain.CodeRef
		seen = map[string]struct{}{}
	)
	add := func(ref domain.CodeRef) {
		key := refKey(ref)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		refs = append(refs, ref)
	}

	for _, link := range linkExpr.FindAllString(text, -1) {
		if ref, ok := ParseCodeHostURL(link); ok {
			add(ref)
		}
	}

	for _, m := range shorthandExpr.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[3])
		if err != nil || n <= 0 {
			continue
		}
		add(domain.CodeRef{Kind: domain.RefPull, Owner: m[1], Repo: m[2], Number: n})
	}

	return refs
}

// ParseCodeHostURL understands commit links, tree links with an optional
// sub-path, compare links and pull request links.
func ParseCodeHostURL(raw string) (domain.CodeRef, bool) {
	raw = strings.TrimRight(strings.TrimSpace(raw), ".,;:!?")
	u, err := url.Parse(raw)
	if err != nil {
		return domain.CodeRef{}, false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != codeHost {
		return domain.CodeRef{}, false
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 {
		return domain.CodeRef{}, false
	}
	owner, repo, kind, rest := parts[0], strings.TrimSuffix(parts[1], ".git"), parts[2], parts[3:]

	switch kind {
	case "commit", "commits":
		if !shortHashExpr.MatchString(rest[0]) {
			return domain.CodeRef{}, false
		}
		return domain.CodeRef{Kind: domain.RefCommit, Owner: owner, Repo: repo, Ref: strings.ToLower(rest[0])}, true
	case "tree":
		if !shortHashExpr.MatchString(rest[0]) {
			return domain.CodeRef{}, false
		}
		ref := domain.CodeRef{Kind: domain.RefCommit, Owner: owner, Repo: repo, Ref: strings.ToLower(rest[0])}
		if len(rest) > 1 {
			ref.SubPath = strings.Join(rest[1:], "/")
		}
		return ref, true
	case "compare":
		spec := strings.Join(rest, "/")
		base, head, ok := strings.Cut(spec, "...")
		if !ok {
			base, head, ok = strings.Cut(spec, "..")
		}
		if !ok || base == "" || head == "" {
			return domain.CodeRef{}, false
		}
		return domain.CodeRef{Kind: domain.RefCompare, Owner: owner, Repo: repo, Ref: base + "..." + head}, true
	case "pull":
		n, err := strconv.Atoi(rest[0])
		if err != nil || n <= 0 {
			return domain.CodeRef{}, false
		}
		return domain.CodeRef{Kind: domain.RefPull, Owner: owner, Repo: repo, Number: n}, true
	}

	return domain.CodeRef{}, false
}

// IsCodeHostURL reports whether raw points at the code host at all.
func IsCodeHostURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.") == codeHost
}

// MatchRunName reports whether a runner display name follows the
// "<tag><proposal id>" convention for the given id. The id must not be
// followed by another digit, so "#1401020" does not match 140102.
func MatchRunName(name, tag string, id int64) bool {
	needle := tag + strconv.FormatInt(id, 10)
	for offset := 0; ; {
		idx := strings.Index(name[offset:], needle)
		if idx < 0 {
			return false
		}
		end := offset + idx + len(needle)
		if end == len(name) || name[end] < '0' || name[end] > '9' {
			return true
		}
		offset = end
	}
}

// SumFileStats adds up file deltas, keeping only files under subPath when it
// is set.
func SumFileStats(files []domain.FileStat, subPath string) (added, removed int) {
	prefix := strings.Trim(subPath, "/")
	for _, f := range files {
		if prefix != "" {
			name := path.Clean(f.Filename)
			if name != prefix && !strings.HasPrefix(name, prefix+"/") {
				continue
			}
		}
		added += f.Additions
		removed += f.Deletions
	}
	return added, removed
}

func refKey(ref domain.CodeRef) string {
	return fmt.Sprintf("%s|%s/%s|%s|%d|%s",
		ref.Kind, strings.ToLower(ref.Owner), strings.ToLower(ref.Repo), ref.Ref, ref.Number, ref.SubPath)
}

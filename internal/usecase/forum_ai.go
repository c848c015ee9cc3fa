package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"ProposalWatcher/internal/domain"
)

const (
	assistedPostLimit = 4000
	assistedSystem    = `You match a governance proposal to the forum thread that discusses it.
Answer with a JSON object {"url": "<one of the candidate urls or empty>", "confidence": "high|medium|low"}.`
)

// RunAssisted asks the model to pick a thread among the most relevant recent
// category topics. Results are stored as non-canonical links.
func (f *ForumResolver) RunAssisted(ctx context.Context, limit int) (domain.RunResult, error) {
	res := startRun(f.clock, JobForumAssisted)
	logger := f.logger.With("run_id", res.RunID, "job", JobForumAssisted)

	if f.chat == nil {
		err := fmt.Errorf("assisted forum matching needs a chat client")
		finishRun(f.clock, logger, &res, err)
		f.metrics.ObserveRun(res, err)
		return res, err
	}

	candidates, err := f.candidates(ctx, limit)
	if err != nil {
		finishRun(f.clock, logger, &res, err)
		f.metrics.ObserveRun(res, err)
		return res, err
	}

	session := f.newAssistedSession(ctx)
	var runErr error
	for _, p := range candidates {
		if ctx.Err() != nil {
			res.Add(p.ID, domain.ItemSkipped, "invocation cancelled")
			continue
		}
		status, reason, err := session.match(ctx, p)
		res.Add(p.ID, status, reason)
		if err != nil && abortsRun(err) {
			runErr = err
			break
		}
	}

	finishRun(f.clock, logger, &res, runErr)
	f.metrics.ObserveRun(res, runErr)
	return res, runErr
}

// assistedSession shares one category listing across a batch.
type assistedSession struct {
	f      *ForumResolver
	latest []domain.ForumTopic
	err    error
}

func (f *ForumResolver) newAssistedSession(ctx context.Context) *assistedSession {
	latest, err := f.forum.LatestInCategory(ctx, f.settings.ForumCategoryID)
	return &assistedSession{f: f, latest: latest, err: err}
}

type modelAnswer struct {
	URL        string `json:"url"`
	Confidence string `json:"confidence"`
}

func (s *assistedSession) match(ctx context.Context, p domain.Proposal) (domain.ItemStatus, string, error) {
	f := s.f
	audit := domain.ForumSearch{ProposalID: p.ID, Query: "assisted:" + strconv.FormatInt(p.ID, 10)}

	threads, err := f.store.ListThreads(ctx, p.ID)
	if err != nil {
		return domain.ItemFailed, err.Error(), fmt.Errorf("load threads: %w", err)
	}
	for _, t := range threads {
		if t.Source == domain.ThreadFromAssisted {
			return domain.ItemSkipped, "assisted link already stored", nil
		}
	}

	if s.err != nil {
		audit.Outcome = domain.SearchError
		audit.Error = s.err.Error()
		f.logSearch(ctx, audit)
		return domain.ItemFailed, s.err.Error(), s.err
	}

	ranked := rankTopics(p, s.latest)
	if k := orDefault(f.settings.ForumAssistedTopK, 3); len(ranked) > k {
		ranked = ranked[:k]
	}
	audit.ResultCount = len(ranked)
	if len(ranked) == 0 {
		audit.Outcome = domain.SearchNoResults
		f.logSearch(ctx, audit)
		return domain.ItemSkipped, "no relevant topics", nil
	}

	urls := make(map[string]domain.ForumTopic, len(ranked))
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Proposal %d: %s\n\n%s\n\nCandidate threads:\n", p.ID, p.Title, truncate(p.Summary, assistedPostLimit))
	for _, t := range ranked {
		url := f.forum.TopicURL(t)
		urls[url] = t
		posts, err := f.forum.Posts(ctx, t.ID)
		if err != nil {
			f.logger.Warn("load thread failed", "proposal_id", p.ID, "topic_id", t.ID, "error", err)
			continue
		}
		body := ""
		if len(posts) > 0 {
			body = posts[0].Markdown
		}
		fmt.Fprintf(&prompt, "\n---\nurl: %s\ntitle: %s\n\n%s\n", url, t.Title, truncate(body, assistedPostLimit))
	}

	raw, err := f.chat.Complete(ctx, assistedSystem, prompt.String())
	if err != nil {
		audit.Outcome = domain.SearchError
		audit.Error = err.Error()
		f.logSearch(ctx, audit)
		return domain.ItemFailed, err.Error(), err
	}

	var answer modelAnswer
	if err := json.Unmarshal([]byte(stripFence(raw)), &answer); err != nil {
		audit.Outcome = domain.SearchError
		audit.Error = "unparseable model answer"
		f.logSearch(ctx, audit)
		return domain.ItemFailed, "unparseable model answer", nil
	}

	topic, ok := urls[strings.TrimSpace(answer.URL)]
	if !ok {
		audit.Outcome = domain.SearchNoResults
		f.logSearch(ctx, audit)
		return domain.ItemSkipped, "model picked no candidate", nil
	}

	confidence := strings.ToLower(strings.TrimSpace(answer.Confidence))
	if confidence == "" {
		confidence = "low"
	}
	url := strings.TrimSpace(answer.URL)
	err = f.store.AddThread(ctx, domain.ForumThread{
		ProposalID: p.ID,
		URL:        url,
		Title:      topic.Title,
		Source:     domain.ThreadFromAssisted,
		Confidence: confidence,
		CreatedAt:  f.clock.Now(),
	})
	if err != nil {
		audit.Outcome = domain.SearchError
		audit.Error = err.Error()
		f.logSearch(ctx, audit)
		return domain.ItemFailed, err.Error(), err
	}

	audit.Outcome = domain.SearchSuccess
	audit.ChosenURL = url
	f.logSearch(ctx, audit)
	return domain.ItemSucceeded, fmt.Sprintf("%s (%s confidence)", url, confidence), nil
}

type scoredTopic struct {
	topic domain.ForumTopic
	score int
}

// rankTopics orders topics by cheap relevance hints: the id in the title or
// slug, shared title words, and tags naming the proposal.
func rankTopics(p domain.Proposal, topics []domain.ForumTopic) []domain.ForumTopic {
	idText := strconv.FormatInt(p.ID, 10)
	words := significantWords(p.Title)

	var scored []scoredTopic
	for _, t := range topics {
		score := 0
		if strings.Contains(t.Title, idText) {
			score += 10
		}
		if strings.Contains(t.Slug, idText) {
			score += 5
		}
		titleWords := significantWords(t.Title)
		for w := range words {
			if _, ok := titleWords[w]; ok {
				score++
			}
		}
		for _, tag := range t.Tags {
			if strings.Contains(tag, idText) {
				score += 3
			} else if _, ok := words[strings.ToLower(tag)]; ok {
				score++
			}
		}
		if score > 0 {
			scored = append(scored, scoredTopic{topic: t, score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	out := make([]domain.ForumTopic, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.topic)
	}
	return out
}

func significantWords(text string) map[string]struct{} {
	words := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) >= 4 {
			words[w] = struct{}{}
		}
	}
	return words
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func stripFence(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}

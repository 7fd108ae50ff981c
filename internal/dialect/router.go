// Package dialect resolves which transform profile applies to a model name.
// Local backends differ in how they encode tool calls (JSON-in-tags, XML
// arguments, bare objects), so the grammar cascade and reasoning handling
// are selected per model family rather than hard-coded.
package dialect

import (
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vllm-studio/reason-proxy/internal/config"
	"github.com/vllm-studio/reason-proxy/internal/extract"
	"github.com/vllm-studio/reason-proxy/internal/logger"
)

// Wildcard is the model entry that makes a profile the fallback.
const Wildcard = "*"

// Profile is the resolved set of transform settings for one model family.
type Profile struct {
	// Name identifies the profile in logs and metrics.
	Name string

	// Reasoning toggles think-span extraction.
	Reasoning bool

	// Grammars is the tool-call grammar cascade for this dialect, in
	// priority order.
	Grammars []extract.Grammar

	// ThinkFirst starts streams in the thinking phase, for families that
	// emit reasoning terminated by a bare `</think>` with no opening tag.
	ThinkFirst bool

	// FlushPartialOnEnd releases unterminated markup as literal text at
	// stream end instead of discarding it.
	FlushPartialOnEnd bool
}

// DefaultProfiles returns the built-in profile set used when no profile
// file is configured: an XML-first profile for the GLM family, which emits
// XML-argument tool calls and reasoning without an opening marker, and a
// permissive wildcard that transforms everything.
func DefaultProfiles() []config.ProfileConfig {
	return []config.ProfileConfig{
		{
			Name:   "glm",
			Models: []string{"glm", "zai-org/glm", "chatglm"},
			Grammars: []string{
				extract.GrammarXMLArgs,
				extract.GrammarPairedTags,
				extract.GrammarTruncatedTail,
				extract.GrammarBareJSON,
			},
			// GLM starts reasoning without an opening marker, so streams
			// are reasoning until the bare closing marker arrives. Flush
			// instead of discard so a close-less stream is not lost.
			ThinkFirst:        true,
			FlushPartialOnEnd: true,
		},
		{
			Name:   "default",
			Models: []string{Wildcard},
		},
	}
}

// Permissive is the profile used when nothing matches and no wildcard is
// configured: full cascade, reasoning on.
func Permissive() Profile {
	return Profile{
		Name:      "default",
		Reasoning: true,
		Grammars:  extract.DefaultGrammars(),
	}
}

// table is the immutable routing state swapped atomically on rebuild.
type table struct {
	aliases  map[string]string // normalized model entry -> profile name
	profiles map[string]Profile
}

// Router resolves transform profiles for model names.
//
// Matching strategy:
//  1. Exact match: "glm-4.7" configured directly
//  2. Prefix match: "glm-4.7-air" matches a "glm" entry
//  3. Wildcard "*" fallback
//  4. Permissive default if no wildcard is configured
type Router struct {
	table  atomic.Pointer[table]
	logger *logger.Logger
}

// NewRouter builds a router from profile configuration.
func NewRouter(profiles []config.ProfileConfig, log *logger.Logger) *Router {
	router := &Router{logger: log}
	router.Rebuild(profiles)

	log.Info("dialect router initialized",
		slog.Int("profile_count", len(router.Profiles())))

	return router
}

// Rebuild replaces the routing table in one atomic swap, so concurrent
// Match calls see either the old table or the new one, never a mix.
func (r *Router) Rebuild(cfgs []config.ProfileConfig) {
	t := &table{
		aliases:  make(map[string]string, len(cfgs)*2),
		profiles: make(map[string]Profile, len(cfgs)),
	}

	for _, cfg := range cfgs {
		if _, exists := t.profiles[cfg.Name]; exists {
			r.logger.Warn("skipping duplicate profile entry",
				slog.String("profile", cfg.Name))
			continue
		}

		for _, name := range cfg.Grammars {
			if !knownGrammar(name) {
				r.logger.Warn("ignoring unknown grammar in profile",
					slog.String("profile", cfg.Name),
					slog.String("grammar", name))
			}
		}

		t.profiles[cfg.Name] = Profile{
			Name:              cfg.Name,
			Reasoning:         cfg.ReasoningEnabled(),
			Grammars:          extract.GrammarsFor(cfg.Grammars),
			ThinkFirst:        cfg.ThinkFirst,
			FlushPartialOnEnd: cfg.FlushPartialOnEnd,
		}

		// Alias entries are normalized for reliable matching.
		for _, model := range cfg.Models {
			t.aliases[strings.ToLower(strings.TrimSpace(model))] = cfg.Name
		}
	}

	r.table.Store(t)
}

// Match resolves the profile for a model name. An empty model name lands on
// the wildcard profile.
func (r *Router) Match(model string) Profile {
	t := r.table.Load()
	normalized := strings.ToLower(strings.TrimSpace(model))

	// Try exact match
	if name, exists := t.aliases[normalized]; exists {
		if profile, ok := t.profiles[name]; ok {
			r.logger.Debug("model profile matched (exact)",
				slog.String("model", model),
				slog.String("profile", profile.Name))
			return profile
		}
	}

	// Try prefix match, most specific entry first
	// e.g. "glm-4.7-air" should match a "glm" entry
	if normalized != "" {
		var bestEntry, bestName string
		for entry, name := range t.aliases {
			if entry == Wildcard {
				continue
			}
			if strings.HasPrefix(normalized, entry) && len(entry) > len(bestEntry) {
				bestEntry, bestName = entry, name
			}
		}
		if bestName != "" {
			if profile, ok := t.profiles[bestName]; ok {
				r.logger.Debug("model profile matched (prefix)",
					slog.String("model", model),
					slog.String("prefix", bestEntry),
					slog.String("profile", profile.Name))
				return profile
			}
		}
	}

	// Fall back to wildcard
	if name, exists := t.aliases[Wildcard]; exists {
		if profile, ok := t.profiles[name]; ok {
			return profile
		}
	}

	return Permissive()
}

// Profiles returns the configured profile names, sorted for stable output.
// Useful for observability and debugging.
func (r *Router) Profiles() []string {
	t := r.table.Load()

	names := make([]string, 0, len(t.profiles))
	for name := range t.profiles {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func knownGrammar(name string) bool {
	for _, g := range extract.DefaultGrammars() {
		if g.Name == name {
			return true
		}
	}
	return false
}

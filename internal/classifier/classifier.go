// Package classifier maps a raw task request (prompt plus file list) to a
// shared.TaskInfo: a rule-based, deterministic classification with no
// runtime ML, grounded on the router's use of TaskInfo in the original
// core/router.py and core/orchestrator.py (the classification rules
// themselves were implicit in the orchestrator's prompt dispatch; this
// codifies them as an explicit, testable component per SPEC_FULL.md §4.3).
package classifier

import (
	"strings"

	"github.com/yayoboy/oxide-mesh/internal/shared"
)

// recommendedByCategory is the fixed per-category list of services a
// default deployment is likely to have configured, the closest analogue
// of the original's implicit "this category usually goes to service X"
// behavior. The router may still override these via routing rules.
var recommendedByCategory = map[shared.Category][]string{
	"code_generation":    {"ollama_local", "qwen", "openrouter"},
	"code_review":        {"qwen", "gemini", "ollama_local"},
	"bug_search":         {"qwen", "ollama_local"},
	"refactor":           {"ollama_local", "qwen"},
	"documentation":      {"ollama_local", "gemini"},
	"codebase_analysis":  {"gemini", "qwen"},
	"quick_query":        {"ollama_local"},
	"general":            {"ollama_local"},
}

const (
	// parallelFileThreshold is K: more files than this hints the router
	// toward fanning the task out across services.
	parallelFileThreshold = 1
	// codebaseAnalysisFileThreshold is K₂: more files than this forces
	// the codebase_analysis category outright, overriding keyword rules.
	codebaseAnalysisFileThreshold = 5
)

const (
	codeGeneration   = shared.CategoryCodeGeneration
	codeReview       = shared.CategoryCodeReview
	bugSearch        = shared.CategoryBugSearch
	refactor         = shared.CategoryRefactor
	documentation    = shared.CategoryDocumentation
	codebaseAnalysis = shared.CategoryCodebaseAnalysis
	quickQuery       = shared.CategoryQuickQuery
	general          = shared.CategoryGeneral
)

// keywordRules is evaluated in order; the first matching category wins.
// Order matters: more specific intents (review, bug search) are checked
// before the generic "write me code" bucket.
var keywordRules = []struct {
	category shared.Category
	keywords []string
}{
	{bugSearch, []string{"bug", "fix", "error", "crash", "broken", "fails", "failing", "exception", "traceback", "stack trace"}},
	{codeReview, []string{"review", "critique", "code quality", "lint", "pr feedback", "pull request"}},
	{refactor, []string{"refactor", "clean up", "cleanup", "restructure", "simplify", "reorganize"}},
	{documentation, []string{"document", "docstring", "readme", "comment this", "explain this code", "write docs"}},
	{codebaseAnalysis, []string{"analyze", "analyse", "architecture", "dependency graph", "how does this codebase", "survey the repo"}},
	{codeGeneration, []string{"write a", "implement", "create a function", "generate", "build a", "add a feature"}},
	{quickQuery, []string{"what is", "what's", "define", "quick question", "how do i"}},
}

// Classify inspects prompt and the file list accompanying the request and
// returns a deterministic TaskInfo. Same inputs always produce the same
// output — no clock, randomness, or external state is consulted.
func Classify(prompt string, files []string, totalBytes int64) shared.TaskInfo {
	lower := strings.ToLower(prompt)

	cat := general
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				cat = rule.category
				goto matched
			}
		}
	}
matched:

	fileCount := len(files)
	// Beyond codebaseAnalysisFileThreshold the request is treated as a
	// codebase survey regardless of which keyword matched — a prompt
	// asking to "fix" something across dozens of files is no longer a
	// targeted bug search.
	if fileCount > codebaseAnalysisFileThreshold {
		cat = codebaseAnalysis
	}

	// Parallelism is worthwhile once there's more than parallelFileThreshold
	// files and the category isn't a quick, single-shot query that
	// wouldn't benefit from sharding work across services.
	useParallel := fileCount > parallelFileThreshold && cat != quickQuery

	recs := recommendedByCategory[cat]
	recCopy := make([]string, len(recs))
	copy(recCopy, recs)

	return shared.TaskInfo{
		Category:            cat,
		FileCount:           fileCount,
		TotalBytes:          totalBytes,
		UseParallel:         useParallel,
		RecommendedServices: recCopy,
	}
}

// Package classify decides whether a free-text request describes a large
// initiative worth a master task. Scoring is a pure function over a fixed,
// versioned keyword/pattern table: the same input always yields the same
// output. Precision is favored over recall so marginal texts stay non-master.
package classify

import (
	"regexp"
	"strings"
)

// TableVersion identifies the scoring table. Bump when weights or word lists
// change so stored decisions can be traced to the table that produced them.
const TableVersion = 1

// Weights of the additive scoring table. Points are independent and summed.
const (
	weightScopeKeywords = 3 // >=2 distinct scope keywords
	weightProjectVerb   = 2
	weightDomainNoun    = 1
	weightPhasePattern  = 3
	weightEnumItems     = 2 // >=3 enumerable sub-items
	weightNumberedList  = 2
	weightLongInput     = 1 // input length > 500 characters
	maxScore            = 12
	masterThreshold     = 5
	minScopeKeywords    = 2
	minEnumItems        = 3
	longInputChars      = 500
)

var scopeKeywords = []string{
	"complete", "comprehensive", "full", "entire", "end-to-end", "whole",
	"overall", "thorough", "holistic",
}

var projectVerbs = []string{
	"build", "implement", "develop", "design", "migrate", "create",
	"architect", "overhaul", "refactor", "launch", "deploy", "integrate",
	"modernize", "rewrite", "establish", "deliver",
}

var domainNouns = []string{
	"system", "platform", "pipeline", "architecture", "infrastructure",
	"framework", "application", "service", "workflow", "database",
	"ecosystem", "backend", "frontend", "api",
}

var (
	phaseRe    = regexp.MustCompile(`(?i)\b(phase|step|stage|part)\s+\d+(\s+of\s+\d+)?\b`)
	numberedRe = regexp.MustCompile(`^\s*\d+[.)]\s*\S`)
	bulletRe   = regexp.MustCompile(`^\s*[-*•]\s+\S`)
	wordRe     = regexp.MustCompile(`[^a-z0-9\s-]`)
)

// Result is the classifier's deterministic verdict on one text.
type Result struct {
	IsMaster          bool `json:"isMaster"`
	Score             int  `json:"score"`
	EstimatedSubtasks int  `json:"estimatedSubtasks"`
}

// Classify scores text against the weighted table and decides whether it
// describes a master-task-sized initiative. Neutral or empty text scores
// low and returns a well-defined non-master result, never an error.
func Classify(text string) Result {
	words := tokenize(text)

	score := 0
	if countDistinct(words, scopeKeywords) >= minScopeKeywords {
		score += weightScopeKeywords
	}
	if containsAny(words, projectVerbs) {
		score += weightProjectVerb
	}
	if containsAny(words, domainNouns) {
		score += weightDomainNoun
	}
	if phaseRe.MatchString(text) {
		score += weightPhasePattern
	}

	numbered, items := enumerableItems(text)
	if items >= minEnumItems {
		score += weightEnumItems
	}
	if numbered >= 2 {
		score += weightNumberedList
	}
	if len(text) > longInputChars {
		score += weightLongInput
	}
	if score > maxScore {
		score = maxScore
	}

	return Result{
		IsMaster:          score >= masterThreshold,
		Score:             score,
		EstimatedSubtasks: items,
	}
}

// tokenize lowercases the text and strips punctuation, keeping hyphenated
// keywords like "end-to-end" intact.
func tokenize(text string) map[string]bool {
	cleaned := wordRe.ReplaceAllString(strings.ToLower(text), " ")
	words := make(map[string]bool)
	for _, w := range strings.Fields(cleaned) {
		words[w] = true
	}
	return words
}

func countDistinct(words map[string]bool, list []string) int {
	n := 0
	for _, w := range list {
		if words[w] {
			n++
		}
	}
	return n
}

func containsAny(words map[string]bool, list []string) bool {
	for _, w := range list {
		if words[w] {
			return true
		}
	}
	return false
}

// enumerableItems counts sub-items: numbered lines, bulleted lines, and —
// only when no list markers exist at all — semicolon-delimited imperative
// clauses opening with a project verb.
func enumerableItems(text string) (numbered, total int) {
	for _, line := range strings.Split(text, "\n") {
		switch {
		case numberedRe.MatchString(line):
			numbered++
			total++
		case bulletRe.MatchString(line):
			total++
		}
	}
	if total > 0 {
		return numbered, total
	}

	for _, clause := range strings.Split(text, ";") {
		fields := strings.Fields(strings.ToLower(clause))
		if len(fields) == 0 {
			continue
		}
		first := wordRe.ReplaceAllString(fields[0], "")
		for _, v := range projectVerbs {
			if first == v {
				total++
				break
			}
		}
	}
	if total < 2 {
		// A single clause is just a sentence, not an enumeration.
		total = 0
	}
	return 0, total
}

// Package keyrel is the key relationship analyzer: a pure helper answering whether
// two record keys are "related" and whether an operation key could affect a
// transaction's snapshot range. It never performs I/O and never returns an error —
// malformed patterns or panicking predicates degrade to "not related" rather than
// propagating a failure.
package keyrel

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const (
	hierarchySeparators = ": /._-"
	compositeSeparators = ": #|@_-"
)

var (
	temporalKeywords = []string{
		"timestamp", "time", "date", "created", "updated", "modified",
		"datetime", "ts", "epoch", "iso", "utc", "log", "event", "history",
	}

	indexMarkers      = []string{"_index", "_idx", "_key", "_lookup"}
	collectionMarkers = []string{"_list", "_array", "_set", "_collection", "_items", "_elements", "_members", "_entries"}

	// entityTable pairs entity name stems considered semantically related
	// (user/profile, user/order, order/product, workspace/document, ...).
	entityTable = [][2]string{
		{"user", "profile"},
		{"user", "order"},
		{"user", "account"},
		{"order", "product"},
		{"order", "payment"},
		{"workspace", "document"},
		{"workspace", "project"},
		{"customer", "invoice"},
		{"author", "book"},
		{"team", "member"},
	}

	// dependencyTable pairs normalized field names the functional-dependency check
	// recognizes (user_id<->user_email, order_id<->user_id, ...).
	dependencyTable = [][2]string{
		{"user_id", "user_email"},
		{"user_id", "user_name"},
		{"order_id", "user_id"},
		{"order_id", "product_id"},
		{"product_id", "category_id"},
		{"session_id", "user_id"},
		{"invoice_id", "customer_id"},
	}

	datePattern   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	timePattern   = regexp.MustCompile(`\d{2}:\d{2}:\d{2}`)
	epoch13Digits = regexp.MustCompile(`\b\d{13}\b`)
	epoch10Digits = regexp.MustCompile(`\b\d{10}\b`)
	digitsRun     = regexp.MustCompile(`\d+`)
	hexRun8Plus   = regexp.MustCompile(`[0-9a-fA-F]{8,}`)

	mu            sync.Mutex
	patternCache  = map[string]string{}
	semanticCache = map[string][]string{}
)

// ClearCaches empties the analyzer's memoization caches. The caches are observationally
// transparent (pure function of their inputs) and may be cleared at any time, e.g. by a
// long-running host process reclaiming memory.
func ClearCaches() {
	mu.Lock()
	defer mu.Unlock()
	patternCache = map[string]string{}
	semanticCache = map[string][]string{}
}

// AreKeysRelated reports whether k1 and k2 are related under any of nine
// relationship rules, tried in order: identity, hierarchical, semantic, pattern,
// composite, temporal, index, collection, functional-dependency. Reflexive and
// symmetric by construction (every sub-check is itself symmetric, and AreKeysRelated
// returns true immediately when k1 == k2).
func AreKeysRelated(k1, k2 string) bool {
	if k1 == k2 {
		return true
	}
	return hierarchicalRelated(k1, k2) ||
		semanticRelated(k1, k2) ||
		patternRelated(k1, k2) ||
		compositeRelated(k1, k2) ||
		temporalRelated(k1, k2) ||
		indexRelated(k1, k2) ||
		collectionRelated(k1, k2) ||
		dependencyRelated(k1, k2)
}

// --- (b) hierarchical ---

func hierarchicalRelated(k1, k2 string) bool {
	if strings.HasPrefix(k1, k2) || strings.HasPrefix(k2, k1) {
		return true
	}
	p1 := splitAny(k1, hierarchySeparators)
	p2 := splitAny(k2, hierarchySeparators)
	if len(p1) == 0 || len(p2) == 0 {
		return false
	}
	if isPartSeqPrefix(p1, p2) || isPartSeqPrefix(p2, p1) {
		return true
	}
	// Sibling: equal length, equal prefix, differing last part.
	if len(p1) == len(p2) && len(p1) > 1 {
		for i := 0; i < len(p1)-1; i++ {
			if p1[i] != p2[i] {
				return false
			}
		}
		return p1[len(p1)-1] != p2[len(p2)-1]
	}
	return false
}

func isPartSeqPrefix(shorter, longer []string) bool {
	if len(shorter) > len(longer) {
		return false
	}
	for i := range shorter {
		if shorter[i] != longer[i] {
			return false
		}
	}
	return true
}

// --- (c) semantic ---

func semanticRelated(k1, k2 string) bool {
	ids1 := extractIdentifiers(k1)
	ids2 := extractIdentifiers(k2)
	for _, a := range ids1 {
		for _, b := range ids2 {
			if a == b {
				continue
			}
			if isSingularPluralPair(a, b) {
				return true
			}
		}
	}
	for _, pair := range entityTable {
		if (containsWord(ids1, pair[0]) && containsWord(ids2, pair[1])) ||
			(containsWord(ids1, pair[1]) && containsWord(ids2, pair[0])) {
			return true
		}
	}
	return false
}

func extractIdentifiers(s string) []string {
	mu.Lock()
	if cached, ok := semanticCache[s]; ok {
		mu.Unlock()
		return cached
	}
	mu.Unlock()

	parts := splitAny(strings.ToLower(s), hierarchySeparators)
	var ids []string
	for _, p := range parts {
		if p != "" {
			ids = append(ids, p)
		}
	}

	mu.Lock()
	semanticCache[s] = ids
	mu.Unlock()
	return ids
}

func containsWord(words []string, target string) bool {
	for _, w := range words {
		if w == target {
			return true
		}
	}
	return false
}

func isSingularPluralPair(a, b string) bool {
	if a+"s" == b || b+"s" == a {
		return true
	}
	if a+"es" == b || b+"es" == a {
		return true
	}
	if strings.HasSuffix(a, "y") && a[:len(a)-1]+"ies" == b {
		return true
	}
	if strings.HasSuffix(b, "y") && b[:len(b)-1]+"ies" == a {
		return true
	}
	return false
}

// --- (d) pattern ---

func patternRelated(k1, k2 string) bool {
	p1, p2 := isPatternKey(k1), isPatternKey(k2)
	if p1 || p2 {
		return (p1 && matchesPattern(k2, k1)) || (p2 && matchesPattern(k1, k2))
	}
	n1 := normalizePattern(k1)
	n2 := normalizePattern(k2)
	return similarity(n1, n2) > 0.7
}

func isPatternKey(k string) bool {
	if strings.ContainsAny(k, "*?[{") {
		return true
	}
	return strings.HasSuffix(k, "_range") || strings.HasSuffix(k, "_pattern")
}

// matchesPattern reports whether candidate matches the glob-ish pattern, tolerating a
// trailing _range/_pattern marker (stripped before globbing) and treating regexp
// construction failure as "no match" rather than propagating an error.
func matchesPattern(candidate, pattern string) bool {
	p := strings.TrimSuffix(strings.TrimSuffix(pattern, "_range"), "_pattern")
	re, err := globToRegexp(p)
	if err != nil {
		return false
	}
	return re.MatchString(candidate)
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			b.WriteString(pattern[i : i+end+1])
			i += end
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			alts := strings.Split(pattern[i+1:i+end], ",")
			for j, a := range alts {
				alts[j] = regexp.QuoteMeta(a)
			}
			b.WriteString("(" + strings.Join(alts, "|") + ")")
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// normalizePattern collapses digit runs to '#', hex-looking runs of 8+ chars to '&',
// and a short token preceding a : _ or - separator to '@' — turning structurally
// similar keys (user:123, user:456) into identical normalized forms.
func normalizePattern(s string) string {
	mu.Lock()
	if cached, ok := patternCache[s]; ok {
		mu.Unlock()
		return cached
	}
	mu.Unlock()

	out := hexRun8Plus.ReplaceAllString(s, "&")
	out = digitsRun.ReplaceAllString(out, "#")
	out = normalizeShortPrefixTokens(out)

	mu.Lock()
	patternCache[s] = out
	mu.Unlock()
	return out
}

func normalizeShortPrefixTokens(s string) string {
	idx := strings.IndexAny(s, ":_-")
	if idx <= 0 || idx > 6 {
		return s
	}
	return "@" + s[idx:]
}

// similarity is a normalized edit-distance similarity in [0,1]; 1 means identical.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	dist := levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

// --- (e) composite ---

func compositeRelated(k1, k2 string) bool {
	p1 := splitAny(k1, compositeSeparators)
	p2 := splitAny(k2, compositeSeparators)
	if len(p1) == 0 || len(p2) == 0 || p1[0] == "" || p2[0] == "" {
		return false
	}
	return p1[0] == p2[0]
}

// --- (f) temporal ---

func temporalRelated(k1, k2 string) bool {
	if !containsAnyKeyword(k1, temporalKeywords) || !containsAnyKeyword(k2, temporalKeywords) {
		return false
	}
	return sharesTemporalPattern(k1, k2)
}

func containsAnyKeyword(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func sharesTemporalPattern(k1, k2 string) bool {
	checks := []*regexp.Regexp{datePattern, timePattern, epoch13Digits, epoch10Digits}
	for _, re := range checks {
		if re.MatchString(k1) && re.MatchString(k2) {
			return true
		}
	}
	return false
}

// --- (g) index ---

func indexRelated(k1, k2 string) bool {
	m1, b1 := stripIndexMarker(k1)
	m2, b2 := stripIndexMarker(k2)
	if !m1 && !m2 {
		return false
	}
	return b1 == b2 || strings.HasPrefix(b1, b2) || strings.HasPrefix(b2, b1)
}

func stripIndexMarker(k string) (matched bool, base string) {
	if strings.HasPrefix(k, "idx_") {
		return true, strings.TrimPrefix(k, "idx_")
	}
	for _, m := range indexMarkers {
		if strings.Contains(k, m) {
			return true, strings.Replace(k, m, "", 1)
		}
	}
	return false, k
}

// --- (h) collection ---

func collectionRelated(k1, k2 string) bool {
	m1, b1 := stripCollectionMarker(k1)
	m2, b2 := stripCollectionMarker(k2)
	if !m1 && !m2 {
		return false
	}
	return b1 == b2 || strings.HasPrefix(b1, b2) || strings.HasPrefix(b2, b1)
}

func stripCollectionMarker(k string) (matched bool, base string) {
	for _, m := range collectionMarkers {
		if strings.Contains(k, m) {
			return true, strings.Replace(k, m, "", 1)
		}
	}
	return false, k
}

// --- (i) functional dependency ---

func dependencyRelated(k1, k2 string) bool {
	n1 := normalizeFieldName(k1)
	n2 := normalizeFieldName(k2)
	for _, pair := range dependencyTable {
		if (n1 == pair[0] && n2 == pair[1]) || (n1 == pair[1] && n2 == pair[0]) {
			return true
		}
	}
	return false
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func normalizeFieldName(s string) string {
	s = camelBoundary.ReplaceAllString(s, "${1}_${2}")
	s = strings.ToLower(s)
	replacer := strings.NewReplacer("-", "_", ":", "_", "/", "_", ".", "_")
	return replacer.Replace(s)
}

func splitAny(s string, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
}

// --- snapshot-range predicates ---

// RangeDescriptor matches operation keys whose value falls in [Min, Max] lexically.
type RangeDescriptor struct{ Min, Max string }

// PrefixDescriptor matches operation keys with the given string prefix.
type PrefixDescriptor struct{ Prefix string }

// PatternDescriptor matches operation keys against a glob-style pattern.
type PatternDescriptor struct{ Pattern string }

// QueryDescriptor generalizes the above into a single tagged variant, mirroring the
// dynamically-typed snapshot-range helpers from the source this was distilled from:
// Type selects which of the remaining fields apply.
type QueryDescriptor struct {
	Type    string // "range" | "prefix" | "pattern" | "in"
	Min     string
	Max     string
	Prefix  string
	Pattern string
	In      []string
}

// IndexRangeDescriptor matches by the set of indexed fields or their candidate values.
type IndexRangeDescriptor struct {
	Fields []string
	Values []string
}

// PredicateDescriptor is a caller-supplied function. A panicking predicate is treated
// as "no match", never propagated.
type PredicateDescriptor func(operationKey string, expectedValue interface{}) bool

// IsKeyInSnapshotRange answers "could operationKey affect the snapshot anchored at
// snapshotKey?" against the transaction's snapshot map (which holds both the expected
// values at plain keys and optional range/query/predicate/index_range metadata at
// "<snapshotKey>:range" etc.). When any ":range", ":query" or ":predicate" entry is
// present for snapshotKey, those entries alone decide the answer.
func IsKeyInSnapshotRange(snapshot map[string]interface{}, operationKey, snapshotKey string, expectedValue interface{}) bool {
	if operationKey == snapshotKey {
		return true
	}
	if snapshot != nil {
		r, hasRange := snapshot[snapshotKey+":range"]
		q, hasQuery := snapshot[snapshotKey+":query"]
		p, hasPredicate := snapshot[snapshotKey+":predicate"]
		if hasRange || hasQuery || hasPredicate {
			return (hasRange && matchExplicitRange(operationKey, r)) ||
				(hasQuery && matchExplicitQuery(operationKey, q)) ||
				(hasPredicate && matchPredicate(operationKey, expectedValue, p))
		}
	}
	if isPatternKey(snapshotKey) && matchesSnapshotPattern(operationKey, snapshotKey) {
		return true
	}
	if hierarchicalRelated(operationKey, snapshotKey) {
		return true
	}
	if isArrayLike(expectedValue) && containsKey(expectedValue, operationKey) {
		return true
	}
	if snapshot != nil {
		if v, ok := snapshot[snapshotKey+":index_range"]; ok {
			if matchIndexRange(operationKey, v) {
				return true
			}
		}
	}
	if indexRelated(operationKey, snapshotKey) {
		return true
	}
	if semanticRelated(operationKey, snapshotKey) {
		return true
	}
	if temporalRelated(operationKey, snapshotKey) {
		return true
	}
	if compositeRelated(operationKey, snapshotKey) {
		return true
	}
	return false
}

func matchExplicitRange(operationKey string, v interface{}) (matched bool) {
	defer func() { recover() }()
	switch r := v.(type) {
	case RangeDescriptor:
		return withinRange(operationKey, r.Min, r.Max)
	case PrefixDescriptor:
		return strings.HasPrefix(operationKey, r.Prefix)
	case PatternDescriptor:
		return matchesPattern(operationKey, r.Pattern)
	default:
		return false
	}
}

func matchExplicitQuery(operationKey string, v interface{}) (matched bool) {
	defer func() { recover() }()
	q, ok := v.(QueryDescriptor)
	if !ok {
		return false
	}
	switch q.Type {
	case "range":
		return withinRange(operationKey, q.Min, q.Max)
	case "prefix":
		return strings.HasPrefix(operationKey, q.Prefix)
	case "pattern":
		return matchesPattern(operationKey, q.Pattern)
	case "in":
		for _, v := range q.In {
			if v == operationKey {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchPredicate(operationKey string, expectedValue interface{}, v interface{}) (matched bool) {
	defer func() { recover() }()
	pred, ok := v.(PredicateDescriptor)
	if !ok {
		fn, ok2 := v.(func(string, interface{}) bool)
		if !ok2 {
			return false
		}
		return fn(operationKey, expectedValue)
	}
	return pred(operationKey, expectedValue)
}

func matchIndexRange(operationKey string, v interface{}) (matched bool) {
	defer func() { recover() }()
	ir, ok := v.(IndexRangeDescriptor)
	if !ok {
		return false
	}
	for _, f := range ir.Fields {
		if strings.Contains(operationKey, f) {
			return true
		}
	}
	for _, val := range ir.Values {
		if strings.Contains(operationKey, val) {
			return true
		}
	}
	return false
}

func matchesSnapshotPattern(operationKey, pattern string) bool {
	expanded := expandBraces(pattern)
	for _, p := range expanded {
		if matchesPattern(operationKey, p) {
			return true
		}
	}
	return false
}

// expandBraces expands a single {a,b,c} alternation in pattern into concrete patterns.
func expandBraces(pattern string) []string {
	start := strings.IndexByte(pattern, '{')
	end := strings.IndexByte(pattern, '}')
	if start < 0 || end < 0 || end < start {
		return []string{pattern}
	}
	prefix := pattern[:start]
	suffix := pattern[end+1:]
	alts := strings.Split(pattern[start+1:end], ",")
	out := make([]string, 0, len(alts))
	for _, a := range alts {
		out = append(out, prefix+a+suffix)
	}
	return out
}

func withinRange(key, min, max string) bool {
	if min != "" && key < min {
		return false
	}
	if max != "" && key > max {
		return false
	}
	return min != "" || max != ""
}

func isArrayLike(v interface{}) bool {
	switch v.(type) {
	case []string, []interface{}:
		return true
	default:
		return false
	}
}

func containsKey(v interface{}, key string) bool {
	switch arr := v.(type) {
	case []string:
		for _, s := range arr {
			if s == key {
				return true
			}
		}
	case []interface{}:
		for _, e := range arr {
			if s, ok := e.(string); ok && s == key {
				return true
			}
			if fmt.Sprint(e) == key {
				return true
			}
		}
	}
	return false
}

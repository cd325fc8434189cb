/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package envelope

import (
	"fmt"
	"regexp"
	"strings"
)

const maxQueryLength = 10_000

var allowedKeywords = map[string]bool{
	"SELECT":  true,
	"INSERT":  true,
	"UPDATE":  true,
	"DELETE":  true,
	"WITH":    true,
	"CALL":    true,
	"EXEC":    true,
	"EXECUTE": true,
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// denyPatterns reject queries that survived comment stripping but still
// smell like injection: chained DDL after a statement separator, UNION
// probes, and vendor system-catalog access.
var denyPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i);\s*(CREATE|ALTER|DROP|TRUNCATE|GRANT|REVOKE|RENAME)\b`), "chained DDL statement"},
	{regexp.MustCompile(`(?i)\bUNION\b[\s(]*(ALL\s+)?(\s|\()*SELECT\b`), "UNION SELECT"},
	{regexp.MustCompile(`(?i)\bINFORMATION_SCHEMA\b`), "system catalog access"},
	{regexp.MustCompile(`(?i)\bpg_[a-z_]+`), "system catalog access"},
	{regexp.MustCompile(`(?i)\bmysql\s*\.`), "system catalog access"},
	{regexp.MustCompile(`(?i)\b(xp|sp)_[a-z_]+`), "extended procedure call"},
}

// Sanitize cleans a decrypted query and vets it before it reaches the
// storage back end. It returns the cleaned query or an error describing
// why the query was rejected.
func Sanitize(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", fmt.Errorf("query is empty")
	}
	if strings.HasSuffix(trimmed, "--") {
		return "", fmt.Errorf("query rejected: trailing comment marker")
	}

	cleaned := blockCommentRe.ReplaceAllString(trimmed, " ")
	cleaned = lineCommentRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(whitespaceRe.ReplaceAllString(cleaned, " "))
	if cleaned == "" {
		return "", fmt.Errorf("query is empty after removing comments")
	}
	if len(cleaned) > maxQueryLength {
		return "", fmt.Errorf("query exceeds %d characters", maxQueryLength)
	}

	first := strings.ToUpper(strings.FieldsFunc(cleaned, func(r rune) bool {
		return r == ' ' || r == '('
	})[0])
	if !allowedKeywords[first] {
		return "", fmt.Errorf("query must start with one of SELECT, INSERT, UPDATE, DELETE, WITH, CALL, EXEC, EXECUTE; got %q", first)
	}

	for _, p := range denyPatterns {
		if p.re.MatchString(cleaned) {
			return "", fmt.Errorf("query rejected: %s", p.reason)
		}
	}
	return cleaned, nil
}

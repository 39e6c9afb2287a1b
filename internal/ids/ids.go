// Package ids validates user, run, candidate, and artifact identifiers and
// resolves per-user filesystem paths with containment checks. Every ID that
// reaches the filesystem goes through this package first.
package ids

import (
	"regexp"
	"strings"

	"github.com/buffquant/buffrun/internal/apperr"
)

var (
	userIDPattern      = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
	runIDPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)
	candidateIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,31}$`)
	artifactPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// hasTraversal reports whether s contains a path separator or a dot segment,
// including URL-encoded variants.
func hasTraversal(s string) bool {
	lower := strings.ToLower(s)
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	if s == "." || s == ".." {
		return true
	}
	for _, enc := range []string{"%2e", "%2f", "%5c"} {
		if strings.Contains(lower, enc) {
			return true
		}
	}
	return false
}

// ValidateUserID enforces the user_id rules: 1-64 chars of [A-Za-z0-9._-],
// no dot segments, no separators.
func ValidateUserID(userID string) error {
	if userID == "" {
		return apperr.New(apperr.CodeUserMissing, 400, "user id is required")
	}
	if hasTraversal(userID) || !userIDPattern.MatchString(userID) {
		return apperr.Newf(apperr.CodeUserInvalid, 400, "invalid user id %q", userID)
	}
	return nil
}

// ValidateRunID enforces the run_id rules: 3-64 chars matching
// ^[a-z0-9][a-z0-9_-]{2,63}$.
func ValidateRunID(runID string) error {
	if hasTraversal(runID) || !runIDPattern.MatchString(runID) {
		return apperr.Newf(apperr.CodeRunIDInvalid, 400, "invalid run id %q", runID)
	}
	return nil
}

// ValidateCandidateID enforces the candidate_id rules: 3-32 chars matching
// ^[a-z0-9][a-z0-9_-]{2,31}$.
func ValidateCandidateID(candidateID string) error {
	if hasTraversal(candidateID) || !candidateIDPattern.MatchString(candidateID) {
		return apperr.Newf(apperr.CodeExperimentConfigInvalid, 400, "invalid candidate id %q", candidateID)
	}
	return nil
}

// ValidateArtifactName enforces the artifact filename rules: a single path
// component, no hidden files, no traversal segments.
func ValidateArtifactName(name string) error {
	if hasTraversal(name) || strings.HasPrefix(name, ".") || !artifactPattern.MatchString(name) {
		return apperr.Newf(apperr.CodeArtifactNotFound, 404, "invalid artifact name %q", name)
	}
	return nil
}

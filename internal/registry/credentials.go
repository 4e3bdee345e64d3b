package registry

import (
	"net/url"
	"os"
	"regexp"
	"strings"
)

// GitCredentials carries the authentication the Registry injects into
// upstream clone URLs. Adapted near-verbatim from the teacher's
// coding.GitCredentials
// (_examples/cloudshipai-station/internal/coding/git_credentials.go): same
// token/env-var/identity fields and the same HTTPS-only injection rule,
// since the registry's "register from upstream" clone is exactly the
// operation that type existed to authenticate.
type GitCredentials struct {
	Token       string
	TokenEnvVar string
	UserName    string
	UserEmail   string
}

// NewGitCredentials builds a GitCredentials, reading token from
// tokenEnvVar when token is empty.
func NewGitCredentials(token, tokenEnvVar string) *GitCredentials {
	gc := &GitCredentials{
		Token:       token,
		TokenEnvVar: tokenEnvVar,
		UserName:    "runner-bot",
		UserEmail:   "runner@localhost",
	}
	if gc.Token == "" && gc.TokenEnvVar != "" {
		gc.Token = os.Getenv(gc.TokenEnvVar)
	}
	return gc
}

// HasToken reports whether credentials carry a usable token.
func (g *GitCredentials) HasToken() bool {
	return g != nil && g.Token != ""
}

// InjectCredentials rewrites repoURL to include the token for HTTPS
// upstreams; SSH URLs and URLs that already carry credentials are
// returned unchanged.
func (g *GitCredentials) InjectCredentials(repoURL string) string {
	if !g.HasToken() {
		return repoURL
	}
	if strings.HasPrefix(repoURL, "git@") || strings.Contains(repoURL, "ssh://") {
		return repoURL
	}

	parsed, err := url.Parse(repoURL)
	if err != nil {
		return repoURL
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return repoURL
	}
	if parsed.User != nil && parsed.User.String() != "" {
		return repoURL
	}

	parsed.User = url.UserPassword("x-access-token", g.Token)
	return parsed.String()
}

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(ghp_|gho_|github_pat_)[A-Za-z0-9_]{30,}`),
	regexp.MustCompile(`://([^:@/]+):([^@/]+)@`),
	regexp.MustCompile(`://([^@/]{20,})@`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|token|password|credential)\s*[:=]\s*['"]?[A-Za-z0-9\-._]{16,}['"]?`),
}

// RedactString strips credentials from a string before it is logged.
func RedactString(s string) string {
	result := s
	for _, pattern := range redactPatterns {
		switch {
		case strings.Contains(pattern.String(), "):([^@/]+)@"):
			result = pattern.ReplaceAllString(result, "://[REDACTED]:[REDACTED]@")
		case strings.Contains(pattern.String(), "://"):
			result = pattern.ReplaceAllString(result, "://[REDACTED]@")
		case strings.Contains(pattern.String(), "bearer"):
			result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
		case strings.Contains(pattern.String(), "ghp_|gho_|github_pat_"):
			result = pattern.ReplaceAllString(result, "[REDACTED_GITHUB_TOKEN]")
		default:
			result = pattern.ReplaceAllStringFunc(result, func(match string) string {
				parts := regexp.MustCompile(`[:=]\s*`).Split(match, 2)
				if len(parts) == 2 {
					return parts[0] + "=[REDACTED]"
				}
				return "[REDACTED]"
			})
		}
	}
	return result
}

// RedactError wraps err so its Error() string is redacted while Unwrap
// still reaches the original for errors.Is/As.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	return &redactedError{original: err, redacted: RedactString(err.Error())}
}

type redactedError struct {
	original error
	redacted string
}

func (e *redactedError) Error() string { return e.redacted }
func (e *redactedError) Unwrap() error { return e.original }

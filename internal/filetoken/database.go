package filetoken

import (
	"context"
	"regexp"
)

// FileTag wraps database tokens embedded in free text.
const FileTag = "file"

var taggedToken = regexp.MustCompile(`<` + FileTag + `>(.*?)</` + FileTag + `>`)

// Database tokens are plain token paths valid against the configured database
// daemon. They are meant to outlive every process that produced them.

// DatabaseToken returns the database token for a file on this daemon.
func (f *Factory) DatabaseToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	t, err := f.TokenFor(path)
	if err != nil {
		return "", err
	}
	return f.DatabaseTokenFor(t)
}

// DatabaseTokenFor re-homes t to the database daemon and returns its path.
func (f *Factory) DatabaseTokenFor(t Token) (string, error) {
	if f.database == nil {
		return "", configurationError("database daemon is not set, cannot create a database token")
	}
	translated, err := f.TranslateToken(t, *f.database)
	if err != nil {
		return "", err
	}
	return translated.Path, nil
}

// FileFromDatabaseToken resolves a database token to a local path.
func (f *Factory) FileFromDatabaseToken(ctx context.Context, tokenPath string) (string, error) {
	if tokenPath == "" {
		return "", nil
	}
	if f.database == nil {
		return "", configurationError("database daemon is not set, cannot resolve database token %q", tokenPath)
	}
	return f.ResolveToLocalFile(ctx, newToken(*f.database, tokenPath))
}

// TaggedDatabaseToken is DatabaseToken wrapped in <file></file>.
func (f *Factory) TaggedDatabaseToken(path string) (string, error) {
	token, err := f.DatabaseToken(path)
	if err != nil {
		return "", err
	}
	return TagDatabaseToken(token), nil
}

// TagDatabaseToken wraps an existing database token for embedding in text.
func TagDatabaseToken(token string) string {
	return "<" + FileTag + ">" + token + "</" + FileTag + ">"
}

// UntagDatabaseTokens returns every tagged database token found in text, in
// order of appearance.
func UntagDatabaseTokens(text string) []string {
	matches := taggedToken.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1])
	}
	return tokens
}

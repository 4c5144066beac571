// Package assets talks to the remote asset provider hosting product photos:
// it extracts asset ids from provider URLs, keeps the OAuth token fresh, and
// fetches photo bytes by id.
package assets

import "regexp"

// Provider download URLs carry the asset id either as the path segment after
// /files/ or as a file_id query parameter:
//
//	https://api.provider.example/v2/files/f_8a31xk9q/content
//	https://cdn.provider.example/files/f_8a31xk9q
//	https://provider.example/download?file_id=f_8a31xk9q
var (
	idRe        = regexp.MustCompile(`^[A-Za-z0-9_-]{4,}$`)
	filePathRe  = regexp.MustCompile(`/files/([A-Za-z0-9_-]{4,})(?:[/?#]|$)`)
	fileQueryRe = regexp.MustCompile(`[?&](?:file_id|fileId)=([A-Za-z0-9_-]{4,})`)
)

// IDFromURL extracts the asset id from a provider download URL. ok is false
// when the string does not look like a provider asset URL; order photo
// columns are free text and routinely hold unrelated links.
func IDFromURL(raw string) (id string, ok bool) {
	if m := filePathRe.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if m := fileQueryRe.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	return "", false
}

// ValidID reports whether s has the shape of an asset id. Used to reject
// garbage path parameters before touching any cache tier.
func ValidID(s string) bool {
	return idRe.MatchString(s)
}

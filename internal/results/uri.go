package results

import "strings"

const uriPrefix = "result://"

// URI is the reference printed in place of a saved result.
func URI(id string) string {
	return uriPrefix + strings.TrimSpace(id)
}

func ParseURI(uri string) (id string, ok bool) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, uriPrefix) {
		return "", false
	}
	id = strings.TrimSpace(strings.TrimPrefix(uri, uriPrefix))
	return id, id != ""
}

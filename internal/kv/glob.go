package kv

import "path"

// matchPattern applies the glob subset used by scan filters: '*', '?'
// and '[...]' classes, as implemented by path.Match. The empty pattern
// and "*" match every key; in any other pattern '*' and '?' do not match
// a '/' in the key, since path.Match treats it as a separator. A
// malformed pattern matches nothing.
func matchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

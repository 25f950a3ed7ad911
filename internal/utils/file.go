package utils

import (
	"net/url"
	"path"
	"strings"
)

func RemoveInvalidChars(value string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || strings.ContainsRune(`<>:"\|?*`, r) {
			return -1
		}
		return r
	}, value)
}

// FilenameFromURL returns the unescaped last path segment of link, or link itself.
func FilenameFromURL(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Path == "" || u.Path == "/" {
		return link
	}
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return RemoveInvalidChars(name)
}

// IsHidden reports dotfiles and editor temp files.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}

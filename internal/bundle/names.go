package bundle

import (
	"fmt"
	"path"
	"strings"
)

// entryNames hands out archive entry names, renaming repeated basenames
// to "name (2).ext", "name (3).ext" and so on.
type entryNames struct {
	used map[string]struct{}
}

func newEntryNames() *entryNames {
	return &entryNames{used: make(map[string]struct{})}
}

func (e *entryNames) next(key string) string {
	base := path.Base(key)
	if base == "." || base == "/" {
		base = "file"
	}
	name := base
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 2; ; n++ {
		if _, taken := e.used[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
	e.used[name] = struct{}{}
	return name
}

package deploy

import "strings"

// Breadcrumbs is a path split into the folders that need to be navigated
// through and the name of the entry at the end. A path that ends with a
// slash names a folder and has no File.
type Breadcrumbs struct {
	Folders []string
	File    string
}

// ParseBreadcrumbs splits `p` on `/`. Empty segments are dropped.
func ParseBreadcrumbs(p string) Breadcrumbs {
	segments := strings.Split(p, "/")
	file := segments[len(segments)-1]

	var folders []string
	for _, segment := range segments[:len(segments)-1] {
		if segment != "" {
			folders = append(folders, segment)
		}
	}
	return Breadcrumbs{Folders: folders, File: file}
}

package version

import "strings"

// Separator joins the segments of a hierarchical content identifier,
// e.g. "bailey:ch01:s2:ss3:p4".
const Separator = ":"

// ParentID returns the identifier of the immediate ancestor, or the empty
// string for a root identifier.
func ParentID(id string) string {
	i := strings.LastIndex(id, Separator)
	if i < 0 {
		return ""
	}
	return id[:i]
}

// RootID returns the first segment of the identifier.
func RootID(id string) string {
	if i := strings.Index(id, Separator); i >= 0 {
		return id[:i]
	}
	return id
}

// Depth returns the number of segments in the identifier. The empty
// identifier has depth 0.
func Depth(id string) int {
	if id == "" {
		return 0
	}
	return strings.Count(id, Separator) + 1
}

// Contained reports whether child extends parent by the separator, the
// containment rule every hierarchical identifier must satisfy. A child
// built from the wrong ancestor fails this.
func Contained(child, parent string) bool {
	if parent == "" || child == "" {
		return false
	}
	return strings.HasPrefix(child, parent+Separator) && len(child) > len(parent)+len(Separator)
}

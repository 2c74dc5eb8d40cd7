// Package imageref splits a user-supplied image reference into its name and
// tag, the same last-colon rule shared by overlay2's repositories.json
// lookup and the archive parser's RepoTags fallback.
package imageref

import "strings"

// Split splits image into (name, tag) using the last colon, the same rule
// Docker itself applies: a colon after the final "/" is a tag separator; a
// colon that appears only as part of a "host:port" registry prefix (i.e.
// nothing after it but another "/") is not.
//
//	"nginx:1.25"                      -> ("nginx", "1.25")
//	"nginx"                           -> ("nginx", "latest")
//	"registry.example:5000/nginx"     -> ("registry.example:5000/nginx", "latest")
//	"registry.example:5000/nginx:1.25" -> ("registry.example:5000/nginx", "1.25")
func Split(image string) (name, tag string) {
	i := strings.LastIndex(image, ":")
	if i < 0 {
		return image, "latest"
	}
	right := image[i+1:]
	if strings.Contains(right, "/") {
		// The colon belongs to a "host:port" prefix, not a tag separator.
		return image, "latest"
	}
	return image[:i], right
}

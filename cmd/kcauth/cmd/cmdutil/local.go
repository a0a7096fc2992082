package cmdutil

import "github.com/spf13/cobra"

// LocalConfigAnnotation marks a command tree that only touches the identity
// store or the secret backends and can run without realm settings.
const LocalConfigAnnotation = "kcauth.local-config"

// LocalConfig returns the annotations that mark a command as local.
func LocalConfig() map[string]string {
	return map[string]string{LocalConfigAnnotation: "true"}
}

// LocalConfigOnly reports whether cmd or one of its parents is marked local.
func LocalConfigOnly(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[LocalConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}

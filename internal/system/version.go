package system

import "fmt"

var Name = "mesh-operator"
var Version = "<unset>"
var Commit = "<unset>"
var Repository = "https://github.com/telekom/mesh-operator"

func PrettyInfo() string {
	return fmt.Sprintf(`
===========================================================================
Application: %s
Version %s
GOTO: %s/tree/%s
===========================================================================
`, Name, Version, Repository, Commit)
}

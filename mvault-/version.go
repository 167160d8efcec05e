package mvault

import (
	"runtime/debug"
)

// Version is set at runtime from the module build info, or "(devel)" when
// built outside a module.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		Version = buildInfo.Main.Version
	}
}

//go:build darwin || linux

package entry

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// ResolveNativeSymbol returns the address of symbol in the named shared
// library, for populating descriptor function pointers from the host's
// native runtime. Only the fixed internal entry table goes through this;
// it is not a general foreign-function interface.
func ResolveNativeSymbol(library, symbol string) (uint64, error) {
	lib, err := purego.Dlopen(library, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, fmt.Errorf("entry: open %s: %w", library, err)
	}
	addr, err := purego.Dlsym(lib, symbol)
	if err != nil {
		return 0, fmt.Errorf("entry: resolve %s in %s: %w", symbol, library, err)
	}
	return uint64(addr), nil
}

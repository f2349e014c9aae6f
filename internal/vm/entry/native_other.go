//go:build !darwin && !linux

package entry

import "fmt"

// ResolveNativeSymbol is unavailable on platforms without dlopen.
func ResolveNativeSymbol(library, symbol string) (uint64, error) {
	return 0, fmt.Errorf("entry: native symbol resolution is not supported on this platform")
}

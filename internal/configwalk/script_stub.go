//go:build !cgo

package configwalk

import "context"

func parseScript(context.Context, string, bool) ([]*value, bool, error) {
	return nil, false, errNoCGO
}

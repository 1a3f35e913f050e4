package platform

import "github.com/gotd/td/tgerr"

// asRPCError unwraps an MTProto RPC error, giving callers access to its
// Type (e.g. "FLOOD_WAIT", "FILE_MIGRATE", "USERNAME_NOT_OCCUPIED") and
// Argument (the numeric payload some error types carry, such as a target
// data-center index).
func asRPCError(err error) (*tgerr.Error, bool) {
	return tgerr.As(err)
}

// isFileMigrate reports whether err is a file-migrate redirect (RPC code
// 303) and, if so, the target data-center index to retry against.
func isFileMigrate(err error) (dc int, ok bool) {
	rpcErr, matched := asRPCError(err)
	if !matched || rpcErr.Type != "FILE_MIGRATE" {
		return 0, false
	}
	return rpcErr.Argument, true
}

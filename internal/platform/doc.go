// Package platform wraps native OS handles and the socket primitives used to
// move them between processes.
//
// A Handle is a plain value naming a file descriptor. A ScopedHandle owns one
// and closes it exactly once. All sendmsg/recvmsg and SCM_RIGHTS code lives in
// this package; callers see only the byte-plus-handles contract:
//
//   - Write: bytes only, retried on EINTR, never raises SIGPIPE
//   - SendWithHandles: bytes plus 1..MaxHandlesPerMessage handles in one message
//   - RecvWithHandles: bytes plus any attached handles, appended to an inbox
//
// Example Usage:
//
//	pair, err := platform.NewChannelPair()
//	if err != nil {
//		return err
//	}
//	defer pair.Close()
//
//	_, err = platform.SendWithHandles(pair.Server.Get(), []byte{0}, []platform.Handle{file.Get()})
//
//	var inbox []*platform.ScopedHandle
//	n, err := platform.RecvWithHandles(pair.Client.Get(), buf, &inbox)
package platform

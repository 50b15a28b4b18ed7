// Package channel runs multiplexed message pipes over one connected
// stream socket.
//
// A channel starts with a single bootstrap pipe. Further pipes are opened
// by number: whichever side writes to a pipe first brings it into being on
// the other. Each frame names its pipe and may carry handles, which arrive
// with the message they were written with.
//
// Channels created through a Manager are identified by Info tickets that
// stay meaningful only on the Manager's loop. Presenting a ticket twice, or
// one that was never issued, fails with ErrUnknownChannel.
package channel

// Package embedder is the surface an application uses to bring up IPC in
// its process.
//
// A process is initialized as the master, as a slave or with no broker at
// all. The master launches slaves and hands each a connection id out of
// band; ConnectToSlave on the master and ConnectToMaster on the slave then
// rendezvous through the broker and each end receives the bootstrap pipe
// of a channel connecting the two processes.
//
// Channel setup and teardown run on the I/O loop. The *OnIOThread variants
// must be called there; everything else may be called from any goroutine
// and reports completion through a callback.
package embedder

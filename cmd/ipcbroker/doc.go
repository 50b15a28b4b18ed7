// Command ipcbroker runs a master process that launches slaves, brokers a
// channel to each of them and exchanges a greeting and a shared buffer
// over it. The same binary serves as the slave.
//
//	ipcbroker master --slaves 4 --config ipc.yaml
//
// The master serves /healthz, /status and /metrics on the admin address
// while slaves are running.
package main

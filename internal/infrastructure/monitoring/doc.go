/*
Package monitoring provides Prometheus metrics for the IPC runtime.

# Overview

Metrics cover the broker (slaves, rendezvous outcomes, rejected requests),
channels (messages and handles carried), shared memory, and the admin HTTP
endpoint. Every recording method accepts a nil receiver so components can
run without metrics.

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	router.Use(monitoring.Middleware(metrics))

	metrics.SlaveAdded()
	metrics.RecordConnectResult("new_connection")

	timer := monitoring.NewTimer(metrics, "connect")
	// ... perform operation ...
	timer.Stop("success")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring

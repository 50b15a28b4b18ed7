// Package logging provides structured logging using uber/zap.
//
// Two modes are offered:
//   - Production: JSON output on stderr for machine parsing
//   - Development: Colored console output for human readability
//
// Logs go to stderr so a slave process's stdout stays free for the
// embedding application.
//
// Components receive a *zap.Logger and name themselves:
//
//	logger, err := logging.New(logging.Config{Level: "info"})
//	broker := logger.Named("broker")
//	broker.Warn("slave misbehaved", zap.Uint64("process_id", 3), zap.Error(err))
package logging

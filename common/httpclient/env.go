package httpclient

import (
	"time"

	"github.com/shopfabric/microservices/common/config"
)

// ConfigFromEnv builds a client config from the documented defaults with
// per-deployment overrides:
//
//	HTTP_TIMEOUT_MS       per-attempt deadline
//	HTTP_RETRY_ATTEMPTS   attempt cap
//	CB_ERROR_THRESHOLD    error percentage (0..100) that opens the circuit
//	CB_VOLUME_THRESHOLD   minimum window volume before evaluation
//	CB_RESET_TIMEOUT_MS   open-state duration before probing
func ConfigFromEnv() Config {
	breaker := DefaultBreakerConfig()
	breaker.ErrorThreshold = float64(config.GetEnvInt("CB_ERROR_THRESHOLD", 50)) / 100
	breaker.VolumeThreshold = config.GetEnvInt("CB_VOLUME_THRESHOLD", breaker.VolumeThreshold)
	breaker.ResetTimeout = time.Duration(config.GetEnvInt("CB_RESET_TIMEOUT_MS", int(breaker.ResetTimeout.Milliseconds()))) * time.Millisecond

	return Config{
		Timeout:  time.Duration(config.GetEnvInt("HTTP_TIMEOUT_MS", 3000)) * time.Millisecond,
		Attempts: config.GetEnvInt("HTTP_RETRY_ATTEMPTS", 3),
		Breaker:  breaker,
	}
}

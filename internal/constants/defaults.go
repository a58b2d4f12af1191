package constants

// Push channel defaults
const (
	DefaultReconnectBaseDelayMs = 1000
	DefaultReconnectMaxDelayMs  = 30000
	DefaultMaxReconnectAttempts = 5
	DefaultDialTimeoutSec       = 10
	DefaultReadLimitBytes       = 4 * 1024 * 1024
)

// Poll scheduler defaults
const (
	DefaultPollIntervalSec = 5
	DefaultPollTimeoutSec  = 10
)

// Message cache defaults
const (
	DefaultCacheTTLMin        = 30
	DefaultCacheSweepMin      = 5
	DefaultCacheByteBudget    = 5 * 1024 * 1024
	DefaultEntryMessageCap    = 100
	DegradedEntryMessageCap   = 50
	MinimumEntryMessageCap    = 25
	DefaultStoreRetryAttempts = 3
	DefaultStoreBackoffMs     = 500
	DefaultStoreMaxBackoffSec = 5
)

// Reconciler defaults
const (
	DefaultDedupEpsilonMs       = 1000
	DefaultReactionBufferTTLMin = 5
)

// Send pipeline defaults
const (
	DefaultSendTimeoutSec = 30
	DefaultSendRetryCount = 3
)

// HTTP surface defaults
const (
	DefaultServerPort            = 8084
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
)

// Encryption parameters for at-rest cache payloads
const (
	EncryptionSalt       = "convsync-cache-salt-v1"
	EncryptionIterations = 100000
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
)

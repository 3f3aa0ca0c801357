package messaging

// Default topic names. The deployed names come from configuration.
const (
	TopicShares = "cnminer.shares" // found shares, keyed by job id
	TopicStats  = "cnminer.stats"  // periodic hashrate snapshots, keyed by wallet
)

package settings

import (
	"net/url"
	"time"
)

type LedgerSettings struct {
	StoreURL *url.URL
}

type UtxoIndexSettings struct {
	StoreURL *url.URL
}

type ClaimTrieSettings struct {
	StoreURL *url.URL

	// ActivationDelayFactor divides the incumbent's holding duration to
	// produce the activation delay for a competing claim or support.
	ActivationDelayFactor uint32

	// MaxActivationDelay caps the activation delay, in blocks.
	MaxActivationDelay uint32
}

type FeedSettings struct {
	Source         string // "rpc" or "kafka"
	RPCAddress     string
	PollInterval   time.Duration
	SilenceTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	KafkaHosts     []string
	KafkaTopic     string
	KafkaGroupID   string
	RequestTimeout time.Duration
}

type QueryServerSettings struct {
	ListenAddress  string
	MaxInflight    int
	MaxQueued      int
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
}

type ResolverSettings struct {
	CacheTTL  time.Duration
	CacheSize uint64
	BatchMax  int
}

type Settings struct {
	ClientName         string
	DataFolder         string
	LogLevel           string
	PrometheusEndpoint string
	ProfilerAddress    string

	Ledger      LedgerSettings
	UtxoIndex   UtxoIndexSettings
	ClaimTrie   ClaimTrieSettings
	Feed        FeedSettings
	QueryServer QueryServerSettings
	Resolver    ResolverSettings
}

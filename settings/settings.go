package settings

import (
	"time"
)

func NewSettings() *Settings {
	return &Settings{
		ClientName:         getString("clientName", "claimnode"),
		DataFolder:         getString("dataFolder", "data"),
		LogLevel:           getString("logLevel", "info"),
		PrometheusEndpoint: getString("prometheusEndpoint", "/metrics"),
		ProfilerAddress:    getString("profilerAddr", ""),
		Ledger: LedgerSettings{
			StoreURL: getURL("ledger_store", "sqlite:///ledger"),
		},
		UtxoIndex: UtxoIndexSettings{
			StoreURL: getURL("utxoindex_store", "sqlite:///utxoindex"),
		},
		ClaimTrie: ClaimTrieSettings{
			StoreURL: getURL("claimtrie_store", "sqlite:///claimtrie"),
			//nolint:gosec // config values are small positive ints
			ActivationDelayFactor: uint32(getInt("claimtrie_activationDelayFactor", 32)),
			//nolint:gosec
			MaxActivationDelay: uint32(getInt("claimtrie_maxActivationDelay", 4032)),
		},
		Feed: FeedSettings{
			Source:         getString("feed_source", "rpc"),
			RPCAddress:     getString("feed_rpcAddress", "http://localhost:9245"),
			PollInterval:   getDuration("feed_pollInterval", 5*time.Second),
			SilenceTimeout: getDuration("feed_silenceTimeout", 90*time.Second),
			BackoffInitial: getDuration("feed_backoffInitial", time.Second),
			BackoffMax:     getDuration("feed_backoffMax", time.Minute),
			KafkaHosts:     getMultiString("feed_kafkaHosts", "localhost:9092"),
			KafkaTopic:     getString("feed_kafkaTopic", "blocks"),
			KafkaGroupID:   getString("feed_kafkaGroupID", "claimnode"),
			RequestTimeout: getDuration("feed_requestTimeout", 30*time.Second),
		},
		QueryServer: QueryServerSettings{
			ListenAddress:  getString("queryserver_listenAddress", ":50001"),
			MaxInflight:    getInt("queryserver_maxInflight", 8),
			MaxQueued:      getInt("queryserver_maxQueued", 64),
			RequestTimeout: getDuration("queryserver_requestTimeout", 30*time.Second),
			WriteTimeout:   getDuration("queryserver_writeTimeout", 30*time.Second),
		},
		Resolver: ResolverSettings{
			CacheTTL:  getDuration("resolver_cacheTTL", 30*time.Second),
			CacheSize: uint64(getInt("resolver_cacheSize", 65536)), //nolint:gosec
			BatchMax:  getInt("resolver_batchMax", 500),
		},
	}
}

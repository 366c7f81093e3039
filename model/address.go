package model

import (
	"encoding/hex"

	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/libsv/go-bk/crypto"
)

// AddressForScript returns the index key for a locking script: the base58
// address for standard scripts, otherwise the hex sha256 of the raw script.
// Claim prefixes must be stripped by the caller before indexing.
func AddressForScript(script *bscript.Script) string {
	if script == nil {
		return ""
	}

	addresses, err := script.Addresses()
	if err == nil && len(addresses) > 0 && addresses[0] != "" {
		return addresses[0]
	}

	return hex.EncodeToString(crypto.Sha256([]byte(*script)))
}

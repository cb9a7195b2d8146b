package indexer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeploymentHash is the content hash identifying a deployment version.
type DeploymentHash string

func (h DeploymentHash) String() string {
	return string(h)
}

// IsValid returns true if h is a 0x-prefixed 32 byte hex hash.
func (h DeploymentHash) IsValid() bool {
	b, err := hexutil.Decode(string(h))
	return err == nil && len(b) == common.HashLength
}

// DeploymentLocator identifies a registered deployment in this process.
type DeploymentLocator struct {
	ID   int64          `json:"id"`
	Hash DeploymentHash `json:"hash"`
}

func (l DeploymentLocator) String() string {
	return fmt.Sprintf("%d[%s]", l.ID, l.Hash)
}

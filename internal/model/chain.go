package model

// ChainDeployment records the anchor-contract deployment for one network,
// restored from the original implementation's multi_chain_deployer.py,
// keyed by network name per §4.5.
type ChainDeployment struct {
	ChainName       string `gorm:"primaryKey;size:64"`
	ContractAddress string `gorm:"size:64;not null"`
	DeployedAtBlock int64  `gorm:"not null"`
	ABIHash         string `gorm:"size:66"`
}
